package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultBaseURL        = "https://api.yescale.io/v1"
	DefaultTemperature    = 0.7
	DefaultMaxReplyTokens = 1000
	DefaultTimeoutSeconds = 60
	DefaultMaxRetries     = 3
	DefaultRetryDelayMs   = 1000

	DefaultMaxContextTokens      = 4000
	DefaultRecentMessages        = 20
	DefaultMessagesBeforeSummary = 20
	DefaultSummaryKeepMessages   = 10

	DefaultMaxTokensPerUserDaily   = 50000
	DefaultMaxTokensPerUserMonthly = 500000
	DefaultMaxMessagesPerUserDaily = 100

	DefaultStoreDriver     = "sqlite"
	DefaultCleanupSchedule = "0 30 4 * * *"
	DefaultBufSize         = 100
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	LLM         LLMConfig         `json:"llm"`
	Context     ContextConfig     `json:"context"`
	Limits      LimitsConfig      `json:"limits"`
	Store       StoreConfig       `json:"store"`
	Telegram    TelegramConfig    `json:"telegram"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LLMConfig struct {
	Model          string  `json:"model"`
	BaseURL        string  `json:"baseUrl"`
	APIKey         string  `json:"apiKey"`
	Temperature    float64 `json:"temperature"`
	MaxReplyTokens int     `json:"maxReplyTokens"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	MaxRetries     int     `json:"maxRetries"`
	RetryDelayMs   int     `json:"retryDelayMs"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

type ContextConfig struct {
	MaxContextTokens      int `json:"maxContextTokens"`
	RecentMessages        int `json:"recentMessages"`
	MessagesBeforeSummary int `json:"messagesBeforeSummary"`
	SummaryKeepMessages   int `json:"summaryKeepMessages"`
}

type LimitsConfig struct {
	MaxTokensPerUserDaily   int    `json:"maxTokensPerUserDaily"`
	MaxTokensPerUserMonthly int    `json:"maxTokensPerUserMonthly"`
	MaxMessagesPerUserDaily int    `json:"maxMessagesPerUserDaily"`
	Timezone                string `json:"timezone,omitempty"` // IANA name; empty = host local time
}

// Location resolves Timezone, defaulting to time.Local.
func (c LimitsConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlitePath,omitempty"`
	DatabaseURL string `json:"databaseUrl,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type MaintenanceConfig struct {
	CleanupSchedule string `json:"cleanupSchedule"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:          DefaultModel,
			BaseURL:        DefaultBaseURL,
			Temperature:    DefaultTemperature,
			MaxReplyTokens: DefaultMaxReplyTokens,
			TimeoutSeconds: DefaultTimeoutSeconds,
			MaxRetries:     DefaultMaxRetries,
			RetryDelayMs:   DefaultRetryDelayMs,
		},
		Context: ContextConfig{
			MaxContextTokens:      DefaultMaxContextTokens,
			RecentMessages:        DefaultRecentMessages,
			MessagesBeforeSummary: DefaultMessagesBeforeSummary,
			SummaryKeepMessages:   DefaultSummaryKeepMessages,
		},
		Limits: LimitsConfig{
			MaxTokensPerUserDaily:   DefaultMaxTokensPerUserDaily,
			MaxTokensPerUserMonthly: DefaultMaxTokensPerUserMonthly,
			MaxMessagesPerUserDaily: DefaultMaxMessagesPerUserDaily,
		},
		Store: StoreConfig{
			Driver:     DefaultStoreDriver,
			SQLitePath: filepath.Join(ConfigDir(), "data", "convokeeper.db"),
		},
		Maintenance: MaintenanceConfig{
			CleanupSchedule: DefaultCleanupSchedule,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("CONVOKEEPER_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".convokeeper")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("LLM_MODEL", &cfg.LLM.Model)
	envString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	envString("LLM_API_KEY", &cfg.LLM.APIKey)
	envFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envInt("LLM_MAX_REPLY_TOKENS", &cfg.LLM.MaxReplyTokens)
	envInt("LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	envInt("MAX_RETRIES", &cfg.LLM.MaxRetries)
	envInt("RETRY_DELAY_MS", &cfg.LLM.RetryDelayMs)

	envInt("MAX_CONTEXT_TOKENS", &cfg.Context.MaxContextTokens)
	envInt("RECENT_MESSAGES", &cfg.Context.RecentMessages)
	envInt("MESSAGES_BEFORE_SUMMARY", &cfg.Context.MessagesBeforeSummary)
	envInt("SUMMARY_KEEP_MESSAGES", &cfg.Context.SummaryKeepMessages)

	envInt("MAX_TOKENS_PER_USER_DAILY", &cfg.Limits.MaxTokensPerUserDaily)
	envInt("MAX_TOKENS_PER_USER_MONTHLY", &cfg.Limits.MaxTokensPerUserMonthly)
	envInt("MAX_MESSAGES_PER_USER_DAILY", &cfg.Limits.MaxMessagesPerUserDaily)
	envString("QUOTA_TIMEZONE", &cfg.Limits.Timezone)

	envString("STORE_DRIVER", &cfg.Store.Driver)
	envString("SQLITE_PATH", &cfg.Store.SQLitePath)
	envString("DATABASE_URL", &cfg.Store.DatabaseURL)
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = databaseURLFromParts()
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
		cfg.Telegram.Enabled = true
	}
	envString("TELEGRAM_PROXY", &cfg.Telegram.Proxy)
	if allow := os.Getenv("TELEGRAM_ALLOW_FROM"); allow != "" {
		cfg.Telegram.AllowFrom = splitList(allow)
	}

	envString("CLEANUP_SCHEDULE", &cfg.Maintenance.CleanupSchedule)
}

func normalize(cfg *Config) {
	d := DefaultConfig()
	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&cfg.LLM.MaxReplyTokens, d.LLM.MaxReplyTokens)
	positive(&cfg.LLM.TimeoutSeconds, d.LLM.TimeoutSeconds)
	positive(&cfg.LLM.MaxRetries, d.LLM.MaxRetries)
	if cfg.LLM.RetryDelayMs < 0 {
		cfg.LLM.RetryDelayMs = d.LLM.RetryDelayMs
	}
	positive(&cfg.Context.MaxContextTokens, d.Context.MaxContextTokens)
	positive(&cfg.Context.RecentMessages, d.Context.RecentMessages)
	positive(&cfg.Context.MessagesBeforeSummary, d.Context.MessagesBeforeSummary)
	positive(&cfg.Context.SummaryKeepMessages, d.Context.SummaryKeepMessages)
	positive(&cfg.Limits.MaxTokensPerUserDaily, d.Limits.MaxTokensPerUserDaily)
	positive(&cfg.Limits.MaxTokensPerUserMonthly, d.Limits.MaxTokensPerUserMonthly)
	positive(&cfg.Limits.MaxMessagesPerUserDaily, d.Limits.MaxMessagesPerUserDaily)

	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = d.LLM.Model
	}
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		cfg.LLM.BaseURL = d.LLM.BaseURL
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = d.Store.SQLitePath
	}
	if cfg.Maintenance.CleanupSchedule == "" {
		cfg.Maintenance.CleanupSchedule = d.Maintenance.CleanupSchedule
	}
}

// Validate checks the settings needed to talk to the model backend and
// open the configured store.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("LLM API key not set. Set LLM_API_KEY or llm.apiKey in %s", ConfigPath())
	}
	switch c.Store.Driver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("postgres store requires DATABASE_URL or DB_* variables")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := c.Limits.Location(); err != nil {
		return err
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// databaseURLFromParts assembles a postgres URL from the DB_* variables
// of container deployments. It returns "" when DB_HOST is unset.
func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("DB_USERNAME")
	if user == "" {
		user = "postgres"
	}
	name := os.Getenv("DB_DATABASE")
	if name == "" {
		name = "telegram_chatbot"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, os.Getenv("DB_PASSWORD")),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	return u.String()
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = parsed
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
