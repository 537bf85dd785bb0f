package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/stellarlinkco/convokeeper/internal/config"
	"github.com/stellarlinkco/convokeeper/internal/domain"
	"github.com/stellarlinkco/convokeeper/internal/engine"
	"github.com/stellarlinkco/convokeeper/internal/keylock"
	"github.com/stellarlinkco/convokeeper/internal/llm"
	"github.com/stellarlinkco/convokeeper/internal/prompt"
	"github.com/stellarlinkco/convokeeper/internal/quota"
	"github.com/stellarlinkco/convokeeper/internal/store"
	"github.com/stellarlinkco/convokeeper/internal/summary"
	"github.com/stellarlinkco/convokeeper/internal/tokens"
)

// Model is the completion backend the engine and the summarizer share.
type Model interface {
	Complete(ctx context.Context, turns []domain.Turn) (*llm.Completion, error)
	Summarize(ctx context.Context, turns []domain.Turn) (*llm.Completion, error)
}

// StoreFactory opens the configured store (allows injection in tests).
type StoreFactory func(ctx context.Context, cfg config.StoreConfig) (store.Store, error)

// ModelFactory builds the completion backend (allows injection in tests).
type ModelFactory func(cfg config.Config, est llm.Estimator) (Model, error)

// DefaultModelFactory builds an OpenAI-compatible client from cfg.
func DefaultModelFactory(cfg config.Config, est llm.Estimator) (Model, error) {
	c, err := llm.New(llm.Options{
		Model:          cfg.LLM.Model,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Temperature:    cfg.LLM.Temperature,
		MaxReplyTokens: cfg.LLM.MaxReplyTokens,
		Timeout:        cfg.LLM.Timeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryDelay:     cfg.LLM.RetryDelay(),
		ContextBudget:  cfg.Context.MaxContextTokens,
	}, est)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite, "":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres store requires a database url")
		}
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewGovernor builds the quota governor for cfg on st.
func NewGovernor(st quota.Store, cfg config.LimitsConfig) (*quota.Governor, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return quota.NewGovernor(st, quota.Limits{
		DailyTokens:   cfg.MaxTokensPerUserDaily,
		MonthlyTokens: cfg.MaxTokensPerUserMonthly,
		DailyMessages: cfg.MaxMessagesPerUserDaily,
	}, quota.WithLocation(loc)), nil
}

// Stack is the fully wired engine and the components behind it.
type Stack struct {
	Store    store.Store
	Tokens   *tokens.Budgeter
	Model    Model
	Governor *quota.Governor
	Policy   *summary.Policy
	Engine   *engine.Engine
}

// NewStack opens the store and wires the engine on top of it.
func NewStack(ctx context.Context, cfg *config.Config, opts Options) (*Stack, error) {
	openStore := opts.StoreFactory
	if openStore == nil {
		openStore = OpenStore
	}
	newModel := opts.ModelFactory
	if newModel == nil {
		newModel = DefaultModelFactory
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Stack{Store: st, Tokens: tokens.New(cfg.LLM.Model)}

	if s.Model, err = newModel(*cfg, s.Tokens); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create model client: %w", err)
	}
	if s.Governor, err = NewGovernor(st, cfg.Limits); err != nil {
		_ = st.Close()
		return nil, err
	}
	s.Policy = summary.NewPolicy(st, summarizer(s.Model), cfg.Context.MessagesBeforeSummary, cfg.Context.SummaryKeepMessages)

	s.Engine, err = engine.New(engine.Deps{
		Store:     st,
		Quota:     s.Governor,
		Context:   prompt.NewAssembler(st, s.Tokens, cfg.Context.RecentMessages, cfg.Context.MaxContextTokens),
		Model:     s.Model,
		Compactor: s.Policy,
		Tokens:    s.Tokens,
		Locks:     keylock.New(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Printf("[gateway] stack ready: store=%s model=%s tokenizer=%s", cfg.Store.Driver, cfg.LLM.Model, s.Tokens.Mode())
	return s, nil
}

func (s *Stack) Close() error {
	return s.Store.Close()
}

// summarizer adapts the model's Summarize to summary.Summarizer. The
// summary's token cost is the estimate of its own text.
func summarizer(m Model) summary.Summarizer {
	return summary.SummarizerFunc(func(ctx context.Context, turns []domain.Turn) (string, int, error) {
		c, err := m.Summarize(ctx, turns)
		if err != nil {
			return "", 0, err
		}
		return c.Content, c.ReplyTokens, nil
	})
}
