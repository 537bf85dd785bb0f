package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/convokeeper/internal/bus"
	"github.com/stellarlinkco/convokeeper/internal/config"
	"github.com/stellarlinkco/convokeeper/internal/engine"
	"github.com/stellarlinkco/convokeeper/internal/gateway"
	"github.com/stellarlinkco/convokeeper/internal/store"
	"github.com/stellarlinkco/convokeeper/internal/tokens"
)

// cliIdentity is the sender, chat and channel name of the local REPL.
const cliIdentity = "cli"

// ChatOptions for running the local chat with custom dependencies
type ChatOptions struct {
	StoreFactory gateway.StoreFactory
	ModelFactory gateway.ModelFactory
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
}

// AdminOptions for the per-user maintenance commands
type AdminOptions struct {
	StoreFactory gateway.StoreFactory
	Stdout       io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "convokeeper",
	Short: "convokeeper - LLM chat bot with context and usage governance",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (telegram + maintenance cron)",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the bot locally in single message or REPL mode",
	RunE:  runChat,
}

var usageCmd = &cobra.Command{
	Use:   "usage <externalId>",
	Short: "Show a user's usage against the limits",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

var resetUsageCmd = &cobra.Command{
	Use:   "reset-usage <externalId>",
	Short: "Zero a user's usage counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetUsage,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <externalId>",
	Short: "Remove broken consecutive user messages from a user's active conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCleanup,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show convokeeper status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(serveCmd, chatCmd, usageCmd, resetUsageCmd, cleanupCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions drives the engine from stdin with injectable
// dependencies for testing.
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	stack, err := gateway.NewStack(ctx, cfg, gateway.Options{
		StoreFactory: opts.StoreFactory,
		ModelFactory: opts.ModelFactory,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	send := func(text string) engine.Outcome {
		return stack.Engine.Handle(ctx, bus.InboundMessage{
			Channel:     cliIdentity,
			SenderID:    cliIdentity,
			ChatID:      cliIdentity,
			Username:    os.Getenv("USER"),
			DisplayName: os.Getenv("USER"),
			Content:     text,
		}, func(out bus.OutboundMessage) {
			if out.Action == "" {
				fmt.Fprintln(stdout, out.Content)
			}
		})
	}

	// Single message mode
	if messageFlag != "" {
		out := send(messageFlag)
		if !out.OK() {
			return fmt.Errorf("chat error: %w", out.Err)
		}
		return nil
	}

	fmt.Fprintln(stdout, "convokeeper chat (type 'exit' to quit, /help for commands)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if out := send(input); !out.OK() {
			fmt.Fprintf(stderr, "Error: %v\n", out.Err)
		}
	}
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	return runUsageWithOptions(AdminOptions{}, args[0])
}

func runUsageWithOptions(opts AdminOptions, externalID string) error {
	return withUser(opts, externalID, func(ctx context.Context, cfg *config.Config, st store.Store, user string, stdout io.Writer) error {
		gov, err := gateway.NewGovernor(st, cfg.Limits)
		if err != nil {
			return err
		}
		stats, err := gov.Stats(ctx, user)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, engine.FormatUsage(stats))
		return nil
	})
}

func runResetUsage(cmd *cobra.Command, args []string) error {
	return runResetUsageWithOptions(AdminOptions{}, args[0])
}

func runResetUsageWithOptions(opts AdminOptions, externalID string) error {
	return withUser(opts, externalID, func(ctx context.Context, cfg *config.Config, st store.Store, user string, stdout io.Writer) error {
		gov, err := gateway.NewGovernor(st, cfg.Limits)
		if err != nil {
			return err
		}
		if err := gov.ResetAll(ctx, user); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Usage reset for %s\n", externalID)
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return runCleanupWithOptions(AdminOptions{}, args[0])
}

func runCleanupWithOptions(opts AdminOptions, externalID string) error {
	return withUser(opts, externalID, func(ctx context.Context, cfg *config.Config, st store.Store, user string, stdout io.Writer) error {
		conv, err := st.ActiveConversation(ctx, user)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stdout, "No active conversation for %s\n", externalID)
			return nil
		}
		if err != nil {
			return err
		}
		n, err := st.CleanupConsecutiveUserMessages(ctx, conv.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Removed %d broken message(s) from conversation %s\n", n, conv.ID)
		return nil
	})
}

// withUser opens the configured store, resolves externalID and runs fn
// with the internal user id.
func withUser(opts AdminOptions, externalID string, fn func(ctx context.Context, cfg *config.Config, st store.Store, userID string, stdout io.Writer) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	openStore := opts.StoreFactory
	if openStore == nil {
		openStore = gateway.OpenStore
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	user, err := st.FindUserByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unknown user %q", externalID)
	}
	if err != nil {
		return err
	}
	return fn(ctx, cfg, st, user.ID, stdout)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusTo(os.Stdout)
}

func runStatusTo(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Model: %s\n", cfg.LLM.Model)
	fmt.Fprintf(w, "Base URL: %s\n", cfg.LLM.BaseURL)
	key := cfg.LLM.APIKey
	if len(key) > 8 {
		fmt.Fprintf(w, "API Key: %s\n", key[:4]+"..."+key[len(key)-4:])
	} else if key != "" {
		fmt.Fprintln(w, "API Key: set")
	} else {
		fmt.Fprintln(w, "API Key: not set")
	}
	fmt.Fprintf(w, "Tokenizer: %s\n", tokens.New(cfg.LLM.Model).Mode())

	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		fmt.Fprintln(w, "Store: postgres")
	default:
		fmt.Fprintf(w, "Store: sqlite (%s)\n", cfg.Store.SQLitePath)
	}

	fmt.Fprintf(w, "Context: %d tokens, %d recent messages, summary every %d (keep %d)\n",
		cfg.Context.MaxContextTokens, cfg.Context.RecentMessages,
		cfg.Context.MessagesBeforeSummary, cfg.Context.SummaryKeepMessages)
	tz := cfg.Limits.Timezone
	if tz == "" {
		tz = "local"
	}
	fmt.Fprintf(w, "Limits: %d tokens/day, %d tokens/month, %d messages/day (%s)\n",
		cfg.Limits.MaxTokensPerUserDaily, cfg.Limits.MaxTokensPerUserMonthly,
		cfg.Limits.MaxMessagesPerUserDaily, tz)
	fmt.Fprintf(w, "Cleanup schedule: %s\n", cfg.Maintenance.CleanupSchedule)
	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	return nil
}
