package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/stellarlinkco/convokeeper/internal/domain"
	"github.com/stellarlinkco/convokeeper/internal/store"
)

const (
	ReplyHelp = "How to use this bot:\n\n" +
		"Commands:\n" +
		"/start - start the bot and see the introduction\n" +
		"/new - start a new conversation (earlier history is kept but no longer used)\n" +
		"/cleanup - remove broken messages from the current context\n" +
		"/usage - show your usage for today and this month\n" +
		"/help - show this help\n\n" +
		"Tips:\n" +
		"1. Send any message to chat\n" +
		"2. The bot remembers the context of the conversation\n" +
		"3. Every 20 messages the history is summarized to keep long-term memory\n" +
		"4. Use /new to switch topics\n" +
		"5. Use /cleanup if replies stop matching the conversation"
	ReplyNewConversation = "Started a new conversation. Your earlier history is saved; send a message to continue."
	ReplyNothingToClean  = "Nothing to clean up."
	ReplyUnknownCommand  = "Unknown command. Send /help to see what I can do."
)

type commandHandler func(ctx context.Context, req *request) Outcome

func (e *Engine) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		"start":   e.cmdStart,
		"help":    e.cmdHelp,
		"new":     e.cmdNew,
		"cleanup": e.cmdCleanup,
		"usage":   e.cmdUsage,
	}
}

// Commands lists the registered command names.
func (e *Engine) Commands() []string {
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseCommand extracts the command name from text such as
// "/usage@SomeBot extra". It reports false for text that is not a command.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", true
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	return strings.ToLower(cmd), true
}

func (e *Engine) dispatch(ctx context.Context, req *request, name string) Outcome {
	h, ok := e.commands[name]
	if !ok {
		req.reply(ReplyUnknownCommand)
		return Outcome{Kind: KindOK, Command: name, Reply: ReplyUnknownCommand}
	}
	out := h(ctx, req)
	out.Command = name
	return out
}

func (e *Engine) ok(req *request, text string) Outcome {
	req.reply(text)
	return Outcome{Kind: KindOK, Reply: text}
}

func (e *Engine) cmdStart(_ context.Context, req *request) Outcome {
	greeting := "Hello!"
	if name := req.user.DisplayName; name != "" {
		greeting = "Hello, " + name + "!"
	}
	return e.ok(req, greeting+" I am an AI chat assistant.\n\n"+
		"I can:\n"+
		"- chat and answer your questions\n"+
		"- remember the context of our conversation\n"+
		"- summarize long conversations to keep long-term memory\n\n"+
		"Commands:\n"+
		"/start - start\n"+
		"/new - new conversation\n"+
		"/cleanup - repair the context\n"+
		"/usage - usage statistics\n"+
		"/help - help\n\n"+
		"Send a message to get started!")
}

func (e *Engine) cmdHelp(_ context.Context, req *request) Outcome {
	return e.ok(req, ReplyHelp)
}

func (e *Engine) cmdNew(ctx context.Context, req *request) Outcome {
	conv, err := e.store.CreateConversation(ctx, req.user.ID)
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "create conversation", err)
	}
	log.Printf("[engine] user %s started conversation %s", req.user.ID, conv.ID)
	return e.ok(req, ReplyNewConversation)
}

func (e *Engine) cmdCleanup(ctx context.Context, req *request) Outcome {
	conv, err := e.store.ActiveConversation(ctx, req.user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return e.ok(req, ReplyNothingToClean)
	}
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "resolve conversation", err)
	}
	n, err := e.cleanupConversation(ctx, conv.ID)
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "cleanup conversation", err)
	}
	log.Printf("[engine] cleaned up %d orphaned user messages for user %s", n, req.user.ID)
	return e.ok(req, fmt.Sprintf("Cleaned up %d broken message(s). The context is clean; you can keep chatting.", n))
}

func (e *Engine) cmdUsage(ctx context.Context, req *request) Outcome {
	stats, err := e.quota.Stats(ctx, req.user.ID)
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "usage stats", err)
	}
	return e.ok(req, FormatUsage(stats))
}

// FormatUsage renders usage against limits with percentages.
func FormatUsage(s domain.UsageStats) string {
	var b strings.Builder
	b.WriteString("Your usage\n\n")
	b.WriteString("Today:\n")
	fmt.Fprintf(&b, "- Tokens: %d/%d (%s)\n", s.DailyTokensUsed, s.DailyTokensLimit, percent(s.DailyTokensUsed, s.DailyTokensLimit))
	fmt.Fprintf(&b, "- Messages: %d/%d (%s)\n\n", s.DailyMessagesUsed, s.DailyMessagesLimit, percent(s.DailyMessagesUsed, s.DailyMessagesLimit))
	b.WriteString("This month:\n")
	fmt.Fprintf(&b, "- Tokens: %d/%d (%s)\n\n", s.MonthlyTokensUsed, s.MonthlyTokensLimit, percent(s.MonthlyTokensUsed, s.MonthlyTokensLimit))
	b.WriteString("Tokens reset every day and every month.")
	return b.String()
}

func percent(used, limit int) string {
	if limit <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", float64(used)*100/float64(limit))
}
