// Package prompt builds the turn sequence sent to the model for one
// conversation: a fixed system instruction, the accumulated summaries and
// the most recent raw turns, trimmed to the context budget.
package prompt

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

// SystemInstruction is the first turn of every request.
const SystemInstruction = `You are a helpful, friendly and knowledgeable AI assistant.

Guidelines:
1. Answer the user's latest message directly and accurately.
2. Reply in the same language the user wrote in.
3. Be concise but informative.
4. The conversation history and summaries provided to you are your memory. Use them when the user refers to earlier messages, names or topics.
5. Never claim you cannot remember something that appears in the provided history.
6. If earlier replies in the history were wrong or off-topic, do not repeat them; answer the current question correctly.
7. For factual questions give the factual answer.`

// SummaryPreamble opens the system turn that carries prior summaries.
const SummaryPreamble = "Previous conversation context:\n"

// Source is the read side of the conversation store the assembler needs.
type Source interface {
	Summaries(ctx context.Context, conversationID string) ([]domain.Summary, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Fitter trims a turn sequence to a token budget.
type Fitter interface {
	Fit(turns []domain.Turn, budget int) []domain.Turn
}

// Assembler builds model-ready context for a conversation.
type Assembler struct {
	src    Source
	fitter Fitter
	recent int
	budget int
}

// NewAssembler returns an Assembler that reads up to recent raw messages
// and fits the result to budget tokens.
func NewAssembler(src Source, fitter Fitter, recent, budget int) *Assembler {
	return &Assembler{src: src, fitter: fitter, recent: recent, budget: budget}
}

// Build reads the conversation snapshot and returns the fitted sequence.
// It never writes to the store.
func (a *Assembler) Build(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	summaries, err := a.src.Summaries(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	recent, err := a.src.RecentMessages(ctx, conversationID, a.recent)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	turns, skipped := Assemble(summaries, recent)
	if skipped > 0 {
		log.Printf("[prompt] conversation %s: skipped %d consecutive user turns, /cleanup will remove them", conversationID, skipped)
	}
	return a.fitter.Fit(turns, a.budget), nil
}

// Assemble lays out the unfitted sequence from summaries (oldest first)
// and recent messages (newest first, as the store returns them). It
// reports how many turns role-alternation normalization dropped.
func Assemble(summaries []domain.Summary, recentNewestFirst []domain.Message) ([]domain.Turn, int) {
	turns := make([]domain.Turn, 0, 2+len(recentNewestFirst))
	turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: SystemInstruction})
	if len(summaries) > 0 {
		turns = append(turns, SummaryTurn(summaries))
	}

	chrono := make([]domain.Turn, len(recentNewestFirst))
	for i, m := range recentNewestFirst {
		chrono[len(recentNewestFirst)-1-i] = m.Turn()
	}
	kept, skipped := NormalizeAlternation(chrono)
	return append(turns, kept...), skipped
}

// SummaryTurn joins summaries into one labelled system turn.
func SummaryTurn(summaries []domain.Summary) domain.Turn {
	parts := make([]string, len(summaries))
	for i, s := range summaries {
		parts[i] = fmt.Sprintf("Summary %d: %s", i+1, s.Text)
	}
	return domain.Turn{
		Role:    domain.RoleSystem,
		Content: SummaryPreamble + strings.Join(parts, "\n\n"),
	}
}

// NormalizeAlternation drops every user turn whose last kept predecessor
// is also a user turn, so each run of consecutive user turns keeps only
// its first member. The input is not modified.
func NormalizeAlternation(turns []domain.Turn) ([]domain.Turn, int) {
	out := make([]domain.Turn, 0, len(turns))
	var last domain.Role
	skipped := 0
	for _, t := range turns {
		if t.Role == domain.RoleUser && last == domain.RoleUser {
			skipped++
			continue
		}
		out = append(out, t)
		last = t.Role
	}
	return out, skipped
}
