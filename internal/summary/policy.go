// Package summary compacts a conversation's raw history into rolling
// summaries once enough new messages have accumulated.
package summary

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

const (
	DefaultThreshold = 20
	DefaultKeep      = 10
)

// Store is the part of the conversation store compaction touches.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	Summaries(ctx context.Context, conversationID string) ([]domain.Summary, error)
	MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error)
	AddSummary(ctx context.Context, conversationID, text string, tokens int) (*domain.Summary, error)
	PruneOlderThan(ctx context.Context, conversationID string, keep int) (int, error)
}

// Summarizer produces the summary text and its token cost.
type Summarizer interface {
	Summarize(ctx context.Context, turns []domain.Turn) (text string, tokens int, err error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, turns []domain.Turn) (string, int, error)

func (f SummarizerFunc) Summarize(ctx context.Context, turns []domain.Turn) (string, int, error) {
	return f(ctx, turns)
}

type Policy struct {
	store      Store
	summarizer Summarizer
	threshold  int
	keep       int
}

func NewPolicy(store Store, summarizer Summarizer, threshold, keep int) *Policy {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if keep < 0 {
		keep = DefaultKeep
	}
	return &Policy{store: store, summarizer: summarizer, threshold: threshold, keep: keep}
}

// ShouldCompact reports whether threshold or more messages were added
// since last was taken. A nil last counts from zero.
func ShouldCompact(conv *domain.Conversation, last *domain.Summary, threshold int) bool {
	snapshot := 0
	if last != nil {
		snapshot = last.MessageCountAtSummary
	}
	return conv.MessageCount-snapshot >= threshold
}

func (p *Policy) ShouldCompact(conv *domain.Conversation, last *domain.Summary) bool {
	return ShouldCompact(conv, last, p.threshold)
}

// Result describes one compaction.
type Result struct {
	Summary *domain.Summary
	Pruned  int
}

// MaybeCompact compacts the conversation when the threshold is met. It
// returns a nil Result when nothing was done.
func (p *Policy) MaybeCompact(ctx context.Context, conversationID string) (*Result, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	summaries, err := p.store.Summaries(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	last := latest(summaries)
	if !p.ShouldCompact(conv, last) {
		return nil, nil
	}
	return p.compact(ctx, conv, last)
}

// Compact summarizes everything after the latest summary regardless of
// the threshold.
func (p *Policy) Compact(ctx context.Context, conversationID string) (*Result, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	summaries, err := p.store.Summaries(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	return p.compact(ctx, conv, latest(summaries))
}

func (p *Policy) compact(ctx context.Context, conv *domain.Conversation, last *domain.Summary) (*Result, error) {
	var since time.Time
	if last != nil {
		since = last.CreatedAt
	}
	msgs, err := p.store.MessagesSince(ctx, conv.ID, since)
	if err != nil {
		return nil, fmt.Errorf("load messages since last summary: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	turns := make([]domain.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = m.Turn()
	}
	text, tokens, err := p.summarizer.Summarize(ctx, turns)
	if err != nil {
		return nil, fmt.Errorf("summarize conversation: %w", err)
	}

	sm, err := p.store.AddSummary(ctx, conv.ID, text, tokens)
	if err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	pruned, err := p.store.PruneOlderThan(ctx, conv.ID, p.keep)
	if err != nil {
		return &Result{Summary: sm}, fmt.Errorf("prune history: %w", err)
	}
	log.Printf("[summary] conversation %s compacted: %d messages summarized, %d pruned", conv.ID, len(msgs), pruned)
	return &Result{Summary: sm, Pruned: pruned}, nil
}

func latest(summaries []domain.Summary) *domain.Summary {
	if len(summaries) == 0 {
		return nil
	}
	return &summaries[len(summaries)-1]
}
