// Package store persists users, conversations, messages and summaries.
//
// Every method that touches more than one row runs in a single
// transaction: appending a message and bumping the conversation
// aggregates, switching the active conversation, snapshotting the message
// count into a summary, and read-modify-write of usage counters.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	// UpsertUser finds the user by external id, creating it on first
	// contact and refreshing changed profile fields otherwise.
	UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error)
	FindUserByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	// UpdateUsage loads the user's counters, passes them to fn and writes
	// back whatever fn leaves in place, all in one transaction. If fn
	// returns an error nothing is written.
	UpdateUsage(ctx context.Context, userID string, fn func(*domain.Usage) error) (domain.Usage, error)

	// ActiveConversation returns ErrNotFound when the user has none.
	ActiveConversation(ctx context.Context, userID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListActiveConversations(ctx context.Context) ([]domain.Conversation, error)

	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (*domain.Message, error)
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	// MessagesSince returns messages created strictly after since, oldest
	// first. A zero since returns the whole log.
	MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error)
	// DeleteMessage removes a message and takes it back out of the
	// conversation aggregates. It is meant for rolling back a turn.
	DeleteMessage(ctx context.Context, id string) (*domain.Message, error)
	// PruneOlderThan keeps the keep most recent messages and deletes the
	// rest. Aggregates are left alone.
	PruneOlderThan(ctx context.Context, conversationID string, keep int) (int, error)
	// CleanupConsecutiveUserMessages deletes every user message that
	// directly follows another user message.
	CleanupConsecutiveUserMessages(ctx context.Context, conversationID string) (int, error)

	// Summaries are returned oldest first.
	Summaries(ctx context.Context, conversationID string) ([]domain.Summary, error)
	AddSummary(ctx context.Context, conversationID, text string, tokens int) (*domain.Summary, error)

	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// consecutiveUserDuplicates walks msgs oldest to newest and returns the
// ids of user messages whose predecessor is also a user message.
func consecutiveUserDuplicates(msgs []domain.Message) []string {
	var ids []string
	var prev domain.Role
	for _, m := range msgs {
		if m.Role == domain.RoleUser && prev == domain.RoleUser {
			ids = append(ids, m.ID)
			continue
		}
		prev = m.Role
	}
	return ids
}

// nextCreatedAt keeps creation times strictly increasing within a
// conversation even when the wall clock stalls or steps backwards. latest
// is the newest message or summary time; step is the backend's timestamp
// resolution.
func nextCreatedAt(now, latest time.Time, step time.Duration) time.Time {
	if latest.IsZero() || now.After(latest) {
		return now
	}
	return latest.Add(step)
}
