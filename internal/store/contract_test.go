package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

// runStoreContract exercises the behaviour both backends must share.
// External ids are random so the suite can run against a shared database.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	newUser := func(t *testing.T, s Store) *domain.User {
		t.Helper()
		u, err := s.UpsertUser(ctx, domain.UserProfile{ExternalID: "ext-" + uuid.NewString(), DisplayName: "Ada"})
		require.NoError(t, err)
		return u
	}
	newConversation := func(t *testing.T, s Store) *domain.Conversation {
		t.Helper()
		c, err := s.CreateConversation(ctx, newUser(t, s).ID)
		require.NoError(t, err)
		return c
	}
	appendTurns := func(t *testing.T, s Store, convID string, roles ...domain.Role) []*domain.Message {
		t.Helper()
		var out []*domain.Message
		for i, r := range roles {
			m, err := s.AppendMessage(ctx, convID, r, string(r)+"-"+string(rune('a'+i)), i+1)
			require.NoError(t, err)
			out = append(out, m)
		}
		return out
	}

	t.Run("UpsertUser", func(t *testing.T) {
		s := open(t)
		ext := "ext-" + uuid.NewString()
		u, err := s.UpsertUser(ctx, domain.UserProfile{ExternalID: ext, Username: "ada", DisplayName: "Ada", Locale: "en"})
		require.NoError(t, err)
		require.True(t, u.Active)
		require.Zero(t, u.Usage.DailyMessages)
		require.True(t, u.Usage.LastDailyReset.IsZero())

		again, err := s.UpsertUser(ctx, domain.UserProfile{ExternalID: ext, Username: "ada2", DisplayName: "Ada L", Locale: "fr"})
		require.NoError(t, err)
		require.Equal(t, u.ID, again.ID)
		require.Equal(t, "ada2", again.Username)
		require.Equal(t, "fr", again.Locale)

		found, err := s.FindUserByExternalID(ctx, ext)
		require.NoError(t, err)
		require.Equal(t, "Ada L", found.DisplayName)

		_, err = s.UpsertUser(ctx, domain.UserProfile{})
		require.Error(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.GetUser(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindUserByExternalID(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetConversation(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AppendMessage(ctx, "missing", domain.RoleUser, "hi", 1)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.DeleteMessage(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AddSummary(ctx, "missing", "text", 1)
		require.ErrorIs(t, err, ErrNotFound)

		u := newUser(t, s)
		_, err = s.ActiveConversation(ctx, u.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateConversationDeactivatesPrevious", func(t *testing.T) {
		s := open(t)
		u := newUser(t, s)
		first, err := s.CreateConversation(ctx, u.ID)
		require.NoError(t, err)
		second, err := s.CreateConversation(ctx, u.ID)
		require.NoError(t, err)

		active, err := s.ActiveConversation(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, second.ID, active.ID)
		require.Zero(t, active.MessageCount)
		require.Zero(t, active.TotalTokens)

		old, err := s.GetConversation(ctx, first.ID)
		require.NoError(t, err)
		require.False(t, old.Active)

		all, err := s.ListActiveConversations(ctx)
		require.NoError(t, err)
		var ids []string
		for _, c := range all {
			ids = append(ids, c.ID)
		}
		require.Contains(t, ids, second.ID)
		require.NotContains(t, ids, first.ID)
	})

	t.Run("AppendMessageUpdatesAggregates", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		msgs := appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant, domain.RoleUser)

		got, err := s.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, 3, got.MessageCount)
		require.Equal(t, 1+2+3, got.TotalTokens)

		for i := 1; i < len(msgs); i++ {
			require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		}

		_, err = s.AppendMessage(ctx, c.ID, domain.Role("tool"), "x", 1)
		require.Error(t, err)
		_, err = s.AppendMessage(ctx, c.ID, domain.RoleUser, "x", -1)
		require.Error(t, err)

		got, err = s.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, 3, got.MessageCount)
	})

	t.Run("RecentMessagesNewestFirst", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		msgs := appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant)

		recent, err := s.RecentMessages(ctx, c.ID, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		require.Equal(t, msgs[3].ID, recent[0].ID)
		require.Equal(t, msgs[2].ID, recent[1].ID)
		require.Equal(t, msgs[1].ID, recent[2].ID)

		none, err := s.RecentMessages(ctx, c.ID, 0)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("MessagesSince", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		msgs := appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant, domain.RoleUser)

		all, err := s.MessagesSince(ctx, c.ID, time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, msgs[0].ID, all[0].ID)

		sm, err := s.AddSummary(ctx, c.ID, "so far", 2)
		require.NoError(t, err)
		after := appendTurns(t, s, c.ID, domain.RoleAssistant)

		since, err := s.MessagesSince(ctx, c.ID, sm.CreatedAt)
		require.NoError(t, err)
		require.Len(t, since, 1)
		require.Equal(t, after[0].ID, since[0].ID)
	})

	t.Run("DeleteMessageRollsBackAggregates", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant)
		before, err := s.GetConversation(ctx, c.ID)
		require.NoError(t, err)

		m, err := s.AppendMessage(ctx, c.ID, domain.RoleUser, "doomed", 40)
		require.NoError(t, err)
		deleted, err := s.DeleteMessage(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, "doomed", deleted.Content)

		after, err := s.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, before.MessageCount, after.MessageCount)
		require.Equal(t, before.TotalTokens, after.TotalTokens)

		recent, err := s.RecentMessages(ctx, c.ID, 10)
		require.NoError(t, err)
		require.Len(t, recent, 2)
	})

	t.Run("PruneKeepsNewest", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		var roles []domain.Role
		for i := 0; i < 14; i++ {
			if i%2 == 0 {
				roles = append(roles, domain.RoleUser)
			} else {
				roles = append(roles, domain.RoleAssistant)
			}
		}
		msgs := appendTurns(t, s, c.ID, roles...)

		n, err := s.PruneOlderThan(ctx, c.ID, 10)
		require.NoError(t, err)
		require.Equal(t, 4, n)

		left, err := s.MessagesSince(ctx, c.ID, time.Time{})
		require.NoError(t, err)
		require.Len(t, left, 10)
		require.Equal(t, msgs[4].ID, left[0].ID)
		require.Equal(t, msgs[13].ID, left[9].ID)

		// Lifetime counter is untouched.
		got, err := s.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, 14, got.MessageCount)

		n, err = s.PruneOlderThan(ctx, c.ID, 10)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("CleanupConsecutiveUserMessages", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		msgs := appendTurns(t, s, c.ID,
			domain.RoleUser, domain.RoleUser, domain.RoleUser,
			domain.RoleAssistant,
			domain.RoleUser, domain.RoleUser,
			domain.RoleAssistant)

		n, err := s.CleanupConsecutiveUserMessages(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		left, err := s.MessagesSince(ctx, c.ID, time.Time{})
		require.NoError(t, err)
		var ids []string
		for _, m := range left {
			ids = append(ids, m.ID)
		}
		require.Equal(t, []string{msgs[0].ID, msgs[3].ID, msgs[4].ID, msgs[6].ID}, ids)

		n, err = s.CleanupConsecutiveUserMessages(ctx, c.ID)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("SummariesSnapshotMessageCount", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant)
		first, err := s.AddSummary(ctx, c.ID, "first", 5)
		require.NoError(t, err)
		require.Equal(t, 2, first.MessageCountAtSummary)

		appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant)
		second, err := s.AddSummary(ctx, c.ID, "second", 6)
		require.NoError(t, err)
		require.Equal(t, 4, second.MessageCountAtSummary)

		list, err := s.Summaries(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "first", list[0].Text)
		require.Equal(t, "second", list[1].Text)
		require.LessOrEqual(t, list[0].MessageCountAtSummary, list[1].MessageCountAtSummary)
	})

	t.Run("MessageAfterSummaryIsNewer", func(t *testing.T) {
		s := open(t)
		c := newConversation(t, s)
		before := appendTurns(t, s, c.ID, domain.RoleUser, domain.RoleAssistant)
		sm, err := s.AddSummary(ctx, c.ID, "sum", 3)
		require.NoError(t, err)
		require.True(t, sm.CreatedAt.After(before[1].CreatedAt))

		after := appendTurns(t, s, c.ID, domain.RoleUser)
		require.True(t, after[0].CreatedAt.After(sm.CreatedAt))

		since, err := s.MessagesSince(ctx, c.ID, sm.CreatedAt)
		require.NoError(t, err)
		require.Len(t, since, 1)
		require.Equal(t, after[0].ID, since[0].ID)
	})

	t.Run("UpdateUsage", func(t *testing.T) {
		s := open(t)
		u := newUser(t, s)
		reset := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

		usage, err := s.UpdateUsage(ctx, u.ID, func(us *domain.Usage) error {
			us.DailyTokens += 10
			us.MonthlyTokens += 10
			us.DailyMessages++
			us.LastDailyReset = reset
			us.LastMonthlyReset = reset
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 10, usage.DailyTokens)

		boom := errors.New("boom")
		_, err = s.UpdateUsage(ctx, u.ID, func(us *domain.Usage) error {
			us.DailyTokens = 999
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, 10, got.Usage.DailyTokens)
		require.Equal(t, 1, got.Usage.DailyMessages)
		require.True(t, got.Usage.LastDailyReset.Equal(reset))

		_, err = s.UpdateUsage(ctx, "missing", func(*domain.Usage) error { return nil })
		require.ErrorIs(t, err, ErrNotFound)
	})
}
