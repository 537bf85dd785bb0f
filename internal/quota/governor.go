// Package quota enforces per-user daily and monthly usage ceilings.
//
// Counters live on the user row and reset lazily on calendar boundaries
// in the governor's time zone: the daily epoch ends when the calendar day
// changes, the monthly epoch when the month or year changes. Elapsed time
// alone never resets anything.
package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

// Store performs a transactional read-modify-write of a user's counters.
type Store interface {
	UpdateUsage(ctx context.Context, userID string, fn func(*domain.Usage) error) (domain.Usage, error)
}

type Limits struct {
	DailyTokens   int
	MonthlyTokens int
	DailyMessages int
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed                bool
	Reason                 string
	DailyTokensRemaining   int
	MonthlyTokensRemaining int
	DailyMessagesRemaining int
}

type Governor struct {
	store  Store
	limits Limits
	loc    *time.Location
	now    func() time.Time
}

type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithLocation sets the zone calendar boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(g *Governor) {
		if loc != nil {
			g.loc = loc
		}
	}
}

func NewGovernor(store Store, limits Limits, opts ...Option) *Governor {
	g := &Governor{store: store, limits: limits, loc: time.Local, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) Limits() Limits {
	return g.limits
}

// Check applies pending resets and tests the ceilings in order: daily
// messages, daily tokens, monthly tokens. The first one reached denies
// the request. Resets are persisted even when the request is denied.
func (g *Governor) Check(ctx context.Context, userID string) (Decision, error) {
	usage, err := g.store.UpdateUsage(ctx, userID, func(u *domain.Usage) error {
		ApplyResets(u, g.now(), g.loc)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("check quota: %w", err)
	}
	d := Evaluate(usage, g.limits)
	if !d.Allowed {
		log.Printf("[quota] user %s denied: %s", userID, d.Reason)
	}
	return d, nil
}

// Commit records one successful exchange costing tokens.
func (g *Governor) Commit(ctx context.Context, userID string, tokens int) (domain.Usage, error) {
	if tokens < 0 {
		tokens = 0
	}
	usage, err := g.store.UpdateUsage(ctx, userID, func(u *domain.Usage) error {
		ApplyResets(u, g.now(), g.loc)
		u.DailyTokens += tokens
		u.MonthlyTokens += tokens
		u.DailyMessages++
		return nil
	})
	if err != nil {
		return domain.Usage{}, fmt.Errorf("commit usage: %w", err)
	}
	return usage, nil
}

// ResetAll zeroes every counter and restarts both epochs now.
func (g *Governor) ResetAll(ctx context.Context, userID string) error {
	now := g.now()
	_, err := g.store.UpdateUsage(ctx, userID, func(u *domain.Usage) error {
		*u = domain.Usage{LastDailyReset: now, LastMonthlyReset: now}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	log.Printf("[quota] user %s usage reset", userID)
	return nil
}

// Stats applies pending resets and reports usage against the limits.
func (g *Governor) Stats(ctx context.Context, userID string) (domain.UsageStats, error) {
	usage, err := g.store.UpdateUsage(ctx, userID, func(u *domain.Usage) error {
		ApplyResets(u, g.now(), g.loc)
		return nil
	})
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	return domain.UsageStats{
		DailyTokensUsed:    usage.DailyTokens,
		DailyTokensLimit:   g.limits.DailyTokens,
		MonthlyTokensUsed:  usage.MonthlyTokens,
		MonthlyTokensLimit: g.limits.MonthlyTokens,
		DailyMessagesUsed:  usage.DailyMessages,
		DailyMessagesLimit: g.limits.DailyMessages,
	}, nil
}

// ApplyResets zeroes the counters of every epoch that ended before now.
// An epoch that was never started counts as ended. It reports whether
// anything changed.
func ApplyResets(u *domain.Usage, now time.Time, loc *time.Location) bool {
	changed := false
	if u.LastDailyReset.IsZero() || !sameDay(u.LastDailyReset, now, loc) {
		u.DailyTokens = 0
		u.DailyMessages = 0
		u.LastDailyReset = now
		changed = true
	}
	if u.LastMonthlyReset.IsZero() || !sameMonth(u.LastMonthlyReset, now, loc) {
		u.MonthlyTokens = 0
		u.LastMonthlyReset = now
		changed = true
	}
	return changed
}

// Evaluate tests usage against limits without touching any state.
func Evaluate(u domain.Usage, l Limits) Decision {
	d := Decision{
		Allowed:                true,
		DailyTokensRemaining:   max(l.DailyTokens-u.DailyTokens, 0),
		MonthlyTokensRemaining: max(l.MonthlyTokens-u.MonthlyTokens, 0),
		DailyMessagesRemaining: max(l.DailyMessages-u.DailyMessages, 0),
	}
	switch {
	case u.DailyMessages >= l.DailyMessages:
		d.Allowed = false
		d.Reason = fmt.Sprintf("You have reached your daily message limit (%d messages). Please try again tomorrow.", l.DailyMessages)
	case u.DailyTokens >= l.DailyTokens:
		d.Allowed = false
		d.Reason = fmt.Sprintf("You have reached your daily token limit (%d tokens). Please try again tomorrow.", l.DailyTokens)
	case u.MonthlyTokens >= l.MonthlyTokens:
		d.Allowed = false
		d.Reason = fmt.Sprintf("You have reached your monthly token limit (%d tokens). Please try again next month.", l.MonthlyTokens)
	}
	return d
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time, loc *time.Location) bool {
	ay, am, _ := a.In(loc).Date()
	by, bm, _ := b.In(loc).Date()
	return ay == by && am == bm
}
