package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

func sys(s string) domain.Turn  { return domain.Turn{Role: domain.RoleSystem, Content: s} }
func user(s string) domain.Turn { return domain.Turn{Role: domain.RoleUser, Content: s} }
func asst(s string) domain.Turn { return domain.Turn{Role: domain.RoleAssistant, Content: s} }

func TestHeuristicEstimate(t *testing.T) {
	b := NewHeuristic()
	require.Equal(t, ModeDegraded, b.Mode())
	require.Equal(t, 0, b.Estimate(""))
	require.Equal(t, 1, b.Estimate("abc"))
	require.Equal(t, 1, b.Estimate("abcd"))
	require.Equal(t, 2, b.Estimate("Hello"))
	// Runes, not bytes.
	require.Equal(t, 1, b.Estimate("ñáéí"))
}

func TestNew_PreciseModeOffline(t *testing.T) {
	b := New("gpt-3.5-turbo")
	require.Equal(t, ModePrecise, b.Mode())

	// cl100k_base encodes this as "hello", " world"; len/4 rounds 11 runes up to 3.
	require.Equal(t, 2, b.Estimate("hello world"))
	require.Equal(t, 3, NewHeuristic().Estimate("hello world"))
}

func TestNew_UnknownModelFallsBackToCl100k(t *testing.T) {
	b := New("some-local-model")
	require.Equal(t, ModePrecise, b.Mode())
	require.Equal(t, 2, b.Estimate("hello world"))
}

func TestEstimateIsMonotonicInLength(t *testing.T) {
	b := NewHeuristic()
	prev := 0
	for i := 0; i < 64; i++ {
		got := b.Estimate(strings.Repeat("x", i))
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestEstimateTurns(t *testing.T) {
	b := NewHeuristic()
	require.Equal(t, SequenceOverhead, b.EstimateTurns(nil))
	// 2 + 4 + 1 + 4 + 3
	require.Equal(t, 14, b.EstimateTurns([]domain.Turn{user("Hello"), asst("hey")}))
}

func TestFit_KeepsNewestAndOrder(t *testing.T) {
	b := NewHeuristic()
	turns := []domain.Turn{
		sys("abcd"), // 1+4, plus 3 sequence = 8
		user("aaaaaaaa"),
		asst("bbbbbbbb"),
		user("cccccccc"), // each non-system turn costs 2+4 = 6
	}

	got := b.Fit(turns, 20)
	require.Equal(t, []domain.Turn{sys("abcd"), asst("bbbbbbbb"), user("cccccccc")}, got)
	require.LessOrEqual(t, b.EstimateTurns(got), 20)

	got = b.Fit(turns, 26)
	require.Equal(t, turns, got)
}

func TestFit_StopsAtFirstOverflow(t *testing.T) {
	b := NewHeuristic()
	turns := []domain.Turn{
		sys("s"),
		user("x"),
		asst(strings.Repeat("y", 400)),
		user("z"),
	}
	// The large turn does not fit, so the small one before it is not
	// considered either.
	got := b.Fit(turns, 30)
	require.Equal(t, []domain.Turn{sys("s"), user("z")}, got)
}

func TestFit_NeverDropsSystemTurns(t *testing.T) {
	b := NewHeuristic()
	turns := []domain.Turn{sys(strings.Repeat("s", 100)), sys("summary"), user("hi")}
	got := b.Fit(turns, 5)
	require.Equal(t, []domain.Turn{turns[0], turns[1]}, got)
}

func TestFit_BudgetAndMonotonicity(t *testing.T) {
	b := NewHeuristic()
	turns := []domain.Turn{sys("policy text here")}
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			turns = append(turns, user(strings.Repeat("u", i*3+1)))
		} else {
			turns = append(turns, asst(strings.Repeat("a", i*5+2)))
		}
	}

	var prev []domain.Turn
	for budget := 0; budget <= 600; budget += 7 {
		got := b.Fit(turns, budget)
		require.Equal(t, domain.RoleSystem, got[0].Role)
		if len(got) > 1 {
			require.LessOrEqual(t, b.EstimateTurns(got), budget)
		}
		require.GreaterOrEqual(t, len(got), len(prev), "budget %d dropped turns", budget)
		if prev != nil {
			// Everything kept at the lower budget is still kept.
			kept := prev[1:]
			require.Equal(t, kept, got[len(got)-len(kept):])
		}
		prev = got
	}
}

func TestFit_IsPure(t *testing.T) {
	b := NewHeuristic()
	turns := []domain.Turn{sys("s"), user("a"), asst("b")}
	snapshot := append([]domain.Turn(nil), turns...)
	_ = b.Fit(turns, 1)
	require.Equal(t, snapshot, turns)
}
