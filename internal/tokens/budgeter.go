// Package tokens estimates the token cost of dialogue and trims turn
// sequences to a token budget.
//
// A Budgeter runs in one of two modes. In precise mode it uses a BPE
// encoder for the configured model family. When no encoder can be loaded
// (offline host, unknown model) it runs in degraded mode and estimates
// ceil(runes/4) per text. Degraded estimates change trimming and quota
// accounting, so the mode is logged at construction and exposed by Mode.
package tokens

import (
	"log"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

const (
	// PerTurnOverhead is added for every turn in a request.
	PerTurnOverhead = 4
	// SequenceOverhead is added once per request.
	SequenceOverhead = 3

	fallbackEncoding = "cl100k_base"
)

// BPE ranks come embedded in the binary, so loading an encoder never
// touches the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Mode names the estimation strategy in use.
type Mode string

const (
	ModePrecise  Mode = "precise"
	ModeDegraded Mode = "degraded"
)

// Budgeter is safe for concurrent use.
type Budgeter struct {
	enc  *tiktoken.Tiktoken
	mode Mode
}

// New loads the encoder for model, falling back to cl100k_base and then to
// the length heuristic.
func New(model string) *Budgeter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		log.Printf("[tokens] encoder unavailable for %q, running in degraded mode (len/4): %v", model, err)
		return NewHeuristic()
	}
	log.Printf("[tokens] precise encoder loaded for %q", model)
	return &Budgeter{enc: enc, mode: ModePrecise}
}

// NewHeuristic returns a Budgeter in degraded mode.
func NewHeuristic() *Budgeter {
	return &Budgeter{mode: ModeDegraded}
}

func (b *Budgeter) Mode() Mode {
	return b.mode
}

// Estimate returns the token cost of text.
func (b *Budgeter) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	return HeuristicEstimate(text)
}

// HeuristicEstimate is the degraded-mode estimate: ceil(runes/4).
func HeuristicEstimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimateTurns returns the request cost of turns, including the per-turn
// and per-sequence overheads.
func (b *Budgeter) EstimateTurns(turns []domain.Turn) int {
	total := 0
	for _, t := range turns {
		total += b.Estimate(t.Content) + PerTurnOverhead
	}
	return total + SequenceOverhead
}

// Fit returns the subsequence of turns that fits budget. System turns are
// always kept and counted first. The remaining turns are walked from newest
// to oldest and kept while the running total stays within budget; the walk
// stops at the first turn that does not fit. The result holds the system
// turns followed by the kept turns in their order.
//
// If the system turns alone exceed budget they are still returned.
func (b *Budgeter) Fit(turns []domain.Turn, budget int) []domain.Turn {
	var system, rest []domain.Turn
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			system = append(system, t)
		} else {
			rest = append(rest, t)
		}
	}

	total := b.EstimateTurns(system)
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := b.Estimate(rest[i].Content) + PerTurnOverhead
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	out := make([]domain.Turn, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	return append(out, rest[start:]...)
}
