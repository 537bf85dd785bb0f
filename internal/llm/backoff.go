package llm

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff waits step, 2*step, 3*step, ... between attempts.
type LinearBackOff struct {
	step time.Duration
	n    int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

func NewLinearBackOff(step time.Duration) *LinearBackOff {
	return &LinearBackOff{step: step}
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *LinearBackOff) Reset() {
	b.n = 0
}
