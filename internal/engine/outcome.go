package engine

import (
	"errors"
	"fmt"

	"github.com/stellarlinkco/convokeeper/internal/llm"
	"github.com/stellarlinkco/convokeeper/internal/summary"
)

// Kind classifies how an inbound event was resolved.
type Kind int

const (
	KindOK Kind = iota
	KindIdentityMissing
	KindQuotaExceeded
	KindModelFailure
	KindRollbackFailure
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindIdentityMissing:
		return "identity_missing"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindModelFailure:
		return "model_failure"
	case KindRollbackFailure:
		return "rollback_failure"
	case KindPersistenceFailure:
		return "persistence_failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrIdentityMissing is the cause of a KindIdentityMissing outcome.
var ErrIdentityMissing = errors.New("inbound event has no user identity")

// Error carries the outcome kind of a failed step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome is the result of handling one inbound event. Reply is the text
// that was sent back; it is empty only when nothing was sent.
type Outcome struct {
	Kind    Kind
	Command string
	Reply   string
	Err     error

	// Set on a successful exchange.
	Completion *llm.Completion
	// Set when the exchange triggered a compaction.
	Compaction *summary.Result
}

// OK reports whether the event was handled without failure. A quota
// denial is not a failure.
func (o Outcome) OK() bool {
	return o.Kind == KindOK || o.Kind == KindQuotaExceeded
}
