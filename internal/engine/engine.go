// Package engine turns inbound chat events into replies: it resolves the
// user, enforces quota, persists both sides of the exchange, calls the
// model and compacts history, rolling back the user turn when the
// exchange cannot complete.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/convokeeper/internal/bus"
	"github.com/stellarlinkco/convokeeper/internal/domain"
	"github.com/stellarlinkco/convokeeper/internal/keylock"
	"github.com/stellarlinkco/convokeeper/internal/llm"
	"github.com/stellarlinkco/convokeeper/internal/quota"
	"github.com/stellarlinkco/convokeeper/internal/store"
	"github.com/stellarlinkco/convokeeper/internal/summary"
)

const (
	ReplyGenericFailure  = "Sorry, something went wrong while processing your message. Please try again later."
	ReplyIdentityMissing = "Cannot identify user."
)

// Store is the part of the conversation store the engine drives.
type Store interface {
	UpsertUser(ctx context.Context, profile domain.UserProfile) (*domain.User, error)
	ActiveConversation(ctx context.Context, userID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error)
	ListActiveConversations(ctx context.Context) ([]domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) (*domain.Message, error)
	CleanupConsecutiveUserMessages(ctx context.Context, conversationID string) (int, error)
}

type Quota interface {
	Check(ctx context.Context, userID string) (quota.Decision, error)
	Commit(ctx context.Context, userID string, tokens int) (domain.Usage, error)
	Stats(ctx context.Context, userID string) (domain.UsageStats, error)
}

// ContextBuilder assembles the turns sent to the model.
type ContextBuilder interface {
	Build(ctx context.Context, conversationID string) ([]domain.Turn, error)
}

type Completer interface {
	Complete(ctx context.Context, turns []domain.Turn) (*llm.Completion, error)
}

type Compactor interface {
	MaybeCompact(ctx context.Context, conversationID string) (*summary.Result, error)
}

type Estimator interface {
	Estimate(text string) int
}

// Deps bundles the collaborators of an Engine. Compactor may be nil to
// disable summarization; Locks defaults to a fresh table.
type Deps struct {
	Store     Store
	Quota     Quota
	Context   ContextBuilder
	Model     Completer
	Compactor Compactor
	Tokens    Estimator
	Locks     *keylock.Table
}

type Engine struct {
	store     Store
	quota     Quota
	context   ContextBuilder
	model     Completer
	compactor Compactor
	tokens    Estimator
	locks     *keylock.Table
	commands  map[string]commandHandler
}

func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store required")
	case deps.Quota == nil:
		return nil, errors.New("engine: quota governor required")
	case deps.Context == nil:
		return nil, errors.New("engine: context builder required")
	case deps.Model == nil:
		return nil, errors.New("engine: completion client required")
	case deps.Tokens == nil:
		return nil, errors.New("engine: token estimator required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = keylock.New()
	}
	e := &Engine{
		store:     deps.Store,
		quota:     deps.Quota,
		context:   deps.Context,
		model:     deps.Model,
		compactor: deps.Compactor,
		tokens:    deps.Tokens,
		locks:     locks,
	}
	e.commands = e.commandTable()
	return e, nil
}

// request is one inbound event being handled.
type request struct {
	msg  bus.InboundMessage
	user *domain.User
	emit func(bus.OutboundMessage)
}

func (r *request) reply(text string) {
	r.emit(bus.OutboundMessage{Channel: r.msg.Channel, ChatID: r.msg.ChatID, Content: text})
}

func (r *request) typing() {
	r.emit(bus.OutboundMessage{Channel: r.msg.Channel, ChatID: r.msg.ChatID, Action: bus.ActionTyping})
}

// Handle processes one inbound event and emits the typing indicator and
// the reply through emit. Events from the same user are serialized. Once
// started, handling runs to completion even if ctx is canceled; the model
// client's per-attempt timeout and retry budget bound it.
func (e *Engine) Handle(ctx context.Context, msg bus.InboundMessage, emit func(bus.OutboundMessage)) Outcome {
	ctx = context.WithoutCancel(ctx)
	if emit == nil {
		emit = func(bus.OutboundMessage) {}
	}
	req := &request{msg: msg, emit: emit}

	externalID := strings.TrimSpace(msg.ExternalID())
	if externalID == "" {
		log.Printf("[engine] %s event in chat %s has no sender", msg.Channel, msg.ChatID)
		req.reply(ReplyIdentityMissing)
		return Outcome{
			Kind:  KindIdentityMissing,
			Reply: ReplyIdentityMissing,
			Err:   &Error{Kind: KindIdentityMissing, Op: "resolve user", Err: ErrIdentityMissing},
		}
	}

	unlock := e.locks.Lock(userKey(externalID))
	defer unlock()

	user, err := e.store.UpsertUser(ctx, domain.UserProfile{
		ExternalID:  externalID,
		Username:    msg.Username,
		DisplayName: msg.DisplayName,
		Locale:      msg.Locale,
	})
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "resolve user", err)
	}
	req.user = user

	text := strings.TrimSpace(msg.Content)
	if name, ok := parseCommand(text); ok {
		return e.dispatch(ctx, req, name)
	}
	return e.converse(ctx, req, text)
}

// converse runs one exchange with the model. The user turn is persisted
// before the model is called and deleted again if no reply gets
// persisted.
func (e *Engine) converse(ctx context.Context, req *request, text string) Outcome {
	userID := req.user.ID

	decision, err := e.quota.Check(ctx, userID)
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "check quota", err)
	}
	if !decision.Allowed {
		req.reply(decision.Reason)
		return Outcome{Kind: KindQuotaExceeded, Reply: decision.Reason}
	}

	conv, err := e.activeConversation(ctx, userID)
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "resolve conversation", err)
	}
	unlock := e.locks.Lock(conversationKey(conv.ID))
	defer unlock()

	userMsg, err := e.store.AppendMessage(ctx, conv.ID, domain.RoleUser, text, e.tokens.Estimate(text))
	if err != nil {
		return e.fail(req, KindPersistenceFailure, "persist user turn", err)
	}

	req.typing()

	turns, err := e.context.Build(ctx, conv.ID)
	if err != nil {
		return e.rollback(ctx, req, userMsg, KindPersistenceFailure, "build context", err)
	}
	completion, err := e.model.Complete(ctx, turns)
	if err != nil {
		return e.rollback(ctx, req, userMsg, KindModelFailure, "complete", err)
	}
	if _, err := e.store.AppendMessage(ctx, conv.ID, domain.RoleAssistant, completion.Content, completion.ReplyTokens); err != nil {
		return e.rollback(ctx, req, userMsg, KindPersistenceFailure, "persist reply", err)
	}
	if _, err := e.quota.Commit(ctx, userID, completion.TotalTokens); err != nil {
		// The exchange is already recorded; only the counters lag behind.
		log.Printf("[engine] commit usage for user %s failed: %v", userID, err)
	}

	req.reply(completion.Content)
	log.Printf("[engine] user %s conversation %s: %d tokens in %d attempt(s)",
		userID, conv.ID, completion.TotalTokens, completion.Attempts)

	out := Outcome{Kind: KindOK, Reply: completion.Content, Completion: completion}
	if e.compactor != nil {
		res, err := e.compactor.MaybeCompact(ctx, conv.ID)
		if err != nil {
			log.Printf("[engine] compaction of conversation %s failed: %v", conv.ID, err)
		}
		out.Compaction = res
	}
	return out
}

// rollback deletes the user turn of a failed exchange. A failed delete is
// logged and leaves an orphaned user turn for cleanup to repair.
func (e *Engine) rollback(ctx context.Context, req *request, userMsg *domain.Message, kind Kind, op string, cause error) Outcome {
	log.Printf("[engine] %s failed, rolling back message %s: %v", op, userMsg.ID, cause)
	if _, err := e.store.DeleteMessage(ctx, userMsg.ID); err != nil {
		log.Printf("[engine] rollback of message %s failed: %v", userMsg.ID, err)
		return e.fail(req, KindRollbackFailure, op, errors.Join(cause, fmt.Errorf("rollback user turn: %w", err)))
	}
	return e.fail(req, kind, op, cause)
}

func (e *Engine) fail(req *request, kind Kind, op string, err error) Outcome {
	if kind != KindModelFailure && kind != KindRollbackFailure {
		log.Printf("[engine] %s failed: %v", op, err)
	}
	req.reply(ReplyGenericFailure)
	return Outcome{
		Kind:  kind,
		Reply: ReplyGenericFailure,
		Err:   &Error{Kind: kind, Op: op, Err: err},
	}
}

func (e *Engine) activeConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	conv, err := e.store.ActiveConversation(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.CreateConversation(ctx, userID)
	}
	return conv, err
}

// SweepOrphans runs consecutive-user-turn cleanup over every active
// conversation and returns how many messages it deleted. A failing
// conversation does not stop the sweep.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	convs, err := e.store.ListActiveConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active conversations: %w", err)
	}
	total := 0
	var errs []error
	for _, conv := range convs {
		n, err := e.cleanupConversation(ctx, conv.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", conv.ID, err))
			continue
		}
		total += n
	}
	if total > 0 {
		log.Printf("[engine] sweep removed %d orphaned user messages across %d conversations", total, len(convs))
	}
	return total, errors.Join(errs...)
}

func (e *Engine) cleanupConversation(ctx context.Context, conversationID string) (int, error) {
	unlock := e.locks.Lock(conversationKey(conversationID))
	defer unlock()
	return e.store.CleanupConsecutiveUserMessages(ctx, conversationID)
}

func userKey(externalID string) string { return "user:" + externalID }

func conversationKey(id string) string { return "conv:" + id }
