// Package llm talks to an OpenAI-compatible chat completion backend with
// a bounded, linearly spaced retry budget.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/stellarlinkco/convokeeper/internal/domain"
)

var (
	// ErrRetriesExhausted wraps the last failure once every attempt failed.
	ErrRetriesExhausted = errors.New("completion retries exhausted")
	// ErrEmptyResponse is returned by an attempt that produced no text.
	ErrEmptyResponse = errors.New("empty completion response")
	// ErrTranscriptTooLarge is returned by Summarize when no part of the
	// transcript fits the context budget next to the instruction.
	ErrTranscriptTooLarge = errors.New("transcript does not fit the context budget")
)

// SummaryInstruction is the system turn of every summarization request.
const SummaryInstruction = "You are a helpful assistant that creates concise summaries of conversations. " +
	"Summarize the key points and context from the following conversation in 2-3 sentences."

// ChatCompletions is the slice of the OpenAI SDK the client uses.
type ChatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Estimator measures and trims turns.
type Estimator interface {
	Estimate(text string) int
	EstimateTurns(turns []domain.Turn) int
	Fit(turns []domain.Turn, budget int) []domain.Turn
}

type Options struct {
	Model          string
	BaseURL        string
	APIKey         string
	Temperature    float64
	MaxReplyTokens int
	Timeout        time.Duration // per attempt
	MaxRetries     int           // total attempts
	RetryDelay     time.Duration // attempt n waits RetryDelay*n before the next one
	ContextBudget  int
	HTTPClient     *http.Client
}

// Completion is the result of one exchange. Token counts are local
// estimates, not the backend's billing figures.
type Completion struct {
	Content      string
	InputTokens  int
	ReplyTokens  int
	TotalTokens  int
	Attempts     int
	FittedLength int
}

type Client struct {
	completions ChatCompletions
	est         Estimator
	opts        Options
}

// New builds a client on the OpenAI SDK. The SDK's own retries are
// disabled; Complete owns the retry budget.
func New(opts Options, est Estimator) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: api key required")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	client := openai.NewClient(reqOpts...)
	return NewWithCompletions(&client.Chat.Completions, opts, est), nil
}

// NewWithCompletions builds a client on any ChatCompletions implementation.
func NewWithCompletions(completions ChatCompletions, opts Options, est Estimator) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{completions: completions, est: est, opts: opts}
}

func (c *Client) Model() string {
	return c.opts.Model
}

// Complete fits turns to the context budget and requests a reply. Each
// attempt runs under its own timeout; failed attempts are retried until
// the budget is spent, after which the error wraps ErrRetriesExhausted and
// the last underlying failure.
func (c *Client) Complete(ctx context.Context, turns []domain.Turn) (*Completion, error) {
	fitted := c.est.Fit(turns, c.opts.ContextBudget)
	params := c.buildParams(fitted)

	attempt := 0
	content, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := c.attempt(ctx, params)
		if err != nil {
			log.Printf("[llm] attempt %d/%d failed: %v", attempt, c.opts.MaxRetries, err)
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		return text, nil
	},
		backoff.WithBackOff(NewLinearBackOff(c.opts.RetryDelay)),
		backoff.WithMaxTries(uint(c.opts.MaxRetries)),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("complete: %w", ctxErr)
		}
		log.Printf("[llm] all %d attempts failed", attempt)
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}

	input := c.est.EstimateTurns(fitted)
	reply := c.est.Estimate(content)
	return &Completion{
		Content:      content,
		InputTokens:  input,
		ReplyTokens:  reply,
		TotalTokens:  input + reply,
		Attempts:     attempt,
		FittedLength: len(fitted),
	}, nil
}

// Summarize asks for a short summary of turns. When the transcript does
// not fit the context budget its oldest lines are dropped first and a
// single remaining line is cut down to fit, so the backend always sees
// some of the conversation. If nothing fits it fails with
// ErrTranscriptTooLarge before any request is made.
func (c *Client) Summarize(ctx context.Context, turns []domain.Turn) (*Completion, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("summarize: no turns")
	}
	budget := c.opts.ContextBudget
	req := SummaryRequest(turns)
	for len(turns) > 1 && c.est.EstimateTurns(req) > budget {
		turns = turns[1:]
		req = SummaryRequest(turns)
	}
	if c.est.EstimateTurns(req) > budget {
		cut, ok := c.cutToFit(turns[0], budget)
		if !ok {
			return nil, fmt.Errorf("summarize: %w", ErrTranscriptTooLarge)
		}
		log.Printf("[llm] summary transcript cut to %d of %d chars", len([]rune(cut.Content)), len([]rune(turns[0].Content)))
		req = SummaryRequest([]domain.Turn{cut})
	}
	return c.Complete(ctx, req)
}

// cutToFit keeps the longest leading part of t whose summary request fits
// budget. It reports false when not even one rune fits.
func (c *Client) cutToFit(t domain.Turn, budget int) (domain.Turn, bool) {
	runes := []rune(t.Content)
	fits := func(n int) bool {
		cut := t
		cut.Content = string(runes[:n])
		return c.est.EstimateTurns(SummaryRequest([]domain.Turn{cut})) <= budget
	}
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return t, false
	}
	t.Content = string(runes[:lo])
	return t, true
}

// SummaryRequest renders turns as a transcript under SummaryInstruction.
func SummaryRequest(turns []domain.Turn) []domain.Turn {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = string(t.Role) + ": " + t.Content
	}
	return []domain.Turn{
		{Role: domain.RoleSystem, Content: SummaryInstruction},
		{Role: domain.RoleUser, Content: "Please summarize this conversation:\n\n" + strings.Join(lines, "\n")},
	}
}

func (c *Client) attempt(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	completion, err := c.completions.New(ctx, params, option.WithRequestTimeout(c.opts.Timeout))
	if err != nil {
		return "", err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func (c *Client) buildParams(turns []domain.Turn) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(t.Content))
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Content))
		default:
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.opts.Model),
		Messages:    messages,
		Temperature: openai.Float(c.opts.Temperature),
	}
	if c.opts.MaxReplyTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxReplyTokens))
	}
	return params
}
