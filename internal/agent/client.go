// Package agent invokes a managed conversational agent with local request
// spacing, bounded retries and user-safe error reporting.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/raphaelgruber/policychat/internal/metrics"
)

// Status is the terminal state of an invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request is one call to the agent runtime.
type Request struct {
	AgentID     string
	AliasID     string
	SessionID   string
	InputText   string
	Attributes  map[string]string
	EnableTrace bool
}

// Event is one element of the agent's response stream: a text fragment, a
// trace payload, or both empty for events the client ignores.
type Event struct {
	Text  string
	Trace any
}

// Runtime is the network boundary. The returned sequence yields the response
// stream; an error ends it, whether it happened before or during streaming.
type Runtime interface {
	InvokeAgent(ctx context.Context, req Request) iter.Seq2[Event, error]
}

// Invocation is the outcome of Client.Invoke. It is never persisted.
type Invocation struct {
	Prompt     string            `json:"prompt"`
	SessionID  string            `json:"session_id"`
	Status     Status            `json:"status"`
	Response   string            `json:"response,omitempty"`
	Trace      []any             `json:"trace,omitempty"`
	Message    string            `json:"message,omitempty"`
	Attempts   int               `json:"attempts"`
	Duration   time.Duration     `json:"duration"`
	Attributes map[string]string `json:"-"`
}

// OK reports whether the invocation succeeded.
func (inv Invocation) OK() bool {
	return inv.Status == StatusSuccess
}

// Client calls one agent alias under a single session id for its lifetime.
// It is safe for concurrent use; the request spacing is shared by all callers.
type Client struct {
	runtime   Runtime
	agentID   string
	aliasID   string
	sessionID string
	trace     bool
	limiter   *rate.Limiter
	retry     RetryPolicy
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithMinInterval sets the minimum spacing between calls. Zero disables it.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithSessionID pins the agent session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// WithTrace toggles agent trace events. On by default.
func WithTrace(enabled bool) Option {
	return func(c *Client) { c.trace = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records every invocation under metrics.OpAgentInvoke.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the given agent and alias.
func NewClient(rt Runtime, agentID, aliasID string, opts ...Option) *Client {
	c := &Client{
		runtime:   rt,
		agentID:   agentID,
		aliasID:   aliasID,
		sessionID: uuid.NewString(),
		trace:     true,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// SessionID returns the agent session id used for every call.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Invoke sends prompt with the given session attributes. It waits for the
// request spacing, retries transient failures per the retry policy, and
// never returns raw service errors: failures come back as StatusError with a
// generic Message while the cause is logged.
func (c *Client) Invoke(ctx context.Context, prompt string, attrs map[string]string) Invocation {
	start := time.Now()
	inv := Invocation{Prompt: prompt, SessionID: c.sessionID, Attributes: attrs}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.fail(inv, start, fmt.Errorf("wait for request slot: %w", err))
	}

	req := Request{
		AgentID:     c.agentID,
		AliasID:     c.aliasID,
		SessionID:   c.sessionID,
		InputText:   prompt,
		Attributes:  attrs,
		EnableTrace: c.trace,
	}

	var text string
	var trace []any
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		text, trace, callErr = c.collect(ctx, req)
		return callErr
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("agent call failed, retrying",
			"attempt", attempt, "wait", wait, "code", ErrorCode(err), "error", err)
	})
	inv.Attempts = attempts
	if err != nil {
		return c.fail(inv, start, err)
	}

	inv.Status = StatusSuccess
	inv.Response = text
	inv.Trace = trace
	inv.Duration = time.Since(start)
	c.metrics.RecordResult(metrics.OpAgentInvoke, inv.Duration, nil)
	c.logger.Debug("agent call complete",
		"session_id", c.sessionID, "attempts", attempts, "response_len", len(text), "trace_events", len(trace),
		"duration_ms", inv.Duration.Milliseconds())
	return inv
}

// collect drains one response stream into text and trace parts.
func (c *Client) collect(ctx context.Context, req Request) (string, []any, error) {
	var sb strings.Builder
	var trace []any
	for ev, err := range c.runtime.InvokeAgent(ctx, req) {
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(ev.Text)
		if ev.Trace != nil {
			trace = append(trace, ev.Trace)
		}
	}
	return sb.String(), trace, nil
}

func (c *Client) fail(inv Invocation, start time.Time, err error) Invocation {
	inv.Status = StatusError
	inv.Message = userMessage(err)
	inv.Duration = time.Since(start)
	c.metrics.RecordResult(metrics.OpAgentInvoke, inv.Duration, err)

	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "agent call failed",
		"session_id", c.sessionID, "attempts", inv.Attempts, "code", ErrorCode(err), "error", err)
	return inv
}
