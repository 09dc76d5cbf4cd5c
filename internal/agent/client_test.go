package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/policychat/internal/metrics"
)

// fakeRuntime replays scripted responses, one per call. The last script is
// reused once the list is exhausted.
type fakeRuntime struct {
	mu       sync.Mutex
	scripts  [][]step
	calls    int
	requests []Request
}

type step struct {
	ev  Event
	err error
}

func (f *fakeRuntime) InvokeAgent(_ context.Context, req Request) iter.Seq2[Event, error] {
	f.mu.Lock()
	idx := min(f.calls, len(f.scripts)-1)
	f.calls++
	f.requests = append(f.requests, req)
	script := f.scripts[idx]
	f.mu.Unlock()

	return func(yield func(Event, error) bool) {
		for _, s := range script {
			if !yield(s.ev, s.err) || s.err != nil {
				return
			}
		}
	}
}

func (f *fakeRuntime) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func chunk(s string) step    { return step{ev: Event{Text: s}} }
func failure(err error) step { return step{err: err} }
func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code + " from test"}
}
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Floor: time.Millisecond, Ceiling: 2 * time.Millisecond, Multiplier: 2}
}

func newTestClient(rt Runtime, opts ...Option) *Client {
	base := []Option{WithMinInterval(0), WithRetryPolicy(fastRetry())}
	return NewClient(rt, "AGENT", "ALIAS", append(base, opts...)...)
}

func TestInvokeConcatenatesChunks(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{{
		chunk("Your deductible "),
		{ev: Event{Trace: map[string]any{"step": "orchestration"}}},
		chunk("is $500."),
	}}}
	m := metrics.NewCollector()
	c := newTestClient(rt, WithMetrics(m), WithSessionID("session-1"))

	inv := c.Invoke(context.Background(), "what is my deductible?", map[string]string{"user_id": "u1"})

	require.True(t, inv.OK())
	assert.Equal(t, "Your deductible is $500.", inv.Response)
	assert.Len(t, inv.Trace, 1)
	assert.Equal(t, 1, inv.Attempts)
	assert.Equal(t, "session-1", inv.SessionID)
	assert.Empty(t, inv.Message)

	require.Len(t, rt.requests, 1)
	req := rt.requests[0]
	assert.Equal(t, "AGENT", req.AgentID)
	assert.Equal(t, "ALIAS", req.AliasID)
	assert.Equal(t, "session-1", req.SessionID)
	assert.Equal(t, "u1", req.Attributes["user_id"])
	assert.True(t, req.EnableTrace)

	assert.Equal(t, int64(1), m.Snapshot().Operations[metrics.OpAgentInvoke].Count)
}

func TestInvokeReusesSessionID(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{{chunk("ok")}}}
	c := newTestClient(rt)

	c.Invoke(context.Background(), "a", nil)
	c.Invoke(context.Background(), "b", nil)

	require.Len(t, rt.requests, 2)
	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, c.SessionID(), rt.requests[0].SessionID)
	assert.Equal(t, c.SessionID(), rt.requests[1].SessionID)
}

func TestInvokeRateLimit(t *testing.T) {
	const interval = 60 * time.Millisecond
	rt := &fakeRuntime{scripts: [][]step{{chunk("ok")}}}
	c := newTestClient(rt, WithMinInterval(interval))

	start := time.Now()
	for range 3 {
		require.True(t, c.Invoke(context.Background(), "hi", nil).OK())
	}
	assert.GreaterOrEqual(t, time.Since(start), 2*interval-5*time.Millisecond)
}

func TestInvokeRetryBound(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{{failure(apiErr("ThrottlingException"))}}}
	m := metrics.NewCollector()
	c := newTestClient(rt, WithMetrics(m))

	inv := c.Invoke(context.Background(), "hi", nil)

	assert.Equal(t, StatusError, inv.Status)
	assert.Equal(t, 3, inv.Attempts)
	assert.Equal(t, 3, rt.Calls())
	assert.Equal(t, MessageBusy, inv.Message)
	assert.Empty(t, inv.Response)
	assert.NotContains(t, inv.Message, "ThrottlingException")
	assert.Equal(t, int64(1), m.Snapshot().Operations[metrics.OpAgentInvoke].Errors)
}

func TestInvokeNonRetryable(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{{failure(apiErr("AccessDeniedException"))}}}
	c := newTestClient(rt)

	inv := c.Invoke(context.Background(), "hi", nil)

	assert.Equal(t, StatusError, inv.Status)
	assert.Equal(t, 1, rt.Calls())
	assert.Equal(t, MessageUnexpected, inv.Message)
}

func TestInvokeRecoversAfterTransientFailure(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{
		{chunk("partial "), failure(fmt.Errorf("stream reset: %w", ErrTransient))},
		{chunk("complete answer")},
	}}
	c := newTestClient(rt)

	inv := c.Invoke(context.Background(), "hi", nil)

	require.True(t, inv.OK())
	assert.Equal(t, 2, inv.Attempts)
	assert.Equal(t, "complete answer", inv.Response)
}

func TestInvokeCanceledContext(t *testing.T) {
	rt := &fakeRuntime{scripts: [][]step{{chunk("ok")}}}
	c := newTestClient(rt, WithMinInterval(time.Hour))

	require.True(t, c.Invoke(context.Background(), "first", nil).OK())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	inv := c.Invoke(ctx, "second", nil)

	assert.Equal(t, StatusError, inv.Status)
	assert.Equal(t, 1, rt.Calls())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling", apiErr("ThrottlingException"), true},
		{"internal", apiErr("InternalServerException"), true},
		{"unavailable", apiErr("ServiceUnavailableException"), true},
		{"wrapped throttling", fmt.Errorf("invoke agent: %w", apiErr("ThrottlingException")), true},
		{"transient sentinel", fmt.Errorf("read: %w", ErrTransient), true},
		{"validation", apiErr("ValidationException"), false},
		{"quota", apiErr("ServiceQuotaExceededException"), false},
		{"access denied", apiErr("AccessDeniedException"), false},
		{"not found", apiErr("ResourceNotFoundException"), false},
		{"plain error", errors.New("boom"), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryPolicyDo(t *testing.T) {
	p := fastRetry()

	t.Run("stops at max attempts", func(t *testing.T) {
		var notified []int
		attempts, err := p.Do(context.Background(), func(context.Context) error {
			return ErrTransient
		}, func(attempt int, _ error, _ time.Duration) {
			notified = append(notified, attempt)
		})
		require.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("permanent error returns unwrapped", func(t *testing.T) {
		boom := errors.New("boom")
		attempts, err := p.Do(context.Background(), func(context.Context) error { return boom }, nil)
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("single attempt policy", func(t *testing.T) {
		one := RetryPolicy{MaxAttempts: 1, Floor: time.Millisecond, Ceiling: time.Millisecond}
		attempts, err := one.Do(context.Background(), func(context.Context) error { return ErrTransient }, nil)
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}

type fakeInvokeAPI struct {
	err error
	in  *bedrockagentruntime.InvokeAgentInput
}

func (f *fakeInvokeAPI) InvokeAgent(_ context.Context, in *bedrockagentruntime.InvokeAgentInput, _ ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error) {
	f.in = in
	return nil, f.err
}

func TestBedrockRuntimeRequestError(t *testing.T) {
	api := &fakeInvokeAPI{err: apiErr("ThrottlingException")}
	rt := NewBedrockRuntimeWithAPI(api)

	var gotErr error
	for _, err := range rt.InvokeAgent(context.Background(), Request{
		AgentID:     "AGENT",
		AliasID:     "ALIAS",
		SessionID:   "s1",
		InputText:   "hello",
		Attributes:  map[string]string{"policy_number": "P-1"},
		EnableTrace: true,
	}) {
		gotErr = err
	}

	require.Error(t, gotErr)
	assert.True(t, IsRetryable(gotErr))
	require.NotNil(t, api.in)
	assert.Equal(t, "AGENT", *api.in.AgentId)
	assert.Equal(t, "hello", *api.in.InputText)
	assert.Equal(t, "P-1", api.in.SessionState.SessionAttributes["policy_number"])
	assert.True(t, *api.in.EnableTrace)
}
