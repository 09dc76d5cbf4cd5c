package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/policychat/internal/agent"
	"github.com/raphaelgruber/policychat/internal/auth"
	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

type fakeIdentity struct {
	name, policy, token string
	loggedOut           atomic.Bool
}

func (f *fakeIdentity) Username() string     { return f.name }
func (f *fakeIdentity) PolicyNumber() string { return f.policy }
func (f *fakeIdentity) AccessToken() string  { return f.token }
func (f *fakeIdentity) Logout(context.Context) error {
	f.loggedOut.Store(true)
	return nil
}

type fakeAuth struct {
	users map[string]*fakeIdentity // by token
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (Identity, error) {
	for _, id := range f.users {
		if id.name == username && password == "secret" {
			return id, nil
		}
	}
	return nil, auth.ErrInvalidCredentials
}

func (f *fakeAuth) Resume(_ context.Context, token string) (Identity, error) {
	if id, ok := f.users[token]; ok {
		return id, nil
	}
	return nil, auth.ErrNotAuthenticated
}

type echoAgent struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (e *echoAgent) Invoke(_ context.Context, prompt string, _ map[string]string) agent.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail {
		return agent.Invocation{Status: agent.StatusError, Message: agent.MessageBusy}
	}
	return agent.Invocation{Status: agent.StatusSuccess, Response: "echo: " + prompt}
}

type fakeAsker struct {
	ans *text2sql.Answer
	err error
}

func (f *fakeAsker) Ask(context.Context, string) (*text2sql.Answer, error) { return f.ans, f.err }

type fixture struct {
	srv   *httptest.Server
	alice *fakeIdentity
	agent *echoAgent
	store *chatstore.MemoryStore
}

func newFixture(t *testing.T, asker Asker) *fixture {
	t.Helper()
	alice := &fakeIdentity{name: "alice", token: "tok-alice"}
	bob := &fakeIdentity{name: "bob", token: "tok-bob"}
	authn := &fakeAuth{users: map[string]*fakeIdentity{alice.token: alice, bob.token: bob}}

	store := chatstore.NewMemoryStore(nil)
	ag := &echoAgent{}
	m := metrics.NewCollector()
	orch := conversation.New(store, ag, nil, m)

	api := NewAPI(authn, orch, asker, nil, m)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, alice: alice, agent: ag, store: store}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)

	resp, out := f.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-alice", out["access_token"])

	resp, _ = f.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/sessions", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/logout", f.alice.token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, f.alice.loggedOut.Load())
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp, out := f.do(t, http.MethodPost, "/api/sessions", f.alice.token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID, _ := out["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Nil(t, out["welcome"], "no policy number, no welcome")

	resp, out = f.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/turns", f.alice.token, turnRequest{Prompt: "hi $5"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `echo: hi \$5`, out["displayed_text"])
	assert.Equal(t, true, out["persisted"])

	resp, out = f.do(t, http.MethodGet, "/api/sessions/"+sessionID, f.alice.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["messages"], 2)

	resp, out = f.do(t, http.MethodGet, "/api/sessions", f.alice.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["sessions"], 1)

	// Sessions are scoped to their owner.
	resp, _ = f.do(t, http.MethodGet, "/api/sessions/"+sessionID, "tok-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTurnAgentFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fail = true

	resp, out := f.do(t, http.MethodPost, "/api/sessions/s1/turns", f.alice.token, turnRequest{Prompt: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.MessageBusy, out["displayed_text"])
	assert.Equal(t, false, out["persisted"])
}

func TestTurnValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/sessions/s1/turns", f.alice.token, turnRequest{Prompt: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/sessions/s1/turns", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.alice.token)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCheckSQL(t *testing.T) {
	f := newFixture(t, nil)

	resp, out := f.do(t, http.MethodPost, "/api/sql/check", "", sqlRequest{SQL: "DROP TABLE x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, "drop", out["keyword"])

	_, out = f.do(t, http.MethodPost, "/api/sql/check", "", sqlRequest{SQL: "SELECT 1"})
	assert.Equal(t, true, out["allowed"])
}

func TestAskSQL(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil)
		resp, _ := f.do(t, http.MethodPost, "/api/sql", f.alice.token, sqlRequest{Question: "q"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("answer", func(t *testing.T) {
		f := newFixture(t, &fakeAsker{ans: &text2sql.Answer{
			Question: "q", SQL: "SELECT 1",
			Result:  &sqlexec.Result{Columns: []string{"n"}, Rows: [][]any{{1}}},
			Summary: "one",
		}})
		resp, out := f.do(t, http.MethodPost, "/api/sql", f.alice.token, sqlRequest{Question: "q"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "one", out["summary"])
	})

	t.Run("denied", func(t *testing.T) {
		f := newFixture(t, &fakeAsker{
			ans: &text2sql.Answer{Question: "q", SQL: "DELETE FROM x", Message: "Sorry, delete operations are not allowed for security reasons."},
			err: sqlguard.ErrSafetyDenied,
		})
		resp, out := f.do(t, http.MethodPost, "/api/sql", f.alice.token, sqlRequest{Question: "q"})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, out["message"], "not allowed")
	})
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Contains(t, body.String(), "policychat_uptime_seconds")
}

func TestWebSocketTurns(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/ws-1/ws?token=" + f.alice.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wsOutgoing
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
	assert.Equal(t, "ws-1", msg.SessionID)

	require.NoError(t, conn.WriteJSON(wsIncoming{Prompt: "first"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "turn", msg.Type)
	assert.Equal(t, "echo: first", msg.Text)
	assert.True(t, msg.Persisted)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)

	sess, err := f.store.GetSession(context.Background(), "alice", "ws-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}

// blockingAgent holds every invocation until its context ends.
type blockingAgent struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b *blockingAgent) Invoke(ctx context.Context, _ string, _ map[string]string) agent.Invocation {
	close(b.started)
	<-ctx.Done()
	close(b.cancelled)
	return agent.Invocation{Status: agent.StatusError, Message: agent.MessageUnexpected}
}

func TestWebSocketDisconnectCancelsTurn(t *testing.T) {
	ag := &blockingAgent{started: make(chan struct{}), cancelled: make(chan struct{})}
	alice := &fakeIdentity{name: "alice", token: "tok-alice"}
	authn := &fakeAuth{users: map[string]*fakeIdentity{alice.token: alice}}
	m := metrics.NewCollector()
	orch := conversation.New(chatstore.NewMemoryStore(nil), ag, nil, m)
	srv := httptest.NewServer(NewAPI(authn, orch, nil, discardLogger(), m).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/ws-1/ws?token=" + alice.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wsOutgoing
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connected", msg.Type)
	require.NoError(t, conn.WriteJSON(wsIncoming{Prompt: "hi"}))

	select {
	case <-ag.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the agent")
	}
	require.NoError(t, conn.Close())

	select {
	case <-ag.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("turn context not cancelled after client disconnect")
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/ws-1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?token=q", nil)
	assert.Equal(t, "q", bearerToken(r))

	r.Header.Set("Authorization", "Bearer  h ")
	assert.Equal(t, "h", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
