package tools_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/models"
	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/text2sql"
	"github.com/raphaelgruber/policychat/internal/tools"
)

type stubAsker struct {
	ans *text2sql.Answer
	err error
}

func (s stubAsker) Ask(context.Context, string) (*text2sql.Answer, error) { return s.ans, s.err }

// connect runs a server with all tools and returns a connected client session.
func connect(t *testing.T, deps *tools.Dependencies) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "test-policychat", Version: "0.0.1-test"}, nil)
	tools.RegisterAll(server, deps)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go func() { _ = server.Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err, "client should connect successfully")
	t.Cleanup(func() { session.Close() })
	return session
}

func callText(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content should be TextContent")
	return text.Text, result.IsError
}

func TestToolsRegistered(t *testing.T) {
	session := connect(t, &tools.Dependencies{})

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ping", "check_sql", "ask_data", "list_sessions"}, names)
}

func TestPingTool(t *testing.T) {
	session := connect(t, nil)

	text, isErr := callText(t, session, "ping", map[string]any{})
	assert.Equal(t, "pong", text)
	assert.False(t, isErr)

	text, _ = callText(t, session, "ping", map[string]any{"echo": "hello world"})
	assert.Equal(t, "hello world", text)
}

func TestCheckSQLTool(t *testing.T) {
	session := connect(t, &tools.Dependencies{})

	text, isErr := callText(t, session, "check_sql", map[string]any{"sql": "SELECT * FROM policies"})
	assert.False(t, isErr)
	assert.Contains(t, text, "allowed")

	text, isErr = callText(t, session, "check_sql", map[string]any{"sql": "TRUNCATE policies"})
	assert.False(t, isErr)
	assert.Equal(t, "denied: Sorry, truncate operations are not allowed for security reasons.", text)
}

func TestAskDataTool(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		session := connect(t, &tools.Dependencies{})
		text, isErr := callText(t, session, "ask_data", map[string]any{"question": "how many?"})
		assert.True(t, isErr)
		assert.Contains(t, text, "not configured")
	})

	t.Run("answer", func(t *testing.T) {
		session := connect(t, &tools.Dependencies{Data: stubAsker{ans: &text2sql.Answer{
			SQL:     "SELECT count(*) FROM policies",
			Summary: "There are 2 policies.",
			Result:  &sqlexec.Result{Columns: []string{"count"}, Rows: [][]any{{2}}},
		}}})
		text, isErr := callText(t, session, "ask_data", map[string]any{"question": "how many?"})
		assert.False(t, isErr)
		assert.Contains(t, text, "There are 2 policies.")
		assert.Contains(t, text, "SQL: SELECT count(*) FROM policies")
		assert.Contains(t, text, "count\n2")
	})

	t.Run("user facing failure", func(t *testing.T) {
		session := connect(t, &tools.Dependencies{Data: stubAsker{
			ans: &text2sql.Answer{SQL: "SELECT * FROM nope", Message: sqlexec.UserMessage(sqlexec.ErrMissingObject)},
			err: sqlexec.ErrMissingObject,
		}})
		text, isErr := callText(t, session, "ask_data", map[string]any{"question": "?"})
		assert.True(t, isErr)
		assert.Contains(t, text, "couldn't find the data")
		assert.Contains(t, text, "Generated SQL: SELECT * FROM nope")
	})
}

func TestListSessionsTool(t *testing.T) {
	store := chatstore.NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	_, err := store.AppendMessage(ctx, "alice", "s-1", models.NewMessage(models.RoleUser, "hi"))
	require.NoError(t, err)

	session := connect(t, &tools.Dependencies{Sessions: sessionsOf{store}})

	text, isErr := callText(t, session, "list_sessions", map[string]any{"user_id": "alice"})
	assert.False(t, isErr)
	assert.Contains(t, text, "s-1")
	assert.Contains(t, text, "(1 messages)")

	text, _ = callText(t, session, "list_sessions", map[string]any{"user_id": "nobody"})
	assert.Equal(t, "no sessions found for nobody", text)

	_, isErr = callText(t, session, "list_sessions", map[string]any{})
	assert.True(t, isErr)
}

type sessionsOf struct{ store chatstore.Store }

func (s sessionsOf) Sessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	return s.store.ListSessions(ctx, userID)
}

type failingSessions struct{ err error }

func (f failingSessions) Sessions(context.Context, string) ([]models.SessionSummary, error) {
	return nil, f.err
}

func TestListSessionsToolStoreErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"storage failure", fmt.Errorf("scan: %w", chatstore.ErrStorage), "could not read the session store"},
		{"not found", chatstore.ErrNotFound, "session not found"},
		{"cancelled", context.Canceled, "request cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := connect(t, &tools.Dependencies{Sessions: failingSessions{tt.err}})
			text, isErr := callText(t, session, "list_sessions", map[string]any{"user_id": "alice"})
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
			assert.NotContains(t, text, "scan")
		})
	}
}
