package chatstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/policychat/internal/history"
	"github.com/raphaelgruber/policychat/internal/models"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create returns fresh ids with empty logs", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()

		seen := map[string]bool{}
		for range 5 {
			id, err := s.CreateSession(ctx, user)
			require.NoError(t, err)
			require.False(t, seen[id], "duplicate session id %s", id)
			seen[id] = true

			sess, err := s.GetSession(ctx, user, id)
			require.NoError(t, err)
			assert.Empty(t, sess.Messages)
			assert.Equal(t, user, sess.UserID)
		}
	})

	t.Run("get unknown session", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSession(ctx, "nobody", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append bootstraps missing session", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()
		sessionID := NewSessionID()

		stored, err := s.AppendMessage(ctx, user, sessionID, models.Message{Role: models.RoleAssistant, Content: "Welcome"})
		require.NoError(t, err)
		assert.False(t, stored.Timestamp.IsZero())

		sess, err := s.GetSession(ctx, user, sessionID)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 1)
		assert.Equal(t, "Welcome", sess.Messages[0].Content)
		assert.Equal(t, models.RoleAssistant, sess.Messages[0].Role)
	})

	t.Run("append keeps order", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()
		id, err := s.CreateSession(ctx, user)
		require.NoError(t, err)

		turns := []models.Message{
			models.NewMessage(models.RoleUser, "hi"),
			models.NewMessage(models.RoleAssistant, "hello"),
			models.NewMessage(models.RoleUser, "what does $5 buy?"),
		}
		for _, m := range turns {
			_, err := s.AppendMessage(ctx, user, id, m)
			require.NoError(t, err)
		}

		sess, err := s.GetSession(ctx, user, id)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 3)
		for i := range turns {
			assert.Equal(t, turns[i].Content, sess.Messages[i].Content)
			assert.Equal(t, turns[i].Role, sess.Messages[i].Role)
		}
	})

	t.Run("invalid messages are rejected", func(t *testing.T) {
		s := newStore(t)
		tests := []struct {
			name string
			user string
			msg  models.Message
		}{
			{"unknown role", "u", models.Message{Role: "system", Content: "x"}},
			{"empty content", "u", models.Message{Role: models.RoleUser, Content: ""}},
			{"blank content", "u", models.Message{Role: models.RoleUser, Content: "  \n"}},
			{"missing user", "", models.Message{Role: models.RoleUser, Content: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := s.AppendMessage(ctx, tt.user, "s1", tt.msg)
				assert.ErrorIs(t, err, ErrInvalidMessage)
			})
		}
	})

	t.Run("repeated roles are stored but fail formatting", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()
		id, err := s.CreateSession(ctx, user)
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, user, id, models.NewMessage(models.RoleUser, "first"))
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, user, id, models.NewMessage(models.RoleUser, "second"))
		require.NoError(t, err)

		sess, err := s.GetSession(ctx, user, id)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 2)

		_, err = history.Format(sess.Messages, "third")
		var altErr *history.AlternationError
		assert.ErrorAs(t, err, &altErr)
	})

	t.Run("list is newest first", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()

		var ids []string
		for range 3 {
			id, err := s.CreateSession(ctx, user)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		_, err := s.AppendMessage(ctx, user, ids[0], models.NewMessage(models.RoleUser, "hi"))
		require.NoError(t, err)

		list, err := s.ListSessions(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, ids[2], list[0].SessionID)
		assert.Equal(t, ids[1], list[1].SessionID)
		assert.Equal(t, ids[0], list[2].SessionID)
		assert.Equal(t, 1, list[2].MessageCount)

		other, err := s.ListSessions(ctx, "someone-else-"+NewSessionID())
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		s := newStore(t)
		user := "user-" + NewSessionID()
		id, err := s.CreateSession(ctx, user)
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				role := models.RoleUser
				if i%2 == 1 {
					role = models.RoleAssistant
				}
				_, err := s.AppendMessage(ctx, user, id, models.NewMessage(role, fmt.Sprintf("turn %d", i)))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		sess, err := s.GetSession(ctx, user, id)
		require.NoError(t, err)
		assert.Len(t, sess.Messages, n)
	})
}
