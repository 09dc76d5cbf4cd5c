// Package chatstore persists per-user chat sessions as append-only message
// logs. Backends: DynamoDB, SurrealDB and an in-memory map.
package chatstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/policychat/internal/models"
)

// SoftMessageCap is the log length above which appends emit a warning.
const SoftMessageCap = 100

// Store is the session store contract shared by all backends.
type Store interface {
	// CreateSession allocates a fresh session id with an empty log.
	CreateSession(ctx context.Context, userID string) (string, error)
	// ListSessions returns the user's sessions, most recently created first.
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	// GetSession returns ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	// AppendMessage atomically appends msg, creating the session if needed.
	// It returns the message as stored.
	AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (models.Message, error)
}

// NewSessionID returns a time-ordered unique id, so lexical order of ids
// equals creation order.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// prepare validates and normalizes a message before it is written.
func prepare(userID, sessionID string, msg models.Message) (models.Message, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Message{}, fmt.Errorf("%w: user id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(sessionID) == "" {
		return models.Message{}, fmt.Errorf("%w: session id is required", ErrInvalidMessage)
	}
	if !msg.Role.Valid() {
		return models.Message{}, fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	text, ok := models.NormalizeContent(msg.Content)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	msg.Content = text
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

// advise logs alternation drift and oversized logs after an append. It never
// rejects anything.
func advise(logger *slog.Logger, userID, sessionID string, msgs []models.Message) {
	if i := models.FirstRepeatedRole(msgs); i >= 0 {
		logger.Warn("session log no longer alternates",
			"user_id", userID, "session_id", sessionID, "role", msgs[i].Role, "position", i)
	}
	if len(msgs) > SoftMessageCap {
		logger.Warn("session log is large",
			"user_id", userID, "session_id", sessionID, "messages", len(msgs))
	}
}

// decodeMessages converts stored raw turns, skipping entries that cannot be
// normalized (legacy or corrupt data).
func decodeMessages(logger *slog.Logger, raw []models.RawMessage) []models.Message {
	msgs := make([]models.Message, 0, len(raw))
	for i, r := range raw {
		m, ok := r.Normalize()
		if !ok {
			logger.Warn("skipping unreadable stored message", "position", i, "role", r.Role)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
