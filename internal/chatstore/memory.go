package chatstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/policychat/internal/models"
)

// MemoryStore keeps sessions in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*models.Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]*models.Session),
		logger:   orDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := NewSessionID()
	byUser := s.userSessions(userID)
	if _, ok := byUser[id]; ok {
		return "", ErrSessionExists
	}
	now := s.now()
	byUser[id] = &models.Session{UserID: userID, SessionID: id, CreatedAt: now, UpdatedAt: now, Messages: []models.Message{}}
	return id, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(s.sessions[userID]))
	for _, sess := range s.sessions[userID] {
		out = append(out, sess.Summary())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID][sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	cp.Messages = slices.Clone(sess.Messages)
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, userID, sessionID string, msg models.Message) (models.Message, error) {
	msg, err := prepare(userID, sessionID, msg)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	byUser := s.userSessions(userID)
	sess, ok := byUser[sessionID]
	now := s.now()
	if !ok {
		sess = &models.Session{UserID: userID, SessionID: sessionID, CreatedAt: now}
		byUser[sessionID] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = now
	snapshot := slices.Clone(sess.Messages)
	s.mu.Unlock()

	advise(s.logger, userID, sessionID, snapshot)
	return msg, nil
}

// userSessions returns the user's session map, creating it. Caller must hold
// the write lock.
func (s *MemoryStore) userSessions(userID string) map[string]*models.Session {
	byUser, ok := s.sessions[userID]
	if !ok {
		byUser = make(map[string]*models.Session)
		s.sessions[userID] = byUser
	}
	return byUser
}

// sortNewestFirst orders by creation time, then by id, both descending.
func sortNewestFirst(list []models.SessionSummary) {
	slices.SortFunc(list, func(a, b models.SessionSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.SessionID, a.SessionID)
	})
}
