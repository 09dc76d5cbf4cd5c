package chatstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/raphaelgruber/policychat/internal/models"
)

func init() {
	// WebSocket upgrade needs HTTP/1.1; keep TLS ALPN from picking h2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

const sessionTable = "chat_session"

// SurrealConfig holds SurrealDB connection configuration.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

// SurrealStore keeps one chat_session record per (user, session), keyed by
// the array record id chat_session:[user_id, session_id].
type SurrealStore struct {
	conn      *rews.Connection[*gorillaws.Connection]
	db        *surrealdb.DB
	logger    *slog.Logger
	sdkLogger logger.Logger
}

type surrealMessage struct {
	Role      string    `json:"role"`
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type surrealSession struct {
	UserID       string           `json:"user_id"`
	SessionID    string           `json:"session_id"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	MessageCount int              `json:"message_count,omitempty"`
	Messages     []surrealMessage `json:"messages,omitempty"`
}

// NewSurrealStore connects with an auto-reconnecting WebSocket, signs in,
// selects the namespace and database, and applies the schema.
func NewSurrealStore(ctx context.Context, cfg SurrealConfig, log *slog.Logger) (*SurrealStore, error) {
	log = orDefault(log)
	sdkLogger := logger.New(log.Handler())

	codec := surrealcbor.New()

	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, storageErr("connect", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, storageErr("from connection", err)
	}

	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)
		return nil, storageErr("signin", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, storageErr("use", err)
	}

	s := &SurrealStore{conn: conn, db: db, logger: log, sdkLogger: sdkLogger}
	if err := s.InitSchema(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	log.Info("SurrealDB chat store ready", "namespace", cfg.Namespace, "database", cfg.Database)
	return s, nil
}

// Close closes the SurrealDB connection.
func (s *SurrealStore) Close(ctx context.Context) error {
	s.logger.Info("closing SurrealDB connection")
	return s.conn.Close(ctx)
}

// InitSchema defines the chat_session table. It is idempotent.
func (s *SurrealStore) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, SurrealSchemaSQL, nil); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

func recordID(userID, sessionID string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(sessionTable, []any{userID, sessionID})
}

func (s *SurrealStore) CreateSession(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidMessage)
	}

	id := NewSessionID()
	_, err := surrealdb.Query[any](ctx, s.db, `
		CREATE $id SET
			user_id = $user,
			session_id = $session,
			messages = [],
			created_at = time::now(),
			updated_at = time::now()
	`, map[string]any{
		"id":      recordID(userID, id),
		"user":    userID,
		"session": id,
	})
	if err != nil {
		return "", wrapQueryError("create session", err)
	}
	return id, nil
}

func (s *SurrealStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	results, err := surrealdb.Query[[]surrealSession](ctx, s.db, `
		SELECT user_id, session_id, created_at, updated_at, array::len(messages) AS message_count
		FROM chat_session
		WHERE user_id = $user
		ORDER BY created_at DESC, session_id DESC
	`, map[string]any{"user": userID})
	if err != nil {
		return nil, wrapQueryError("list sessions", err)
	}

	out := []models.SessionSummary{}
	if results == nil || len(*results) == 0 {
		return out, nil
	}
	for _, r := range (*results)[0].Result {
		out = append(out, models.SessionSummary{
			UserID:       r.UserID,
			SessionID:    r.SessionID,
			CreatedAt:    r.CreatedAt.UTC(),
			UpdatedAt:    r.UpdatedAt.UTC(),
			MessageCount: r.MessageCount,
		})
	}
	return out, nil
}

func (s *SurrealStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	results, err := surrealdb.Query[[]surrealSession](ctx, s.db, `SELECT * FROM $id`,
		map[string]any{"id": recordID(userID, sessionID)})
	if err != nil {
		return nil, wrapQueryError("get session", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, ErrNotFound
	}
	return s.toSession((*results)[0].Result[0]), nil
}

func (s *SurrealStore) AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (models.Message, error) {
	msg, err := prepare(userID, sessionID, msg)
	if err != nil {
		return models.Message{}, err
	}

	results, err := surrealdb.Query[[]surrealSession](ctx, s.db, `
		UPSERT $id SET
			user_id = $user,
			session_id = $session,
			messages = array::append(messages ?? [], $msg),
			created_at = created_at ?? time::now(),
			updated_at = time::now()
		RETURN AFTER
	`, map[string]any{
		"id":      recordID(userID, sessionID),
		"user":    userID,
		"session": sessionID,
		"msg": surrealMessage{
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		},
	})
	if err != nil {
		return models.Message{}, wrapQueryError("append message", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		advise(s.logger, userID, sessionID, s.toSession((*results)[0].Result[0]).Messages)
	}
	return msg, nil
}

func (s *SurrealStore) toSession(rec surrealSession) *models.Session {
	raw := make([]models.RawMessage, len(rec.Messages))
	for i, m := range rec.Messages {
		raw[i] = models.RawMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp.UTC()}
	}
	return &models.Session{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
		Messages:  decodeMessages(s.logger, raw),
	}
}

// WipeData deletes every stored session.
func (s *SurrealStore) WipeData(ctx context.Context) error {
	s.logger.Warn("wiping all chat sessions")
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE chat_session", nil); err != nil {
		return storageErr("wipe", err)
	}
	return nil
}
