// Package conversation runs chat turns: persist the user turn, build the
// agent history, invoke the agent and persist its reply.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/policychat/internal/agent"
	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/history"
	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/models"
)

// Session attribute keys sent with every agent call.
const (
	AttrUserID       = "user_id"
	AttrPolicyNumber = "policy_number"
	AttrHistory      = "conversationHistory"
)

// ErrNoSession is returned when a turn is handled without a session id.
var ErrNoSession = errors.New("no session selected")

// Invoker is the agent call the orchestrator depends on. *agent.Client
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, attrs map[string]string) agent.Invocation
}

// SessionContext identifies who is talking in which session. It replaces any
// process-wide state: every call gets its own.
type SessionContext struct {
	// UserID keys the session store.
	UserID string
	// Username is sent to the agent as user_id. Defaults to UserID.
	Username  string
	SessionID string
	// PolicyNumber is optional domain context.
	PolicyNumber string
}

func (sc SessionContext) agentUser() string {
	if sc.Username != "" {
		return sc.Username
	}
	return sc.UserID
}

func (sc SessionContext) key() string {
	return sc.UserID + "\x00" + sc.SessionID
}

// TurnResult is what a caller shows after a turn.
type TurnResult struct {
	DisplayedText string          `json:"displayed_text"`
	Persisted     bool            `json:"persisted"`
	Status        agent.Status    `json:"status"`
	User          models.Message  `json:"user"`
	Assistant     *models.Message `json:"assistant,omitempty"`
}

// Orchestrator handles turns one at a time per session. Different sessions
// proceed concurrently.
type Orchestrator struct {
	store   chatstore.Store
	agent   Invoker
	logger  *slog.Logger
	metrics *metrics.Collector
	locks   *keyedMutex
}

// New creates an orchestrator. logger and m may be nil.
func New(store chatstore.Store, inv Invoker, logger *slog.Logger, m *metrics.Collector) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		agent:   inv,
		logger:  logger,
		metrics: m,
		locks:   newKeyedMutex(),
	}
}

// HandleTurn persists prompt as a user turn, invokes the agent with the
// formatted history and persists a successful reply as an assistant turn.
//
// Validation and storage errors are returned. Agent failures are not errors:
// the result carries the agent's generic message with Persisted false.
func (o *Orchestrator) HandleTurn(ctx context.Context, sc SessionContext, prompt string) (TurnResult, error) {
	if sc.SessionID == "" {
		return TurnResult{}, ErrNoSession
	}

	unlock := o.locks.Lock(sc.key())
	defer unlock()

	start := time.Now()
	res, err := o.handleTurn(ctx, sc, prompt)
	o.metrics.RecordResult(metrics.OpHandleTurn, time.Since(start), err)
	return res, err
}

func (o *Orchestrator) handleTurn(ctx context.Context, sc SessionContext, prompt string) (TurnResult, error) {
	log := o.logger.With("user_id", sc.UserID, "session_id", sc.SessionID)

	userMsg, err := o.store.AppendMessage(ctx, sc.UserID, sc.SessionID, models.NewMessage(models.RoleUser, prompt))
	if err != nil {
		return TurnResult{}, fmt.Errorf("save user turn: %w", err)
	}
	res := TurnResult{User: userMsg, Status: agent.StatusError}

	sess, err := o.store.GetSession(ctx, sc.UserID, sc.SessionID)
	if err != nil {
		return res, fmt.Errorf("load session: %w", err)
	}

	formatted := history.FormatOrFallback(sess.Messages, userMsg.Content, log)
	attrs := o.attributes(sc)
	if encoded, err := history.EncodeAttribute(formatted); err != nil {
		log.Error("encoding conversation history failed", "error", err)
	} else {
		attrs[AttrHistory] = encoded
	}

	inv := o.agent.Invoke(ctx, userMsg.Content, attrs)
	if !inv.OK() {
		res.DisplayedText = inv.Message
		return res, nil
	}
	if strings.TrimSpace(inv.Response) == "" {
		log.Warn("agent returned an empty response", "attempts", inv.Attempts)
		res.DisplayedText = agent.MessageUnexpected
		return res, nil
	}

	text := EscapeMarkdown(inv.Response)
	res.Status = agent.StatusSuccess
	res.DisplayedText = text

	assistantMsg, err := o.store.AppendMessage(ctx, sc.UserID, sc.SessionID, models.NewMessage(models.RoleAssistant, text))
	if err != nil {
		return res, fmt.Errorf("save assistant turn: %w", err)
	}
	res.Assistant = &assistantMsg
	res.Persisted = true

	log.Info("turn handled", "history_turns", len(formatted), "response_len", len(text), "duration_ms", inv.Duration.Milliseconds())
	return res, nil
}

// StartSession creates a session when sc has none, then seeds a welcome
// message if a policy number is known. It returns the context with the
// session id filled in and the welcome message, if one was stored.
func (o *Orchestrator) StartSession(ctx context.Context, sc SessionContext) (SessionContext, *models.Message, error) {
	if sc.SessionID == "" {
		id, err := o.store.CreateSession(ctx, sc.UserID)
		if err != nil {
			return sc, nil, fmt.Errorf("create session: %w", err)
		}
		sc.SessionID = id
		o.logger.Info("session started", "user_id", sc.UserID, "session_id", id)
	}

	welcome, err := o.SeedWelcome(ctx, sc)
	return sc, welcome, err
}

// SeedWelcome asks the agent for the policy details, then for a welcome
// message built from them, and stores it as the first assistant turn.
//
// It does nothing for sessions that already have messages or when no policy
// number is known. Agent failures are logged and yield no welcome.
func (o *Orchestrator) SeedWelcome(ctx context.Context, sc SessionContext) (*models.Message, error) {
	if sc.PolicyNumber == "" {
		return nil, nil
	}

	unlock := o.locks.Lock(sc.key())
	defer unlock()

	log := o.logger.With("user_id", sc.UserID, "session_id", sc.SessionID, "policy_number", sc.PolicyNumber)

	sess, err := o.store.GetSession(ctx, sc.UserID, sc.SessionID)
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	case len(sess.Messages) > 0:
		return nil, nil
	}

	attrs := o.attributes(sc)

	// Turns on this session wait for the lock until both calls finish.
	log.Debug("seeding welcome message, session locked until the agent answers")
	details := o.agent.Invoke(ctx, "get policy details for "+sc.PolicyNumber, attrs)
	if !details.OK() {
		log.Error("fetching policy details failed, starting without welcome", "message", details.Message)
		return nil, nil
	}

	welcome := o.agent.Invoke(ctx, fmt.Sprintf(
		"Generate initial welcome message for policy %s using these policy details: %s",
		sc.PolicyNumber, details.Response), attrs)
	if !welcome.OK() || strings.TrimSpace(welcome.Response) == "" {
		log.Error("generating welcome message failed, starting without welcome", "message", welcome.Message)
		return nil, nil
	}

	msg, err := o.store.AppendMessage(ctx, sc.UserID, sc.SessionID,
		models.NewMessage(models.RoleAssistant, EscapeMarkdown(welcome.Response)))
	if err != nil {
		return nil, fmt.Errorf("save welcome: %w", err)
	}
	log.Info("welcome message seeded")
	return &msg, nil
}

func (o *Orchestrator) attributes(sc SessionContext) map[string]string {
	attrs := map[string]string{AttrUserID: sc.agentUser()}
	if sc.PolicyNumber != "" {
		attrs[AttrPolicyNumber] = sc.PolicyNumber
	}
	return attrs
}

// Sessions lists the user's sessions, newest first.
func (o *Orchestrator) Sessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	return o.store.ListSessions(ctx, userID)
}

// Session loads one session.
func (o *Orchestrator) Session(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return o.store.GetSession(ctx, userID, sessionID)
}
