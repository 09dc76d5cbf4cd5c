package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raphaelgruber/policychat/internal/auth"
	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/models"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Conversations is the chat surface. *conversation.Orchestrator implements it.
type Conversations interface {
	HandleTurn(ctx context.Context, sc conversation.SessionContext, prompt string) (conversation.TurnResult, error)
	StartSession(ctx context.Context, sc conversation.SessionContext) (conversation.SessionContext, *models.Message, error)
	Sessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	Session(ctx context.Context, userID, sessionID string) (*models.Session, error)
}

// Asker answers data questions. *text2sql.Service implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (*text2sql.Answer, error)
}

// API is the HTTP surface.
type API struct {
	auth    Authenticator
	chat    Conversations
	data    Asker
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewAPI creates the HTTP API. data may be nil when text-to-SQL is not
// configured; logger and m may be nil.
func NewAPI(authn Authenticator, chat Conversations, data Asker, logger *slog.Logger, m *metrics.Collector) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{auth: authn, chat: chat, data: data, logger: logger, metrics: m}
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(a.logger, a.metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/health"))

	if a.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", a.login)
		r.Post("/sql/check", a.checkSQL)

		r.Group(func(r chi.Router) {
			r.Use(a.requireIdentity)
			r.Post("/logout", a.logout)
			r.Get("/sessions", a.listSessions)
			r.Post("/sessions", a.createSession)
			r.Get("/sessions/{id}", a.getSession)
			r.Post("/sessions/{id}/turns", a.postTurn)
			r.Get("/sessions/{id}/ws", a.serveWS)
			r.Post("/sql", a.askSQL)
		})
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func sessionContext(id Identity, sessionID string) conversation.SessionContext {
	return conversation.SessionContext{
		UserID:       id.Username(),
		Username:     id.Username(),
		SessionID:    sessionID,
		PolicyNumber: id.PolicyNumber(),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	Username     string `json:"username"`
	PolicyNumber string `json:"policy_number,omitempty"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	id, err := a.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserNotFound):
		Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	case errors.Is(err, auth.ErrChallenge):
		Error(w, http.StatusForbidden, "additional sign-in steps are required")
		return
	case err != nil:
		a.logger.Error("login failed", "user", req.Username, "error", err)
		Error(w, http.StatusBadGateway, "login failed, please try again later")
		return
	}

	JSON(w, http.StatusOK, loginResponse{
		AccessToken:  id.AccessToken(),
		Username:     id.Username(),
		PolicyNumber: id.PolicyNumber(),
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if err := id.Logout(r.Context()); err != nil {
		a.logger.Warn("logout failed", "user", id.Username(), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sessions, err := a.chat.Sessions(r.Context(), id.Username())
	if err != nil {
		a.storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type createSessionResponse struct {
	SessionID string          `json:"session_id"`
	Welcome   *models.Message `json:"welcome,omitempty"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sc, welcome, err := a.chat.StartSession(r.Context(), sessionContext(id, ""))
	if err != nil {
		a.storeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, createSessionResponse{SessionID: sc.SessionID, Welcome: welcome})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sess, err := a.chat.Session(r.Context(), id.Username(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	Prompt string `json:"prompt"`
}

func (a *API) postTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		Error(w, http.StatusBadRequest, "prompt is required")
		return
	}

	id := IdentityFromContext(r.Context())
	res, err := a.chat.HandleTurn(r.Context(), sessionContext(id, chi.URLParam(r, "id")), req.Prompt)
	if err != nil {
		a.storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

type sqlRequest struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

func (a *API) askSQL(w http.ResponseWriter, r *http.Request) {
	if a.data == nil {
		Error(w, http.StatusServiceUnavailable, "data questions are not configured")
		return
	}
	var req sqlRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		Error(w, http.StatusBadRequest, "question is required")
		return
	}

	ans, err := a.data.Ask(r.Context(), req.Question)
	if ans == nil {
		a.logger.Error("data question failed", "error", err)
		Error(w, http.StatusInternalServerError, "could not answer the question")
		return
	}
	status := http.StatusOK
	if errors.Is(err, sqlguard.ErrSafetyDenied) {
		status = http.StatusUnprocessableEntity
	}
	JSON(w, status, ans)
}

func (a *API) checkSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if !decode(w, r, &req) {
		return
	}
	JSON(w, http.StatusOK, sqlguard.Check(req.SQL))
}

// storeError maps session store errors to status codes. Raw errors are
// logged, never returned.
func (a *API) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, chatstore.ErrInvalidMessage), errors.Is(err, conversation.ErrNoSession):
		Error(w, http.StatusBadRequest, "invalid message")
	case errors.Is(err, context.Canceled):
		Error(w, http.StatusRequestTimeout, "request cancelled")
	default:
		a.logger.Error("session store request failed", "error", err)
		Error(w, http.StatusInternalServerError, "could not save or load the conversation")
	}
}
