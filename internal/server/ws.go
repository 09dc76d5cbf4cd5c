package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // bearer tokens, not cookies, authenticate the socket
	},
}

// wsIncoming is a turn sent by the client.
type wsIncoming struct {
	Prompt string `json:"prompt"`
}

// wsOutgoing is either a turn result or an error notice.
type wsOutgoing struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
}

// serveWS runs turns for one session over a websocket. Turns are handled
// in order; the orchestrator serializes them against HTTP turns too.
func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	log := a.logger.With("user_id", id.Username(), "session_id", sessionID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// The hijacked request context never ends on its own, so either pump
	// failing cancels ctx and any turn in flight.
	write := make(chan wsOutgoing)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-write:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn("websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					log.Debug("websocket ping failed", "error", err)
					return
				}
			}
		}
	}()

	prompts := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("websocket closed unexpectedly", "error", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			select {
			case prompts <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg wsOutgoing) bool {
		select {
		case write <- msg:
			return true
		case <-writerDone:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if !send(wsOutgoing{Type: "connected", SessionID: sessionID}) {
		return
	}
	log.Info("websocket connected")

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case data = <-prompts:
		}

		var in wsIncoming
		if err := json.Unmarshal(data, &in); err != nil || strings.TrimSpace(in.Prompt) == "" {
			if !send(wsOutgoing{Type: "error", Text: "Invalid message format. Send JSON with a 'prompt' field."}) {
				return
			}
			continue
		}

		res, err := a.chat.HandleTurn(ctx, sessionContext(id, sessionID), in.Prompt)
		if ctx.Err() != nil {
			log.Info("websocket closed during turn")
			return
		}
		if err != nil {
			log.Error("websocket turn failed", "error", err)
			if !send(wsOutgoing{Type: "error", SessionID: sessionID, Text: "Could not save or load the conversation. Please try again."}) {
				return
			}
			continue
		}
		if !send(wsOutgoing{Type: "turn", SessionID: sessionID, Text: res.DisplayedText, Persisted: res.Persisted}) {
			return
		}
	}
}
