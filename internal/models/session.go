package models

import "time"

// Session is one user's conversation log. Messages only ever grow.
type Session struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary returns the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		UserID:       s.UserID,
		SessionID:    s.SessionID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
}

// SessionSummary is what session listings return.
type SessionSummary struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Title is the label shown for a session in listings.
func (s SessionSummary) Title() string {
	return "Chat from " + s.CreatedAt.Local().Format("2006-01-02 15:04")
}
