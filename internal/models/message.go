// Package models defines the chat data structures shared by the session store,
// the history formatter and the conversation orchestrator.
package models

import (
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two roles the agent accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single normalized turn. Content is always one text span.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// RawMessage is a turn as it may appear in older stored data or loosely typed
// input: role as plain text and content as a string, a span object, or a list
// of spans. Convert it once with Normalize; nothing downstream inspects Content.
type RawMessage struct {
	Role      string    `json:"role"`
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Normalize converts the raw turn into a Message. It returns false when the
// role is missing or the content has no usable text.
func (r RawMessage) Normalize() (Message, bool) {
	if r.Role == "" {
		return Message{}, false
	}
	text, ok := NormalizeContent(r.Content)
	if !ok {
		return Message{}, false
	}
	return Message{Role: Role(r.Role), Content: text, Timestamp: r.Timestamp}, true
}

// FirstRepeatedRole scans msgs left to right and returns the index of the
// first message whose role equals its predecessor's, or -1 if the sequence
// strictly alternates.
func FirstRepeatedRole(msgs []Message) int {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == msgs[i-1].Role {
			return i
		}
	}
	return -1
}
