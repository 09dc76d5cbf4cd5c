// Package history turns a stored conversation log into the strictly
// alternating user/assistant sequence the agent accepts.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/policychat/internal/models"
)

// AlternationError reports two consecutive turns with the same role.
type AlternationError struct {
	Role     models.Role
	Position int
}

func (e *AlternationError) Error() string {
	return fmt.Sprintf("invalid message alternation: consecutive %s messages at position %d", e.Role, e.Position)
}

// ValidateAlternation returns an *AlternationError naming the first repeated
// role, or nil if msgs strictly alternate.
func ValidateAlternation(msgs []models.Message) error {
	if i := models.FirstRepeatedRole(msgs); i >= 0 {
		return &AlternationError{Role: msgs[i].Role, Position: i}
	}
	return nil
}

// Format builds the agent history from stored turns plus the new prompt.
//
// Entries without a usable role or text are dropped. The prompt is appended
// as a user turn unless the log already ends with it. The result must
// alternate; otherwise an *AlternationError is returned.
func Format(msgs []models.Message, prompt string) ([]models.Message, error) {
	raw := make([]models.RawMessage, len(msgs))
	for i, m := range msgs {
		raw[i] = models.RawMessage{Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp}
	}
	return FormatRaw(raw, prompt)
}

// FormatRaw is Format for loosely typed input (for example history decoded
// from JSON where content may be a list of spans).
func FormatRaw(entries []models.RawMessage, prompt string) ([]models.Message, error) {
	formatted := make([]models.Message, 0, len(entries)+1)
	for _, e := range entries {
		msg, ok := e.Normalize()
		if !ok || !msg.Role.Valid() {
			slog.Debug("skipping malformed history entry", "role", e.Role)
			continue
		}
		formatted = append(formatted, msg)
	}

	if len(formatted) == 0 || formatted[len(formatted)-1].Content != prompt {
		formatted = append(formatted, models.NewMessage(models.RoleUser, prompt))
	}

	if err := ValidateAlternation(formatted); err != nil {
		return nil, err
	}
	return formatted, nil
}

// FormatOrFallback never fails: if formatting errors or panics it logs the
// cause and returns a single user turn holding the prompt.
func FormatOrFallback(msgs []models.Message, prompt string, logger *slog.Logger) (out []models.Message) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("formatting conversation history panicked", "panic", r)
			out = Minimal(prompt)
		}
	}()

	formatted, err := Format(msgs, prompt)
	if err != nil {
		logger.Error("formatting conversation history failed, using prompt only", "error", err, "turns", len(msgs))
		return Minimal(prompt)
	}
	return formatted
}

// Minimal is the context-free history used when formatting fails.
func Minimal(prompt string) []models.Message {
	return []models.Message{models.NewMessage(models.RoleUser, prompt)}
}

// wireMessage is the agent's message shape: content is a list of spans.
type wireMessage struct {
	Role    models.Role       `json:"role"`
	Content []models.TextSpan `json:"content"`
}

// EncodeAttribute serializes msgs as the conversationHistory session
// attribute: {"messages":[{"role":"user","content":[{"text":"..."}]}]}.
func EncodeAttribute(msgs []models.Message) (string, error) {
	wire := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = wireMessage{Role: m.Role, Content: []models.TextSpan{{Text: m.Content}}}
	}
	data, err := json.Marshal(struct {
		Messages []wireMessage `json:"messages"`
	}{Messages: wire})
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(data), nil
}
