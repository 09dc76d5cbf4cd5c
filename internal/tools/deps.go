// Package tools provides MCP tool handlers and registration.
package tools

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/policychat/internal/models"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

// DataAsker answers natural-language data questions.
type DataAsker interface {
	Ask(ctx context.Context, question string) (*text2sql.Answer, error)
}

// SessionLister lists a user's chat sessions.
type SessionLister interface {
	Sessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
}

// Dependencies holds shared services for tool handlers.
// Passed to handler factories via closure capture. Data and Sessions may be
// nil; their tools then report that the feature is not configured.
type Dependencies struct {
	Data     DataAsker
	Sessions SessionLister
	Logger   *slog.Logger
}

func (d *Dependencies) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
