package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/policychat/internal/chatstore"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
)

// ErrorResult builds a tool error the model can read and act on. A hint is
// appended as "{msg}. {hint}".
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// FormatResults joins items with newlines for list output.
func FormatResults(items []string) string {
	return strings.Join(items, "\n")
}

// verdictResult renders a safety verdict. Denials are ordinary results.
func verdictResult(v sqlguard.Verdict) *mcp.CallToolResult {
	if v.Allowed {
		return TextResult("allowed: the statement is a read-only SELECT")
	}
	return TextResult("denied: " + v.Reason)
}

// storeErrorResult maps session store failures to tool errors. Store
// details stay in the log.
func storeErrorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
		return ErrorResult("session not found", "Use list_sessions to see valid session ids")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorResult("request cancelled", "")
	default:
		return ErrorResult("could not read the session store", "Check the session store connection")
	}
}
