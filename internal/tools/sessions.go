package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListSessionsInput defines the input schema for the list_sessions tool.
type ListSessionsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"User whose sessions to list"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of sessions (default 20)"`
}

// NewListSessionsHandler lists sessions newest first.
func NewListSessionsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListSessionsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListSessionsInput) (*mcp.CallToolResult, any, error) {
		if deps == nil || deps.Sessions == nil {
			return ErrorResult("session store is not configured", ""), nil, nil
		}
		if input.UserID == "" {
			return ErrorResult("user_id is required", ""), nil, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}

		sessions, err := deps.Sessions.Sessions(ctx, input.UserID)
		if err != nil {
			deps.logger().Error("list_sessions failed", "user_id", input.UserID, "error", err)
			return storeErrorResult(err), nil, nil
		}
		if len(sessions) == 0 {
			return TextResult("no sessions found for " + input.UserID), nil, nil
		}

		lines := make([]string, 0, min(limit, len(sessions)))
		for _, s := range sessions[:min(limit, len(sessions))] {
			lines = append(lines, fmt.Sprintf("%s  %s  (%d messages)", s.SessionID, s.Title(), s.MessageCount))
		}
		return TextResult(FormatResults(lines)), nil, nil
	}
}
