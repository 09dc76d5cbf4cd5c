package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/policychat/internal/sqlguard"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

// CheckSQLInput defines the input schema for the check_sql tool.
type CheckSQLInput struct {
	SQL string `json:"sql" jsonschema:"SQL statement to check"`
}

// NewCheckSQLHandler reports the safety verdict for a statement. A denied
// statement is a normal result, not a tool error.
func NewCheckSQLHandler(deps *Dependencies) mcp.ToolHandlerFor[CheckSQLInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CheckSQLInput) (*mcp.CallToolResult, any, error) {
		v := sqlguard.Check(input.SQL)
		deps.logger().Debug("check_sql tool called", "allowed", v.Allowed, "keyword", v.Keyword)
		return verdictResult(v), nil, nil
	}
}

// AskDataInput defines the input schema for the ask_data tool.
type AskDataInput struct {
	Question string `json:"question" jsonschema:"Question about the policy data in plain language"`
}

// NewAskDataHandler runs the text-to-SQL pipeline.
func NewAskDataHandler(deps *Dependencies) mcp.ToolHandlerFor[AskDataInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskDataInput) (*mcp.CallToolResult, any, error) {
		if deps == nil || deps.Data == nil {
			return ErrorResult("data questions are not configured", "Set SECRET_NAME or DATABASE_URL and S3_BUCKET_NAME"), nil, nil
		}
		if strings.TrimSpace(input.Question) == "" {
			return ErrorResult("question is required", ""), nil, nil
		}

		ans, err := deps.Data.Ask(ctx, input.Question)
		if ans == nil {
			deps.logger().Error("ask_data failed", "error", err)
			return ErrorResult("could not answer the question", "Try again later"), nil, nil
		}
		if ans.Message != "" {
			return ErrorResult(ans.Message, sqlHint(ans.SQL)), nil, nil
		}
		return TextResult(FormatAnswer(ans)), nil, nil
	}
}

func sqlHint(sql string) string {
	if sql == "" {
		return ""
	}
	return "Generated SQL: " + sql
}

// FormatAnswer renders an answer as summary, SQL and the first rows.
func FormatAnswer(ans *text2sql.Answer) string {
	parts := []string{}
	if ans.Summary != "" {
		parts = append(parts, ans.Summary)
	}
	parts = append(parts, "SQL: "+ans.SQL)
	if ans.Result != nil && len(ans.Result.Rows) > 0 {
		rows := text2sql.FormatResult(ans.Result, 20)
		if ans.Result.Truncated {
			rows += fmt.Sprintf("(limited to %d rows)\n", len(ans.Result.Rows))
		}
		parts = append(parts, rows)
	}
	return FormatResults(parts)
}
