package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// This is called from main after server creation but before Run().
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Test tool - responds with pong or echoes input",
	}, NewPingHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_sql",
		Description: "Check whether a SQL statement is a read-only SELECT that may be executed",
	}, NewCheckSQLHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_data",
		Description: "Answer a question about the policy database: generates SQL, checks it, runs it and summarises the rows",
	}, NewAskDataHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List a user's chat sessions, newest first",
	}, NewListSessionsHandler(deps))
}
