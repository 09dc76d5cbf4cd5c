package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/server"
	"github.com/raphaelgruber/policychat/internal/tools"
)

var mcpWithSQL bool

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Expose the SQL safety check, data questions and session listing as
MCP tools over stdio. Logs go to stderr and the log file, never stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("policychat mcp starting", "version", Version, "chat_store", cfg.ChatStore)

		orch, closeStore, err := newOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		deps := &tools.Dependencies{Sessions: orch, Logger: logger}
		if mcpWithSQL {
			awsCfg, err := loadAWSConfig(ctx)
			if err != nil {
				return err
			}
			svc, closeDB, err := newDataService(ctx, awsCfg)
			if err != nil {
				return err
			}
			defer closeDB()
			deps.Data = svc
		}

		srv := server.New(Version, logger)
		srv.Setup()
		tools.RegisterAll(srv.MCPServer(), deps)

		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("policychat mcp stopped")
		return nil
	},
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpWithSQL, "sql", false, "enable the ask_data tool")
}
