package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/server"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

var (
	servePort    int
	serveWithSQL bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket chat API",
	Long: `Serve the chat API. Clients log in with Cognito through /api/login and
send the returned access token as a bearer token. Prometheus metrics are
exposed on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch, closeStore, err := newOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return err
		}
		provider, err := newAuthProvider(ctx, awsCfg)
		if err != nil {
			return err
		}

		var data *text2sql.Service
		if serveWithSQL {
			svc, closeDB, err := newDataService(ctx, awsCfg)
			if err != nil {
				return err
			}
			defer closeDB()
			data = svc
		}

		api := server.NewAPI(server.CognitoAuthenticator{Provider: provider}, orch, asker(data), logger, collector)

		port := cfg.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		return server.ListenAndServe(ctx, fmt.Sprintf(":%d", port), api.Handler(), logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8585, "listen port (default from POLICYCHAT_PORT)")
	serveCmd.Flags().BoolVar(&serveWithSQL, "sql", false, "enable the /api/sql endpoint")
}

// asker keeps a nil service from becoming a non-nil interface.
func asker(svc *text2sql.Service) server.Asker {
	if svc == nil {
		return nil
	}
	return svc
}
