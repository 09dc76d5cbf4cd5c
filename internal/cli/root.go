// Package cli provides the command-line interface for policychat.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/config"
	"github.com/raphaelgruber/policychat/internal/metrics"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and metrics
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	collector *metrics.Collector
)

// interactiveCommands only log warnings to the terminal.
var interactiveCommands = map[string]bool{"chat": true, "sql": true}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "policychat",
	Short: "Chat with an insurance policy agent",
	Long: `Policychat is a chat front end for a Bedrock insurance agent.

Conversations are stored per user and session, replayed to the agent as
strictly alternating history, and can be resumed later. Staff can also ask
read-only questions about the policy database in plain language.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		var opts []config.LogOption
		if interactiveCommands[cmd.Name()] && !verbose {
			opts = append(opts, config.WithStderrLevel(slog.LevelWarn))
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level, opts...)
		slog.SetDefault(logger)
		collector = metrics.NewCollector()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(sqlCmd)
	rootCmd.AddCommand(checkSQLCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}
