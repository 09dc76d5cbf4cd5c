package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/models"
)

var (
	sessionsUser string
	sessionsJSON bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and inspect stored chat sessions",
	Example: `  policychat sessions list --user alice
  policychat sessions show 3f0c... --user alice --json`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, sc, done, err := sessionsSetup(ctx)
		if err != nil {
			return err
		}
		defer done()

		list, err := orch.Sessions(ctx, sc.UserID)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if sessionsJSON {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		printSessions(cmd.OutOrStdout(), list, "")
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, sc, done, err := sessionsSetup(ctx)
		if err != nil {
			return err
		}
		defer done()

		sess, err := orch.Session(ctx, sc.UserID, args[0])
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sessionsJSON {
			return writeJSON(cmd.OutOrStdout(), sess)
		}
		printMessages(cmd.OutOrStdout(), defaultTheme, sess.Messages)
		return nil
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an empty session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, sc, done, err := sessionsSetup(ctx)
		if err != nil {
			return err
		}
		defer done()

		sc.PolicyNumber = ""
		sc, _, err = orch.StartSession(ctx, sc)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sc.SessionID)
		return nil
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsUser, "user", "", "user id (logs in when empty)")
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "output as JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
}

// sessionsSetup opens the store and resolves the user, logging in when no
// --user was given.
func sessionsSetup(ctx context.Context) (*conversation.Orchestrator, conversation.SessionContext, func(), error) {
	orch, closeStore, err := newOrchestrator(ctx)
	if err != nil {
		return nil, conversation.SessionContext{}, nil, err
	}

	sc, authSess, err := resolveUser(ctx, newPrompter(os.Stdin, os.Stderr), sessionsUser, "")
	if err != nil {
		closeStore()
		return nil, conversation.SessionContext{}, nil, err
	}
	done := func() {
		if authSess != nil {
			if err := authSess.Logout(context.Background()); err != nil {
				logger.Warn("logout failed", "error", err)
			}
		}
		closeStore()
	}
	return orch, sc, done, nil
}

// printSessions renders sessions as a table. current is marked with a star.
func printSessions(w io.Writer, list []models.SessionSummary, current string) {
	if len(list) == 0 {
		fmt.Fprintln(w, defaultTheme.hintStyle().Render("No sessions yet."))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(defaultTheme.hintStyle()).
		Headers("", "SESSION", "MESSAGES", "UPDATED")
	for _, s := range list {
		mark := ""
		if s.SessionID == current {
			mark = "*"
		}
		t.Row(mark, s.SessionID, strconv.Itoa(s.MessageCount), s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, t.Render())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
