package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

const maxTableRows = 50

var (
	sqlShowQuery bool
	sqlJSON      bool
)

var sqlCmd = &cobra.Command{
	Use:   "sql <question>",
	Short: "Ask a read-only question about the policy database",
	Long: `Translate a question into a single SELECT statement using the
database metadata stored in S3, run it against Postgres and summarise the
result. Statements that could modify data are refused before they reach the
database.`,
	Example: `  policychat sql "how many active policies expire this month?"
  policychat sql --show-query "top 5 customers by premium"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSQL,
}

var checkSQLCmd = &cobra.Command{
	Use:   "check-sql <statement>",
	Short: "Check whether a SQL statement passes the safety filter",
	Example: `  policychat check-sql "SELECT * FROM policies"
  policychat check-sql "DROP TABLE policies"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := sqlguard.Check(strings.Join(args, " "))
		out := cmd.OutOrStdout()
		if v.Allowed {
			fmt.Fprintln(out, defaultTheme.successStyle().Render("✓ allowed"))
			return nil
		}
		fmt.Fprintln(out, defaultTheme.errorStyle().Render("✗ "+v.Reason))
		return v.Err()
	},
}

func init() {
	sqlCmd.Flags().BoolVar(&sqlShowQuery, "show-query", false, "print the generated SQL")
	sqlCmd.Flags().BoolVar(&sqlJSON, "json", false, "output as JSON")
}

func runSQL(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return err
	}
	svc, closeDB, err := newDataService(ctx, awsCfg)
	if err != nil {
		return err
	}
	defer closeDB()

	question := strings.Join(args, " ")
	var ans *text2sql.Answer
	askErr := withThinking(ctx, "Querying...", func(ctx context.Context) error {
		var err error
		ans, err = svc.Ask(ctx, question)
		return err
	})
	if errors.Is(askErr, errInterrupted) {
		return askErr
	}
	if ans == nil {
		return askErr
	}

	out := cmd.OutOrStdout()
	if sqlJSON {
		if err := writeJSON(out, ans); err != nil {
			return err
		}
		return askErr
	}
	printAnswer(out, ans, sqlShowQuery)
	if askErr != nil {
		logger.Debug("question not answered", "error", askErr)
		return errors.New(ans.Message)
	}
	return nil
}

func printAnswer(w io.Writer, ans *text2sql.Answer, showQuery bool) {
	if showQuery && ans.SQL != "" {
		fmt.Fprintln(w, defaultTheme.hintStyle().Render(ans.SQL))
		fmt.Fprintln(w)
	}
	if ans.Message != "" {
		return
	}
	if ans.Summary != "" {
		fmt.Fprintln(w, ans.Summary)
	}
	if ans.Result != nil && len(ans.Result.Rows) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderResult(ans.Result, maxTableRows))
	}
}

// renderResult draws up to limit rows as a table.
func renderResult(res *sqlexec.Result, limit int) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(defaultTheme.hintStyle()).
		Headers(res.Columns...)

	for i, row := range res.Rows {
		if i >= limit {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			if v == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = fmt.Sprint(v)
		}
		t.Row(cells...)
	}

	out := t.Render()
	if extra := len(res.Rows) - limit; extra > 0 {
		out += "\n" + defaultTheme.hintStyle().Render(fmt.Sprintf("... %d more rows", extra))
	}
	if res.Truncated {
		out += "\n" + defaultTheme.hintStyle().Render("result truncated")
	}
	return out
}
