// Package text2sql answers natural-language questions by generating,
// checking and running read-only SQL.
package text2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
)

// maxSummaryRows limits how many rows are shown to the model.
const maxSummaryRows = 50

// Generator produces text from a system and user prompt.
type Generator interface {
	GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Querier runs a checked SQL statement.
type Querier interface {
	Query(ctx context.Context, sql string) (*sqlexec.Result, error)
}

// Answer is the outcome of one question.
type Answer struct {
	Question string          `json:"question"`
	SQL      string          `json:"sql,omitempty"`
	Result   *sqlexec.Result `json:"result,omitempty"`
	Summary  string          `json:"summary,omitempty"`
	// Message is set instead of Summary when the question could not be
	// answered. It is safe to show to end users.
	Message string `json:"message,omitempty"`
}

// Service wires metadata, model and executor together.
type Service struct {
	meta    MetadataSource
	model   Generator
	db      Querier
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewService creates a text-to-SQL service. logger and m may be nil.
func NewService(meta MetadataSource, model Generator, db Querier, logger *slog.Logger, m *metrics.Collector) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meta: meta, model: model, db: db, logger: logger, metrics: m}
}

const sqlSystemPrompt = `You translate questions into PostgreSQL queries.
Return only the SQL query with no other characters or strings.`

// GenerateSQL asks the model for a single SELECT statement answering
// question. The statement is returned unchecked.
func (s *Service) GenerateSQL(ctx context.Context, question string) (string, error) {
	start := time.Now()
	meta, err := s.meta.Metadata(ctx)
	s.metrics.RecordResult(metrics.OpMetadataFetch, time.Since(start), err)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(`Given the following table metadata:
%s

Convert the following question into a SQL query:
%q

Important rules:
1. Only generate SELECT queries
2. Do not use any DDL or DML operations (CREATE, INSERT, UPDATE, DELETE, etc.)
3. Make sure the query is compatible with PostgreSQL syntax
4. Return only the SQL query with no other characters or strings`, meta, question)

	out, err := s.model.GenerateWithSystem(ctx, sqlSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	sql := CleanSQL(out)
	if sql == "" {
		return "", errors.New("generate sql: model returned no query")
	}
	return sql, nil
}

// Ask runs the whole pipeline. Failures that the user can act on are
// reported through Answer.Message; the error is only non-nil when no
// answer could be built at all.
func (s *Service) Ask(ctx context.Context, question string) (*Answer, error) {
	ans := &Answer{Question: question}

	sql, err := s.GenerateSQL(ctx, question)
	if err != nil {
		s.logger.Error("sql generation failed", "error", err)
		if errors.Is(err, ErrMetadataUnavailable) {
			ans.Message = "Could not retrieve database metadata. Please try again later."
		} else {
			ans.Message = "Could not generate a query for that question. Please try rephrasing it."
		}
		return ans, err
	}
	ans.SQL = sql

	if v := sqlguard.Check(sql); !v.Allowed {
		s.metrics.Incr(metrics.OpSafetyDenied)
		s.logger.Warn("generated query rejected", "keyword", v.Keyword)
		ans.Message = v.Reason
		return ans, v.Err()
	}

	res, err := s.db.Query(ctx, sql)
	if err != nil {
		ans.Message = sqlexec.UserMessage(err)
		if errors.Is(err, sqlguard.ErrSafetyDenied) {
			ans.Message = sqlguard.Check(sql).Reason
		}
		return ans, err
	}
	ans.Result = res

	if len(res.Rows) == 0 {
		ans.Summary = "No results found for your query."
		return ans, nil
	}

	summary, err := s.summarize(ctx, question, sql, res)
	if err != nil {
		// The rows are still useful without a summary.
		s.logger.Warn("summarising results failed", "error", err)
		return ans, nil
	}
	ans.Summary = summary
	return ans, nil
}

func (s *Service) summarize(ctx context.Context, question, sql string, res *sqlexec.Result) (string, error) {
	prompt := fmt.Sprintf(`Given the following:

Original question: %q
SQL Query used: %s
Query results:
%s

Please provide a natural language summary of the results. The response should be:
1. Conversational and easy to understand
2. Include specific numbers and insights from the data
3. Highlight any interesting patterns or findings
4. Be concise but informative. Maximum 100 words.`, question, sql, FormatResult(res, maxSummaryRows))

	out, err := s.model.GenerateWithSystem(ctx, "You summarise database query results for insurance staff.", prompt)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out), nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:[a-zA-Z]+)?\\s*(.*?)```")

// CleanSQL strips markdown code fences and surrounding whitespace.
func CleanSQL(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.TrimSpace(s)
}

// FormatResult renders up to limit rows as pipe-separated text.
func FormatResult(res *sqlexec.Result, limit int) string {
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, " | "))
	b.WriteByte('\n')
	for i, row := range res.Rows {
		if i == limit {
			fmt.Fprintf(&b, "... %d more rows\n", len(res.Rows)-limit)
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	return b.String()
}
