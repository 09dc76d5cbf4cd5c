// Package sqlexec runs read-only queries against PostgreSQL.
package sqlexec

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/secrets"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
)

// DefaultMaxRows caps how many rows a query returns.
const DefaultMaxRows = 1000

// Result holds the columns and rows of a successful query.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Querier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Executor checks every statement with sqlguard and then runs it.
type Executor struct {
	db      Querier
	maxRows int
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewExecutor wraps a querier. logger and m may be nil.
func NewExecutor(db Querier, logger *slog.Logger, m *metrics.Collector) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, maxRows: DefaultMaxRows, logger: logger, metrics: m}
}

// Query runs sql after re-checking it with the safety filter. Denied
// statements return an error wrapping sqlguard.ErrSafetyDenied and never
// reach the database. Driver errors are wrapped with an error class.
func (e *Executor) Query(ctx context.Context, sql string) (*Result, error) {
	if v := sqlguard.Check(sql); !v.Allowed {
		e.metrics.Incr(metrics.OpSafetyDenied)
		e.logger.Warn("unsafe query rejected before execution", "keyword", v.Keyword, "reason", v.Reason)
		return nil, v.Err()
	}

	start := time.Now()
	res, err := e.query(ctx, sql)
	e.metrics.RecordResult(metrics.OpSQLQuery, time.Since(start), err)
	if err != nil {
		e.logger.Error("query failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	e.logger.Info("query executed", "rows", len(res.Rows), "columns", len(res.Columns), "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (e *Executor) query(ctx context.Context, sql string) (*Result, error) {
	rows, err := e.db.Query(ctx, sql)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fields)), Rows: [][]any{}}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}

	for rows.Next() {
		if len(res.Rows) >= e.maxRows {
			res.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// DBSecret is the JSON layout of an RDS/Aurora credentials secret.
type DBSecret struct {
	Host     string `json:"host"`
	Port     any    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Engine   string `json:"engine"`
}

// ConnString builds a postgres URL from the secret.
func (s DBSecret) ConnString() (string, error) {
	if s.Host == "" || s.Username == "" || s.Password == "" {
		return "", fmt.Errorf("%w: secret needs host, username and password", ErrConfig)
	}
	port := "5432"
	switch p := s.Port.(type) {
	case float64:
		port = strconv.Itoa(int(p))
	case string:
		if p != "" {
			port = p
		}
	}
	db := s.DBName
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.Username, s.Password),
		Host:     net.JoinHostPort(s.Host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=prefer",
	}
	return u.String(), nil
}

// ResolveConnString prefers an explicit URL and falls back to a Secrets
// Manager secret.
func ResolveConnString(ctx context.Context, api secrets.API, databaseURL, secretName string) (string, error) {
	if databaseURL != "" {
		return databaseURL, nil
	}
	if secretName == "" {
		return "", fmt.Errorf("%w: no DATABASE_URL or SECRET_NAME", ErrConfig)
	}
	var s DBSecret
	if err := secrets.LoadJSON(ctx, api, secretName, &s); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return s.ConnString()
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cfg.MaxConns = 4
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err)
	}
	return pool, nil
}
