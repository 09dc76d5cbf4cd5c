package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// LogOption tweaks SetupLogger.
type LogOption func(*logOptions)

type logOptions struct {
	stderrLevel *slog.Level
	stderr      io.Writer
}

// WithStderrLevel sets a separate minimum level for the stderr handler. The
// interactive chat uses it to keep the terminal free of info logs while the
// file still records everything.
func WithStderrLevel(l slog.Level) LogOption {
	return func(o *logOptions) { o.stderrLevel = &l }
}

// WithStderr replaces os.Stderr as the text output.
func WithStderr(w io.Writer) LogOption {
	return func(o *logOptions) { o.stderr = w }
}

// SetupLogger creates a dual-output logger: text to stderr, JSON to file.
// Returns the logger and a cleanup function to close the file.
func SetupLogger(logFile string, level slog.Level, opts ...LogOption) (*slog.Logger, func() error) {
	o := logOptions{stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	stderrLevel := level
	if o.stderrLevel != nil {
		stderrLevel = *o.stderrLevel
	}

	stderrHandler := slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: stderrLevel})

	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr-only if file fails
		slog.New(stderrHandler).Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return slog.New(stderrHandler), func() error { return nil }
	}

	logger := SetupLoggerWithWriters(o.stderr, file, level, stderrLevel)
	return logger, file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers: text to
// stderr at stderrLevel, JSON to file at fileLevel.
func SetupLoggerWithWriters(stderr, file io.Writer, fileLevel, stderrLevel slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: stderrLevel})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: fileLevel})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)).With("app", "policychat")
}
