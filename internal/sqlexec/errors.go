package sqlexec

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error classes for failed queries. Use errors.Is() to check for these.
var (
	ErrConnection    = errors.New("database connection error")
	ErrSyntax        = errors.New("query syntax error")
	ErrMissingObject = errors.New("referenced table or column does not exist")
	ErrQuery         = errors.New("query failed")
	ErrConfig        = errors.New("database configuration error")
)

// classify wraps a driver error with the matching error class.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42601":
			return fmt.Errorf("%w: %w", ErrSyntax, err)
		case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "3F000", pgErr.Code == "42883":
			return fmt.Errorf("%w: %w", ErrMissingObject, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", ErrConnection, err)
		default:
			return fmt.Errorf("%w: %w", ErrQuery, err)
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return fmt.Errorf("%w: %w", ErrQuery, err)
}

// UserMessage turns an execution error into text safe to show end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "Database configuration error. Please contact support."
	case errors.Is(err, ErrConnection):
		return "Unable to connect to the database. Please try again later."
	case errors.Is(err, ErrSyntax):
		return "There seems to be an issue with the query structure. Please try rephrasing your question."
	case errors.Is(err, ErrMissingObject):
		return "I couldn't find the data you're looking for. Please make sure you're asking about information from the available dataset."
	default:
		return "There was an issue running your query. Please try rephrasing your question."
	}
}
