package chatstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidMessage indicates a message with an unknown role, empty
	// content, or missing user/session identifiers.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotFound indicates the requested session does not exist for the user.
	ErrNotFound = errors.New("session not found")

	// ErrSessionExists indicates a freshly allocated session id collided with
	// an existing record.
	ErrSessionExists = errors.New("session already exists")

	// ErrStorage wraps any failure of the backing database.
	ErrStorage = errors.New("storage error")
)

// storageErr wraps a backend failure so it matches both ErrStorage and the
// original error.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// wrapQueryError maps known SurrealDB query failures to sentinel errors and
// everything else to ErrStorage.
func wrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		if strings.Contains(queryErr.Message, "already exists") {
			return fmt.Errorf("%w: %s", ErrSessionExists, queryErr.Message)
		}
	}

	return storageErr(op, err)
}
