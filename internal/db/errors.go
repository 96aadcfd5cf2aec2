// Package db provides error types for database operations.
package db

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when multiple concurrent operations attempt to modify the same records.
	// Callers should typically retry the operation.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be interpolated as a table name.
func ValidTableName(name string) bool {
	return identifierPattern.MatchString(name)
}

// wrapQueryError classifies a SurrealDB error. Query level errors are
// reported by the database itself; anything else is a transport failure.
func wrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "Transaction conflict") {
			return ingesterr.Wrap(ingesterr.KindIndexUnavailable, op, fmt.Errorf("%w: %s", ErrTransactionConflict, msg))
		}
		if strings.Contains(msg, "dimension") {
			return ingesterr.Wrap(ingesterr.KindSchemaMismatch, op, err)
		}
		if strings.Contains(msg, "IAM") || strings.Contains(msg, "permission") {
			return ingesterr.Wrap(ingesterr.KindAuth, op, err)
		}
		return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	}

	return ingesterr.Wrap(ingesterr.KindIndexUnavailable, op, err)
}
