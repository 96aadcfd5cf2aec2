package db

import (
	"errors"
	"testing"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/surrealdb/surrealdb.go"
)

func TestValidTableName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"default_index", true},
		{"Docs2024", true},
		{"_private", true},
		{"", false},
		{"2docs", false},
		{"docs-prod", false},
		{"docs; REMOVE TABLE ingest_job", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTableName(tt.name))
		})
	}
}

func TestWrapQueryError(t *testing.T) {
	assert.NoError(t, wrapQueryError("op", nil))

	conflict := wrapQueryError("op", &surrealdb.QueryError{Message: "Transaction conflict: retry"})
	assert.ErrorIs(t, conflict, ErrTransactionConflict)
	assert.True(t, ingesterr.Retryable(conflict))

	dim := wrapQueryError("op", &surrealdb.QueryError{Message: "Incorrect vector dimension (3). Expected a vector of 4 dimension."})
	assert.Equal(t, ingesterr.KindSchemaMismatch, ingesterr.KindOf(dim))

	transport := wrapQueryError("op", errors.New("websocket: close 1006"))
	assert.Equal(t, ingesterr.KindIndexUnavailable, ingesterr.KindOf(transport))
}
