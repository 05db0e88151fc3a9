package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	var payload struct{ ID string }
	syntaxErr := json.Unmarshal([]byte("{not json"), &payload)

	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"permanent", Permanent(errors.New("bad vote")), false, "permanent"},
		{"wrapped permanent", fmt.Errorf("handle: %w", Permanent(errors.New("x"))), false, "permanent"},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"duplicate", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"fk", &pgconn.PgError{Code: "23503"}, false, "constraint_violation"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "db_transient"},
		{"timeout", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"refused", errors.New("dial tcp: connection refused"), true, "db_connection_error"},
		{"breaker", errors.New("send: circuit breaker is open"), true, "circuit_open"},
		{"unknown", errors.New("something odd"), true, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}
