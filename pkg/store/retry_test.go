package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("UNIQUE constraint failed: shards.name"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", fmt.Errorf("commit: %w", errors.New("SQLITE_BUSY: db locked")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientSQLiteErr(tt.err))
		})
	}
}

func TestRetryOpSucceedsImmediately(t *testing.T) {
	calls := 0
	err := retryOp(fastRetry, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOpPermanentErrorNoRetry(t *testing.T) {
	calls := 0
	permanent := errors.New("no such table: shards")
	err := retryOp(fastRetry, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryOpRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retryOp(fastRetry, func() error {
		calls++
		if calls < 3 {
			return errors.New("(522) IOERR_SHORT_READ")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOpExhaustsRetries(t *testing.T) {
	calls := 0
	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	err := retryOp(cfg, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	// One initial attempt plus two retries.
	assert.Equal(t, 3, calls)
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}
	for attempt, lo := range []time.Duration{50, 100, 200} {
		lo *= time.Millisecond
		d := backoffDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.Less(t, d, lo+cfg.baseDelay, "attempt %d", attempt)
	}

	capped := backoffDelay(retryConfig{baseDelay: 100 * time.Millisecond, maxDelay: 200 * time.Millisecond}, 5)
	assert.Less(t, capped, 300*time.Millisecond)
}
