package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/jackc/pgx/v5"
)

const (
	incrementRetrySQL = `INSERT INTO retry_counters (username, failure_count, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (username) DO UPDATE
		SET failure_count = retry_counters.failure_count + 1, updated_at = now()
		RETURNING failure_count`
	resetRetrySQL = `DELETE FROM retry_counters WHERE username = $1`
	getRetrySQL   = `SELECT failure_count FROM retry_counters WHERE username = $1`
)

// RetryLedger stores failed-login counters in the retry_counters table.
type RetryLedger struct {
	db DB
}

func NewRetryLedger(db DB) *RetryLedger {
	return &RetryLedger{db: db}
}

// IncrementAndGet upserts the counter in one statement, so concurrent failures
// for the same username serialize on the row and each sees a distinct value.
func (l *RetryLedger) IncrementAndGet(ctx context.Context, username string) (int, error) {
	if username == "" {
		return 0, errors.New("retry ledger: empty username")
	}

	var count int
	if err := l.db.QueryRow(ctx, incrementRetrySQL, username).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return count, nil
}

func (l *RetryLedger) Reset(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	if _, err := l.db.Exec(ctx, resetRetrySQL, username); err != nil {
		return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return nil
}

func (l *RetryLedger) Get(ctx context.Context, username string) (int, error) {
	var count int
	err := l.db.QueryRow(ctx, getRetrySQL, username).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return count, nil
}
