package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/redis/go-redis/v9"
)

// RetryLedgerConfig configures the Redis retry ledger.
type RetryLedgerConfig struct {
	Prefix string
	Window time.Duration // 0 = counter persists until reset
}

// RetryLedger counts failed logins per username with Redis INCR, which is
// atomic per key, so concurrent failures are never under-counted.
type RetryLedger struct {
	redis  redis.UniversalClient
	config RetryLedgerConfig
}

// NewRetryLedger creates a Redis-backed retry ledger.
func NewRetryLedger(redisClient redis.UniversalClient, cfg RetryLedgerConfig) *RetryLedger {
	if cfg.Prefix == "" {
		cfg.Prefix = "hrl"
	}
	return &RetryLedger{redis: redisClient, config: cfg}
}

func (l *RetryLedger) key(username string) string {
	return l.config.Prefix + ":" + username
}

// IncrementAndGet increments the failure counter, creating it at 1.
func (l *RetryLedger) IncrementAndGet(ctx context.Context, username string) (int, error) {
	if username == "" {
		return 0, errors.New("retry ledger: empty username")
	}

	count, err := l.redis.Incr(ctx, l.key(username)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}

	if count == 1 && l.config.Window > 0 {
		// Start the rolling window on the first failure.
		if err := l.redis.Expire(ctx, l.key(username), l.config.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
		}
	}

	return int(count), nil
}

// Reset clears the failure counter (successful login or explicit unlock).
func (l *RetryLedger) Reset(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}

	if err := l.redis.Del(ctx, l.key(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return nil
}

// Get returns the current failure count.
func (l *RetryLedger) Get(ctx context.Context, username string) (int, error) {
	if username == "" {
		return 0, nil
	}

	count, err := l.redis.Get(ctx, l.key(username)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return int(count), nil
}
