package flows

import (
	"context"

	"github.com/emileswarts/hmppsauth/identity"
	"go.uber.org/zap"
)

const defaultThreshold = 3

// Lockout applies the retry ledger to one user. Every login path checks and
// counts through it, so a lock held only by the ledger binds all of them.
type Lockout struct {
	Threshold int
	Ledger    identity.RetryLedgerStore
	Updater   func(identity.AuthSource) identity.RecordUpdater
	Logger    *zap.Logger
}

func (l Lockout) threshold() int {
	if l.Threshold <= 0 {
		return defaultThreshold
	}
	return l.Threshold
}

// Check returns the reason user may not log in, or "" when they may.
func (l Lockout) Check(ctx context.Context, user *identity.UserRecord) (string, error) {
	if !user.Enabled {
		return ReasonDisabled, nil
	}
	if user.Locked {
		return ReasonLocked, nil
	}
	// Backends we cannot write a lock flag to are held locked by the ledger.
	failures, err := l.Ledger.Get(ctx, user.Username)
	if err != nil {
		return "", err
	}
	if failures >= l.threshold() {
		return ReasonLocked, nil
	}
	return "", nil
}

// Fail counts one failure for user and reports whether it reached the
// threshold. On lock the flag is also written where the source keeps one.
func (l Lockout) Fail(ctx context.Context, user *identity.UserRecord) (int, bool, error) {
	count, err := l.Ledger.IncrementAndGet(ctx, user.Username)
	if err != nil {
		return 0, false, err
	}
	if count < l.threshold() {
		return count, false, nil
	}

	var updater identity.RecordUpdater
	if l.Updater != nil {
		updater = l.Updater(user.Source)
	}
	if updater != nil {
		if err := updater.SetLocked(ctx, user.Username, true); err != nil {
			logger := l.Logger
			if logger == nil {
				logger = zap.NewNop()
			}
			logger.Warn("lock flag not stored, ledger still holds the lock",
				zap.String("username", user.Username), zap.String("source", user.Source.String()), zap.Error(err))
		}
	}
	return count, true, nil
}
