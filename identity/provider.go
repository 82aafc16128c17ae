package identity

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable is wrapped by adapters when a backend cannot be reached
// or answers with a server-side failure. It is never equivalent to not-found.
var ErrBackendUnavailable = errors.New("identity backend unavailable")

// Provider is the lookup contract every backend implements.
//
// FindByUsername returns (nil, nil) when the backend has no such user.
// FindByEmail may return several records: backends can hold duplicate or stale
// registrations for the same address.
type Provider interface {
	Source() AuthSource
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) ([]UserRecord, error)
}

// Authenticator is implemented by backends that own credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// RecordUpdater is implemented by backends whose records the engine may mutate
// after a login outcome.
type RecordUpdater interface {
	// RecordLogin stamps the last-login time. When from is non-nil and richer
	// than the stored record, the stored email and name are refreshed from it.
	RecordLogin(ctx context.Context, username string, at time.Time, from *LoginIdentity) error
	SetLocked(ctx context.Context, username string, locked bool) error
}

// EmailVerifier manages a record's primary email. ChangeEmail stores a new
// address as unverified; MarkEmailVerified flags it once its owner proved
// possession.
type EmailVerifier interface {
	ChangeEmail(ctx context.Context, username, email string) error
	MarkEmailVerified(ctx context.Context, username, email string) error
}

// PasswordSetter is implemented by backends that let the engine set a new password.
type PasswordSetter interface {
	SetPassword(ctx context.Context, username, password string) error
}

// Provisioner is implemented by backends that create a record for a principal
// the broker has not seen before, on that principal's first successful login.
type Provisioner interface {
	Provision(ctx context.Context, login LoginIdentity) (*UserRecord, error)
}

// RetryLedgerStore persists failed-attempt counters. Every method must be atomic
// per username: two concurrent IncrementAndGet calls never observe the same value.
type RetryLedgerStore interface {
	IncrementAndGet(ctx context.Context, username string) (int, error)
	Reset(ctx context.Context, username string) error
	Get(ctx context.Context, username string) (int, error)
}

// ErrUserNotFound is returned by mutating adapter methods when the username
// does not exist in that backend. Lookups report absence as (nil, nil) instead.
var ErrUserNotFound = errors.New("user not found")
