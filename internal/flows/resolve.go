package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/emileswarts/hmppsauth/identity"
)

type ResolveErrors struct {
	UserNotFound       error
	EmailMismatch      error
	BackendUnavailable error
}

// ResolveDeps configures master-record resolution.
type ResolveDeps struct {
	Providers  map[identity.AuthSource]identity.Provider
	Precedence []identity.AuthSource
	Errors     ResolveErrors
}

// RunResolveMasterRecord walks the configured precedence and returns the first
// authoritative record for username.
//
// A local record only wins outright when it is marked Master; otherwise it is
// kept as a fallback and returned if no later backend knows the username.
// Usernames containing '@' are email logins and resolve through the local
// provider to exactly one enabled record with that verified address.
//
// With login non-nil, only records whose primary email equals the login's
// verified email are eligible. A record that exists but carries another email
// yields EmailMismatch when nothing eligible is found.
func RunResolveMasterRecord(ctx context.Context, username string, login *identity.LoginIdentity, deps ResolveDeps) (*identity.UserRecord, error) {
	if len(deps.Precedence) == 0 {
		deps.Precedence = identity.DefaultPrecedence
	}
	if identity.NormalizeUsername(username) == "" {
		return nil, deps.Errors.UserNotFound
	}
	if login != nil && (!login.EmailVerified || identity.NormalizeEmail(login.Email) == "") {
		return nil, deps.Errors.EmailMismatch
	}

	if identity.IsEmailLogin(username) {
		rec, err := resolveEmailLogin(ctx, username, deps)
		if err != nil {
			return nil, err
		}
		if login != nil && !identity.SameEmail(rec.Email, login.Email) {
			return nil, deps.Errors.EmailMismatch
		}
		return rec, nil
	}

	var (
		localFallback *identity.UserRecord
		mismatched    bool
	)
	eligible := func(rec *identity.UserRecord) bool {
		if login == nil || identity.SameEmail(rec.Email, login.Email) {
			return true
		}
		mismatched = true
		return false
	}

	for _, source := range deps.Precedence {
		provider := deps.Providers[source]
		if provider == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := provider.FindByUsername(ctx, username)
		if err != nil {
			return nil, backendError(source, err, deps.Errors.BackendUnavailable)
		}
		if rec == nil || !eligible(rec) {
			continue
		}
		if source == identity.SourceLocal && !rec.Master {
			if localFallback == nil {
				localFallback = rec
			}
			continue
		}
		return rec, nil
	}

	if localFallback != nil {
		return localFallback, nil
	}
	if mismatched {
		return nil, deps.Errors.EmailMismatch
	}
	return nil, deps.Errors.UserNotFound
}

func resolveEmailLogin(ctx context.Context, email string, deps ResolveDeps) (*identity.UserRecord, error) {
	provider := deps.Providers[identity.SourceLocal]
	if provider == nil {
		return nil, deps.Errors.UserNotFound
	}

	records, err := provider.FindByEmail(ctx, email)
	if err != nil {
		return nil, backendError(identity.SourceLocal, err, deps.Errors.BackendUnavailable)
	}

	var match *identity.UserRecord
	for i := range records {
		rec := records[i]
		if !rec.Enabled || !rec.EmailVerified || !identity.SameEmail(rec.Email, email) {
			continue
		}
		if match != nil {
			// ambiguous: the caller has to log in with a username
			return nil, deps.Errors.UserNotFound
		}
		match = &rec
	}
	if match == nil {
		return nil, deps.Errors.UserNotFound
	}
	return match, nil
}

func backendError(source identity.AuthSource, err, sentinel error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel, source, err)
}
