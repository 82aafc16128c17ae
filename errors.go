package hmppsauth

import (
	"errors"

	"github.com/emileswarts/hmppsauth/identity"
)

var (
	// ErrMissingCredentials is returned when a username or password is blank.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrAuthenticationFailed covers unknown users and wrong passwords alike.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAccountLocked covers locked and disabled accounts.
	ErrAccountLocked = errors.New("account locked")
	// ErrMfaRequired means the password was right and a second factor is needed.
	ErrMfaRequired = errors.New("mfa required")
	// ErrMfaUnavailable means a second factor is needed and the user has no
	// verified destination to receive it.
	ErrMfaUnavailable = errors.New("mfa unavailable")
	// ErrEmailMismatch is returned when a record's email does not match the one
	// it is being bound or resolved to.
	ErrEmailMismatch = errors.New("email mismatch")

	ErrTokenInvalid   = errors.New("verification token invalid")
	ErrTokenExpired   = errors.New("verification token expired")
	ErrTokenWrongUser = errors.New("verification token belongs to another user")

	// ErrBackendUnavailable is the sentinel every adapter wraps. It is never
	// equivalent to not-found.
	ErrBackendUnavailable = identity.ErrBackendUnavailable
	ErrUserNotFound       = identity.ErrUserNotFound

	ErrDeliveryFailed           = errors.New("notification delivery failed")
	ErrPasswordResetUnsupported = errors.New("password reset not supported for this account source")
	ErrEngineNotReady           = errors.New("engine not initialized")
)

// StateErr maps a terminal attempt state to its sentinel, for callers that
// prefer errors.Is over switching on the state. Authenticated maps to nil.
func StateErr(state AttemptState) error {
	switch state {
	case StateAuthenticated:
		return nil
	case StateAuthenticationFailed:
		return ErrAuthenticationFailed
	case StateAccountLocked:
		return ErrAccountLocked
	case StateMfaRequired:
		return ErrMfaRequired
	case StateMfaUnavailable:
		return ErrMfaUnavailable
	case StateMissingCredentials:
		return ErrMissingCredentials
	default:
		return ErrEngineNotReady
	}
}

// Token reason codes returned by [TokenReason].
const (
	TokenReasonInvalid   = "invalid"
	TokenReasonExpired   = "expired"
	TokenReasonWrongUser = "wrong-user"
)

// TokenReason returns the coarse reason code for a token error, or "" when err
// is not one.
func TokenReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return TokenReasonExpired
	case errors.Is(err, ErrTokenWrongUser):
		return TokenReasonWrongUser
	case errors.Is(err, ErrTokenInvalid):
		return TokenReasonInvalid
	default:
		return ""
	}
}
