package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/identity"
	internalaudit "github.com/emileswarts/hmppsauth/internal/audit"
	"github.com/emileswarts/hmppsauth/internal/flows"
	internalmetrics "github.com/emileswarts/hmppsauth/internal/metrics"
	"github.com/emileswarts/hmppsauth/verify"
)

// Record and backend types, re-exported so callers only import this package
// for day-to-day use.
type (
	UserRecord    = identity.UserRecord
	LoginIdentity = identity.LoginIdentity
	AuthSource    = identity.AuthSource
	MFAPreference = identity.MFAPreference
	Provider      = identity.Provider
	RetryLedger   = identity.RetryLedgerStore

	TokenType         = verify.Type
	VerificationToken = verify.Token
	TokenStore        = verify.Store
)

// Token types.
const (
	TokenPasswordReset = verify.PasswordReset
	TokenEmailVerify   = verify.EmailVerify
	TokenMFAChallenge  = verify.MFAChallenge
	TokenMFACode       = verify.MFACode
	TokenAccountChange = verify.AccountChange
)

// MFAMode is a client's MFA policy: none, untrusted-network or all.
type MFAMode = flows.MFAMode

const (
	MFAModeNone             = flows.MFAModeNone
	MFAModeUntrustedNetwork = flows.MFAModeUntrustedNetwork
	MFAModeAll              = flows.MFAModeAll
)

// AttemptState is the terminal state of an [Engine.Authenticate] call.
type AttemptState = flows.AttemptState

const (
	StateAuthenticated        = flows.StateAuthenticated
	StateAuthenticationFailed = flows.StateAuthenticationFailed
	StateAccountLocked        = flows.StateAccountLocked
	StateMfaRequired          = flows.StateMfaRequired
	StateMfaUnavailable       = flows.StateMfaUnavailable
	StateMissingCredentials   = flows.StateMissingCredentials
)

// Reason codes carried by [AttemptResult]. They are coarse on purpose and safe
// to show to the person logging in.
const (
	ReasonLocked   = flows.ReasonLocked
	ReasonDisabled = flows.ReasonDisabled
	ReasonExpired  = flows.ReasonExpired
)

// AttemptResult is the outcome of one authentication attempt. User is set for
// Authenticated, MfaRequired and MfaUnavailable, and for an expired password.
type AttemptResult = flows.AttemptResult

// MFAChallenge is returned by [Engine.IssueMFAChallenge].
type MFAChallenge = flows.MFAChallenge

// Notification is handed to the [Notifier]. Data never contains anything but
// template fields: a code, a link token, a first name.
type Notification = flows.Notification

const (
	ChannelEmail = flows.ChannelEmail
	ChannelText  = flows.ChannelText
)

// AuthContext selects which lockout threshold an attempt is counted against.
type AuthContext string

const (
	ContextInteractive AuthContext = "interactive"
	ContextAPI         AuthContext = "api"
)

// AuthenticateRequest is the input to [Engine.Authenticate].
//
// MFAMode, when set, overrides the per-client table in [MFAConfig]. Origin is
// the caller's IP address and is compared against the approved networks.
type AuthenticateRequest struct {
	Username  string
	Password  string
	ClientID  string
	MFAMode   MFAMode
	Origin    string
	MFAPassed bool
	Context   AuthContext
}

// DiscoverOptions narrows [Engine.DiscoverAccounts]. Empty slices mean no
// filter.
type DiscoverOptions struct {
	Roles   []string
	Sources []AuthSource
}

// Notifier delivers codes and links. Delivery is outside the engine; a failed
// Send surfaces as [ErrDeliveryFailed].
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// MFAOverride exempts a login from MFA for a given client. It runs before the
// client's mode is consulted.
type MFAOverride func(clientID string, user UserRecord) bool

// ClientExemptUnlessRole exempts clientID from MFA unless the user holds role.
// This keeps a legacy client usable without a second factor while users who
// have been migrated onto MFA, marked by role, are still challenged.
func ClientExemptUnlessRole(clientID, role string) MFAOverride {
	return func(id string, user UserRecord) bool {
		return id == clientID && !user.HasAnyRole(role)
	}
}

// Audit types.
type (
	AuditEvent     = internalaudit.Event
	AuditSink      = internalaudit.Sink
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	MultiSink      = internalaudit.MultiSink
	ZapSink        = internalaudit.ZapSink
)

var (
	NewChannelSink    = internalaudit.NewChannelSink
	NewJSONWriterSink = internalaudit.NewJSONWriterSink
	NewZapSink        = internalaudit.NewZapSink
)

// MetricID identifies one engine counter or histogram.
type MetricID = internalmetrics.MetricID

const (
	MetricAuthSuccess              = internalmetrics.MetricAuthSuccess
	MetricAuthFailure              = internalmetrics.MetricAuthFailure
	MetricAuthMissingCredentials   = internalmetrics.MetricAuthMissingCredentials
	MetricAuthBackendUnavailable   = internalmetrics.MetricAuthBackendUnavailable
	MetricAccountLocked            = internalmetrics.MetricAccountLocked
	MetricAccountLockout           = internalmetrics.MetricAccountLockout
	MetricAccountUnlocked          = internalmetrics.MetricAccountUnlocked
	MetricMFARequired              = internalmetrics.MetricMFARequired
	MetricMFAUnavailable           = internalmetrics.MetricMFAUnavailable
	MetricMFAChallengeIssued       = internalmetrics.MetricMFAChallengeIssued
	MetricMFACodeVerified          = internalmetrics.MetricMFACodeVerified
	MetricMFACodeRejected          = internalmetrics.MetricMFACodeRejected
	MetricTokenCreated             = internalmetrics.MetricTokenCreated
	MetricTokenReused              = internalmetrics.MetricTokenReused
	MetricTokenConsumed            = internalmetrics.MetricTokenConsumed
	MetricTokenInvalid             = internalmetrics.MetricTokenInvalid
	MetricTokenExpired             = internalmetrics.MetricTokenExpired
	MetricTokenWrongUser           = internalmetrics.MetricTokenWrongUser
	MetricPasswordResetRequest     = internalmetrics.MetricPasswordResetRequest
	MetricPasswordResetConfirm     = internalmetrics.MetricPasswordResetConfirm
	MetricEmailVerificationRequest = internalmetrics.MetricEmailVerificationRequest
	MetricEmailVerificationConfirm = internalmetrics.MetricEmailVerificationConfirm
	MetricAccountChangeRequest     = internalmetrics.MetricAccountChangeRequest
	MetricAccountChangeConfirm     = internalmetrics.MetricAccountChangeConfirm
	MetricNotificationFailure      = internalmetrics.MetricNotificationFailure
	MetricDiscoveryRequest         = internalmetrics.MetricDiscoveryRequest
	MetricDiscoveryBackendFailure  = internalmetrics.MetricDiscoveryBackendFailure
	MetricAuthenticateLatency      = internalmetrics.MetricAuthenticateLatency

	metricIDCount = internalmetrics.MetricIDCount
)

// Metrics holds atomic counters and the optional authenticate latency
// histogram.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a [Metrics]. When Enabled is false every write is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
