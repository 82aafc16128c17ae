package hmppsauth

import (
	"context"
	"errors"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/internal"
	internalaudit "github.com/emileswarts/hmppsauth/internal/audit"
	"github.com/emileswarts/hmppsauth/internal/flows"
	"github.com/emileswarts/hmppsauth/verify"
	"go.uber.org/zap"
)

// Engine resolves, authenticates and verifies staff identities across the
// configured backends. It keeps no per-user state of its own: counters live in
// the retry ledger and tokens in the token store, so any number of engines may
// share them.
//
// Engine is safe for concurrent use once built.
type Engine struct {
	config      Config
	providers   map[identity.AuthSource]identity.Provider
	ordered     []identity.Provider
	precedence  []identity.AuthSource
	ledger      identity.RetryLedgerStore
	tokens      TokenStore
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
	networks    flows.ApprovedNetworks
	defaultMode MFAMode
	clientModes map[string]MFAMode
	mfaOverride MFAOverride
	audit       *internalaudit.Dispatcher
	metrics     *Metrics
	deps        flows.Deps
}

// Close stops the audit dispatcher after draining queued events. It does not
// close providers or stores; their owner does.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
CAPABILITIES
====================================
*/

func (e *Engine) authenticator(source identity.AuthSource) identity.Authenticator {
	a, _ := e.providers[source].(identity.Authenticator)
	return a
}

func (e *Engine) updater(source identity.AuthSource) identity.RecordUpdater {
	u, _ := e.providers[source].(identity.RecordUpdater)
	return u
}

func (e *Engine) emailVerifier(source identity.AuthSource) identity.EmailVerifier {
	v, _ := e.providers[source].(identity.EmailVerifier)
	return v
}

func (e *Engine) passwordSetter(source identity.AuthSource) identity.PasswordSetter {
	s, _ := e.providers[source].(identity.PasswordSetter)
	return s
}

func (e *Engine) clientMFAMode(clientID string) MFAMode {
	if mode, ok := e.clientModes[clientID]; ok {
		return mode
	}
	return e.defaultMode
}

/*
====================================
FLOW WIRING
====================================
*/

func (e *Engine) buildDeps() flows.Deps {
	obs := flows.Observer{
		Now:       e.now,
		Logger:    e.logger,
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAudit,
	}

	resolve := flows.ResolveDeps{
		Providers:  e.providers,
		Precedence: e.precedence,
		Errors: flows.ResolveErrors{
			UserNotFound:       ErrUserNotFound,
			EmailMismatch:      ErrEmailMismatch,
			BackendUnavailable: ErrBackendUnavailable,
		},
	}
	resolveFn := func(ctx context.Context, username string) (*identity.UserRecord, error) {
		return flows.RunResolveMasterRecord(ctx, username, nil, resolve)
	}

	digits := e.config.Tokens.CodeDigits
	tokens := flows.TokenDeps{
		Store: e.tokens,
		Windows: map[verify.Type]time.Duration{
			verify.PasswordReset: e.config.Tokens.PasswordReset,
			verify.EmailVerify:   e.config.Tokens.EmailVerify,
			verify.AccountChange: e.config.Tokens.AccountChange,
			verify.MFAChallenge:  e.config.Tokens.MFAChallenge,
			verify.MFACode:       e.config.Tokens.MFACode,
		},
		NewLinkID: internal.NewLinkTokenID,
		NewCode:   func() (string, error) { return internal.NewOTP(digits) },
		Observer:  obs,
		Metrics: flows.TokenMetrics{
			Created:   int(MetricTokenCreated),
			Reused:    int(MetricTokenReused),
			Consumed:  int(MetricTokenConsumed),
			Invalid:   int(MetricTokenInvalid),
			Expired:   int(MetricTokenExpired),
			WrongUser: int(MetricTokenWrongUser),
		},
		Errors: flows.TokenErrors{
			EngineNotReady: ErrEngineNotReady,
			Invalid:        ErrTokenInvalid,
			Expired:        ErrTokenExpired,
			WrongUser:      ErrTokenWrongUser,
		},
	}

	var notify func(context.Context, flows.Notification) error
	if e.notifier != nil {
		notify = e.notifier.Send
	}

	return flows.Deps{
		Resolve: resolve,
		Authenticate: flows.AuthenticateDeps{
			Threshold:     e.config.Retry.Threshold,
			APIThreshold:  e.config.Retry.APIThreshold,
			Resolve:       resolveFn,
			Authenticator: e.authenticator,
			Updater:       e.updater,
			Ledger:        e.ledger,
			ClientMFAMode: e.clientMFAMode,
			Outside:       e.networks.Outside,
			MFAOverride:   e.mfaOverride,
			Observer:      obs,
			Metrics: flows.AuthenticateMetrics{
				Success:            int(MetricAuthSuccess),
				Failure:            int(MetricAuthFailure),
				MissingCredentials: int(MetricAuthMissingCredentials),
				BackendUnavailable: int(MetricAuthBackendUnavailable),
				Locked:             int(MetricAccountLocked),
				Lockout:            int(MetricAccountLockout),
				MFARequired:        int(MetricMFARequired),
				MFAUnavailable:     int(MetricMFAUnavailable),
			},
			Events: flows.AuthenticateEvents{
				Attempt: auditEventAuthenticationAttempt,
				Lockout: auditEventAccountLockout,
			},
			Errors: flows.AuthenticateErrors{
				EngineNotReady:     ErrEngineNotReady,
				UserNotFound:       ErrUserNotFound,
				BackendUnavailable: ErrBackendUnavailable,
			},
		},
		Tokens: tokens,
		Verification: flows.VerificationDeps{
			Tokens:         tokens,
			Resolve:        resolveFn,
			Updater:        e.updater,
			EmailVerifier:  e.emailVerifier,
			PasswordSetter: e.passwordSetter,
			Ledger:         e.ledger,
			Threshold:      e.config.Retry.Threshold,
			Notify:         notify,
			Templates: flows.Templates{
				MFACodeEmail:          e.config.Templates.MFACodeEmail,
				MFACodeText:           e.config.Templates.MFACodeText,
				MFACodeSecondaryEmail: e.config.Templates.MFACodeSecondaryEmail,
				PasswordReset:         e.config.Templates.PasswordReset,
				EmailVerify:           e.config.Templates.EmailVerify,
				AccountChange:         e.config.Templates.AccountChange,
			},
			Observer: obs,
			Metrics: flows.VerificationMetrics{
				MFAChallengeIssued:       int(MetricMFAChallengeIssued),
				MFACodeVerified:          int(MetricMFACodeVerified),
				MFACodeRejected:          int(MetricMFACodeRejected),
				Lockout:                  int(MetricAccountLockout),
				PasswordResetRequest:     int(MetricPasswordResetRequest),
				PasswordResetConfirm:     int(MetricPasswordResetConfirm),
				EmailVerificationRequest: int(MetricEmailVerificationRequest),
				EmailVerificationConfirm: int(MetricEmailVerificationConfirm),
				AccountChangeRequest:     int(MetricAccountChangeRequest),
				AccountChangeConfirm:     int(MetricAccountChangeConfirm),
				NotificationFailure:      int(MetricNotificationFailure),
			},
			Events: flows.VerificationEvents{
				MFAChallenge:      auditEventMFAChallenge,
				MFAVerify:         auditEventMFAVerify,
				Lockout:           auditEventAccountLockout,
				PasswordReset:     auditEventPasswordReset,
				EmailVerification: auditEventEmailVerification,
				AccountChange:     auditEventAccountChange,
			},
			Errors: flows.VerificationErrors{
				EngineNotReady:           ErrEngineNotReady,
				UserNotFound:             ErrUserNotFound,
				MissingCredentials:       ErrMissingCredentials,
				MfaUnavailable:           ErrMfaUnavailable,
				AccountLocked:            ErrAccountLocked,
				EmailMismatch:            ErrEmailMismatch,
				DeliveryFailed:           ErrDeliveryFailed,
				PasswordResetUnsupported: ErrPasswordResetUnsupported,
			},
		},
		Discover: flows.DiscoverDeps{
			Providers:      e.ordered,
			BackendTimeout: e.config.Discovery.BackendTimeout,
			Concurrency:    e.config.Discovery.Concurrency,
			Observer:       obs,
			Metrics: flows.DiscoverMetrics{
				Request:        int(MetricDiscoveryRequest),
				BackendFailure: int(MetricDiscoveryBackendFailure),
			},
			Errors: flows.DiscoverErrors{BackendUnavailable: ErrBackendUnavailable},
		},
	}
}

/*
====================================
RESOLUTION
====================================
*/

// ResolveMasterRecord returns the authoritative record for username, walking
// the backends in the configured precedence. A local record wins outright only
// when marked master. Usernames containing '@' are resolved as email logins
// against the local store.
//
// Returns ErrUserNotFound when no backend knows the user and
// ErrBackendUnavailable when one could not be asked.
func (e *Engine) ResolveMasterRecord(ctx context.Context, username string) (*UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunResolveMasterRecord(ctx, username, nil, e.deps.Resolve)
}

// ResolveMasterRecordForLogin is ResolveMasterRecord restricted to records
// whose primary email equals the login identity's verified email. A record
// carrying any other email yields ErrEmailMismatch.
func (e *Engine) ResolveMasterRecordForLogin(ctx context.Context, username string, login LoginIdentity) (*UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunResolveMasterRecord(ctx, username, &login, e.deps.Resolve)
}

/*
====================================
AUTHENTICATION
====================================
*/

// Authenticate runs one login attempt to a terminal [AttemptState].
//
// Expected outcomes, including wrong passwords and locked accounts, come back
// in the result with a nil error. A non-nil error means a backend, the ledger
// or ctx failed, and nothing was changed by this attempt.
func (e *Engine) Authenticate(ctx context.Context, req AuthenticateRequest) (*AttemptResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}

	res, err := flows.RunAuthenticate(ctx, flows.AuthenticateInput{
		Username:  req.Username,
		Password:  req.Password,
		ClientID:  req.ClientID,
		Origin:    req.Origin,
		MFAMode:   req.MFAMode,
		MFAPassed: req.MFAPassed,
		API:       req.Context == ContextAPI,
	}, e.deps.Authenticate)

	if !start.IsZero() {
		e.metrics.Observe(MetricAuthenticateLatency, time.Since(start))
	}
	return res, err
}

// CompleteFederatedLogin finishes a login that a federated directory has
// already authenticated. It resolves the master record constrained to the
// directory's verified email, provisioning a record on first sight when the
// login's source supports it. Disabled accounts and accounts locked by flag or
// by the retry ledger are refused; otherwise the failure counter is cleared
// and the stored record refreshed from the login identity.
func (e *Engine) CompleteFederatedLogin(ctx context.Context, login LoginIdentity) (*UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	user, err := flows.RunResolveMasterRecord(ctx, login.Username, &login, e.deps.Resolve)
	if errors.Is(err, ErrUserNotFound) {
		user, err = e.provision(ctx, login)
	}
	if err != nil {
		e.emitAudit(ctx, auditEventFederatedLogin, false, identity.NormalizeUsername(login.Username), login.Source.String(), "", err, nil)
		return nil, err
	}
	source := user.Source.String()

	lock := flows.Lockout{Threshold: e.config.Retry.Threshold, Ledger: e.ledger, Updater: e.updater, Logger: e.logger}
	reason, err := lock.Check(ctx, user)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventFederatedLogin, false, user.Username, source, reason, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.ledger.Reset(ctx, user.Username); err != nil {
		return nil, err
	}
	if u := e.updater(user.Source); u != nil {
		if err := u.RecordLogin(ctx, user.Username, e.now(), &login); err != nil {
			e.logger.Warn("record login failed", zap.String("username", user.Username), zap.String("source", source), zap.Error(err))
		}
	}

	e.metricInc(MetricAuthSuccess)
	e.emitAudit(ctx, auditEventFederatedLogin, true, user.Username, source, "", nil, nil)
	return user, nil
}

// provision creates the record for a directory principal seen for the first
// time. Only logins with a verified email and a source that can store records
// are provisioned; everyone else stays not found.
func (e *Engine) provision(ctx context.Context, login LoginIdentity) (*UserRecord, error) {
	p, _ := e.providers[login.Source].(identity.Provisioner)
	if p == nil || !login.EmailVerified || identity.NormalizeEmail(login.Email) == "" {
		return nil, ErrUserNotFound
	}
	user, err := p.Provision(ctx, login)
	if err != nil {
		return nil, err
	}
	e.logger.Info("provisioned federated user", zap.String("username", user.Username), zap.String("source", user.Source.String()))
	return user, nil
}

// UnlockAccount clears the failure counter and the locked flag of username's
// master record. Sources without a lock flag are unlocked by the counter alone.
func (e *Engine) UnlockAccount(ctx context.Context, username string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	user, err := flows.RunResolveMasterRecord(ctx, username, nil, e.deps.Resolve)
	if err != nil {
		return err
	}
	if err := e.ledger.Reset(ctx, user.Username); err != nil {
		return err
	}
	if u := e.updater(user.Source); u != nil {
		if err := u.SetLocked(ctx, user.Username, false); err != nil {
			return err
		}
	}

	e.metricInc(MetricAccountUnlocked)
	e.emitAudit(ctx, auditEventAccountUnlock, true, user.Username, user.Source.String(), "", nil, nil)
	e.logger.Info("account unlocked", zap.String("username", user.Username), zap.String("source", user.Source.String()))
	return nil
}

/*
====================================
DISCOVERY
====================================
*/

// DiscoverAccounts lists the enabled accounts registered to email across the
// configured backends, queried concurrently under a per-backend timeout.
// Backends that fail or time out are logged and skipped; ErrBackendUnavailable
// is returned only when all of them fail. The order of results is undefined.
func (e *Engine) DiscoverAccounts(ctx context.Context, email string, opts DiscoverOptions) ([]UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunDiscoverAccounts(ctx, email, flows.DiscoverFilter{
		Roles:   opts.Roles,
		Sources: opts.Sources,
	}, e.deps.Discover)
}
