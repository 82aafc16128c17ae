package flows

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/emileswarts/hmppsauth/identity"
	"go.uber.org/zap"
)

// AttemptState is the terminal state of one authentication attempt.
type AttemptState uint8

const (
	StateAuthenticated AttemptState = iota + 1
	StateAuthenticationFailed
	StateAccountLocked
	StateMfaRequired
	StateMfaUnavailable
	StateMissingCredentials
)

func (s AttemptState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAuthenticationFailed:
		return "authentication-failed"
	case StateAccountLocked:
		return "account-locked"
	case StateMfaRequired:
		return "mfa-required"
	case StateMfaUnavailable:
		return "mfa-unavailable"
	case StateMissingCredentials:
		return "missing-credentials"
	default:
		return "unknown"
	}
}

// Coarse reason codes, safe to show to the end user.
const (
	ReasonLocked   = "locked"
	ReasonDisabled = "disabled"
	ReasonExpired  = "expired"
)

type AttemptResult struct {
	State          AttemptState
	User           *identity.UserRecord
	MFAPreference  identity.MFAPreference
	MFADestination string
	Reason         string
}

type AuthenticateInput struct {
	Username  string
	Password  string
	ClientID  string
	Origin    string
	MFAMode   MFAMode
	MFAPassed bool
	// API selects the higher lockout threshold used for non-interactive logins.
	API bool
}

type AuthenticateMetrics struct {
	Success            int
	Failure            int
	MissingCredentials int
	BackendUnavailable int
	Locked             int
	Lockout            int
	MFARequired        int
	MFAUnavailable     int
}

type AuthenticateEvents struct {
	Attempt string
	Lockout string
}

type AuthenticateErrors struct {
	EngineNotReady     error
	UserNotFound       error
	BackendUnavailable error
}

// AuthenticateDeps wires the attempt coordinator.
type AuthenticateDeps struct {
	Threshold    int
	APIThreshold int

	Resolve       func(ctx context.Context, username string) (*identity.UserRecord, error)
	Authenticator func(identity.AuthSource) identity.Authenticator
	Updater       func(identity.AuthSource) identity.RecordUpdater
	Ledger        identity.RetryLedgerStore

	ClientMFAMode func(clientID string) MFAMode
	Outside       func(origin string) bool
	MFAOverride   func(clientID string, user identity.UserRecord) bool

	Observer
	Metrics AuthenticateMetrics
	Events  AuthenticateEvents
	Errors  AuthenticateErrors
}

// RunAuthenticate drives one login attempt to a terminal state.
//
// Expected outcomes come back as an AttemptResult with a nil error. The error
// is non-nil only when a backend, the ledger or ctx failed; in that case no
// counter or record has been changed by this attempt.
func RunAuthenticate(ctx context.Context, in AuthenticateInput, deps AuthenticateDeps) (*AttemptResult, error) {
	deps.Observer.normalize()
	if deps.Resolve == nil || deps.Authenticator == nil || deps.Ledger == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if deps.Updater == nil {
		deps.Updater = func(identity.AuthSource) identity.RecordUpdater { return nil }
	}

	username := identity.NormalizeUsername(in.Username)
	if username == "" || strings.TrimSpace(in.Password) == "" {
		return deps.finish(ctx, in, &AttemptResult{State: StateMissingCredentials}, "", deps.Metrics.MissingCredentials), nil
	}

	lock := Lockout{Threshold: deps.Threshold, Ledger: deps.Ledger, Updater: deps.Updater, Logger: deps.Logger}
	if in.API {
		lock.Threshold = deps.APIThreshold
	}

	user, err := deps.Resolve(ctx, username)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			return deps.finish(ctx, in, &AttemptResult{State: StateAuthenticationFailed}, username, deps.Metrics.Failure), nil
		}
		return nil, deps.fail(ctx, in, username, err)
	}
	source := user.Source.String()

	reason, err := lock.Check(ctx, user)
	if err != nil {
		return nil, deps.fail(ctx, in, username, err)
	}
	if reason != "" {
		return deps.finish(ctx, in, &AttemptResult{State: StateAccountLocked, Reason: reason}, source, deps.Metrics.Locked), nil
	}

	authenticator := deps.Authenticator(user.Source)
	if authenticator == nil {
		deps.Logger.Debug("no credential owner for source", zap.String("source", source))
		return deps.finish(ctx, in, &AttemptResult{State: StateAuthenticationFailed}, source, deps.Metrics.Failure), nil
	}

	ok, err := authenticator.Authenticate(ctx, user.Username, in.Password)
	if err != nil {
		return nil, deps.fail(ctx, in, username, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !ok {
		return deps.recordFailure(ctx, in, user, lock)
	}

	if err := deps.Ledger.Reset(ctx, user.Username); err != nil {
		return nil, deps.fail(ctx, in, username, err)
	}

	if user.CredentialsExpired {
		return deps.finish(ctx, in, &AttemptResult{State: StateAuthenticationFailed, User: user, Reason: ReasonExpired}, source, deps.Metrics.Failure), nil
	}

	if updater := deps.Updater(user.Source); updater != nil {
		if err := updater.RecordLogin(ctx, user.Username, deps.Now(), nil); err != nil {
			deps.Logger.Warn("record login failed", zap.String("username", user.Username), zap.String("source", source), zap.Error(err))
		}
	}

	return deps.evaluateMFA(ctx, in, user), nil
}

func (deps AuthenticateDeps) recordFailure(ctx context.Context, in AuthenticateInput, user *identity.UserRecord, lock Lockout) (*AttemptResult, error) {
	source := user.Source.String()
	count, locked, err := lock.Fail(ctx, user)
	if err != nil {
		return nil, deps.fail(ctx, in, user.Username, err)
	}
	if !locked {
		return deps.finish(ctx, in, &AttemptResult{State: StateAuthenticationFailed}, source, deps.Metrics.Failure), nil
	}

	deps.MetricInc(deps.Metrics.Lockout)
	deps.EmitAudit(ctx, deps.Events.Lockout, true, user.Username, source, ReasonLocked, nil, func() map[string]string {
		return map[string]string{"failures": strconv.Itoa(count), "threshold": strconv.Itoa(lock.threshold())}
	})
	return deps.finish(ctx, in, &AttemptResult{State: StateAccountLocked, Reason: ReasonLocked}, source, deps.Metrics.Locked), nil
}

func (deps AuthenticateDeps) evaluateMFA(ctx context.Context, in AuthenticateInput, user *identity.UserRecord) *AttemptResult {
	mode := in.MFAMode
	if mode == "" && deps.ClientMFAMode != nil {
		mode = deps.ClientMFAMode(in.ClientID)
	}
	outside := true
	if deps.Outside != nil {
		outside = deps.Outside(in.Origin)
	}
	exempt := deps.MFAOverride != nil && deps.MFAOverride(in.ClientID, *user)

	decision := EvaluateMFA(MFAInput{
		Mode:                   mode,
		OutsideApprovedNetwork: outside,
		Source:                 user.Source,
		Passed:                 in.MFAPassed,
		Exempt:                 exempt,
	})
	source := user.Source.String()
	if !decision.Required {
		return deps.finish(ctx, in, &AttemptResult{State: StateAuthenticated, User: user}, source, deps.Metrics.Success)
	}

	pref, dest, ok := SelectMFADestination(*user)
	if !ok {
		return deps.finish(ctx, in, &AttemptResult{State: StateMfaUnavailable, User: user}, source, deps.Metrics.MFAUnavailable)
	}
	return deps.finish(ctx, in, &AttemptResult{
		State:          StateMfaRequired,
		User:           user,
		MFAPreference:  pref,
		MFADestination: dest,
	}, source, deps.Metrics.MFARequired)
}

func (deps AuthenticateDeps) finish(ctx context.Context, in AuthenticateInput, res *AttemptResult, source string, metric int) *AttemptResult {
	deps.MetricInc(metric)
	username := identity.NormalizeUsername(in.Username)
	success := res.State == StateAuthenticated || res.State == StateMfaRequired
	deps.EmitAudit(ctx, deps.Events.Attempt, success, username, source, res.Reason, nil, func() map[string]string {
		return map[string]string{
			"state":     res.State.String(),
			"client_id": in.ClientID,
			"origin":    in.Origin,
		}
	})
	deps.Logger.Debug("authentication attempt",
		zap.String("username", username),
		zap.String("source", source),
		zap.Stringer("state", res.State),
		zap.String("reason", res.Reason))
	return res
}

func (deps AuthenticateDeps) fail(ctx context.Context, in AuthenticateInput, username string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	deps.MetricInc(deps.Metrics.BackendUnavailable)
	deps.EmitAudit(ctx, deps.Events.Attempt, false, username, "", "", err, func() map[string]string {
		return map[string]string{"client_id": in.ClientID}
	})
	deps.Logger.Warn("authentication backend failure", zap.String("username", username), zap.Error(err))
	if deps.Errors.BackendUnavailable != nil && !errors.Is(err, deps.Errors.BackendUnavailable) {
		return errors.Join(deps.Errors.BackendUnavailable, err)
	}
	return err
}
