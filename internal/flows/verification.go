package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/verify"
	"go.uber.org/zap"
)

// Notification is one message handed to the notifier.
type Notification struct {
	Destination string
	Channel     string
	TemplateID  string
	Data        map[string]string
}

// Channels a notification can go out on.
const (
	ChannelEmail = "email"
	ChannelText  = "text"
)

type Templates struct {
	MFACodeEmail          string
	MFACodeText           string
	MFACodeSecondaryEmail string
	PasswordReset         string
	EmailVerify           string
	AccountChange         string
}

// MFAChallenge is returned when a code has been issued.
type MFAChallenge struct {
	ChallengeToken string
	Destination    string
	Preference     identity.MFAPreference
}

type VerificationMetrics struct {
	MFAChallengeIssued       int
	MFACodeVerified          int
	MFACodeRejected          int
	Lockout                  int
	PasswordResetRequest     int
	PasswordResetConfirm     int
	EmailVerificationRequest int
	EmailVerificationConfirm int
	AccountChangeRequest     int
	AccountChangeConfirm     int
	NotificationFailure      int
}

type VerificationEvents struct {
	MFAChallenge      string
	MFAVerify         string
	Lockout           string
	PasswordReset     string
	EmailVerification string
	AccountChange     string
}

type VerificationErrors struct {
	EngineNotReady           error
	UserNotFound             error
	MissingCredentials       error
	MfaUnavailable           error
	AccountLocked            error
	EmailMismatch            error
	DeliveryFailed           error
	PasswordResetUnsupported error
}

// VerificationDeps wires the flows built on top of the token engine.
type VerificationDeps struct {
	Tokens         TokenDeps
	Resolve        func(ctx context.Context, username string) (*identity.UserRecord, error)
	Updater        func(identity.AuthSource) identity.RecordUpdater
	EmailVerifier  func(identity.AuthSource) identity.EmailVerifier
	PasswordSetter func(identity.AuthSource) identity.PasswordSetter
	Ledger         identity.RetryLedgerStore
	Notify         func(ctx context.Context, n Notification) error
	// Threshold is the failure count, wrong MFA codes and passwords alike,
	// that locks the account.
	Threshold int
	Templates Templates

	Observer
	Metrics VerificationMetrics
	Events  VerificationEvents
	Errors  VerificationErrors
}

func (deps *VerificationDeps) normalize() error {
	deps.Observer.normalize()
	if deps.Tokens.Observer.Now == nil {
		deps.Tokens.Observer = deps.Observer
	}
	if deps.Updater == nil {
		deps.Updater = func(identity.AuthSource) identity.RecordUpdater { return nil }
	}
	if deps.EmailVerifier == nil {
		deps.EmailVerifier = func(identity.AuthSource) identity.EmailVerifier { return nil }
	}
	if deps.PasswordSetter == nil {
		deps.PasswordSetter = func(identity.AuthSource) identity.PasswordSetter { return nil }
	}
	if deps.Resolve == nil || deps.Notify == nil || deps.Ledger == nil {
		return deps.Errors.EngineNotReady
	}
	return nil
}

// send delivers n. State committed before the call stays committed when it
// fails; the caller gets DeliveryFailed.
func (deps VerificationDeps) send(ctx context.Context, n Notification) error {
	if err := deps.Notify(ctx, n); err != nil {
		deps.MetricInc(deps.Metrics.NotificationFailure)
		deps.Logger.Warn("notification not delivered", zap.String("template", n.TemplateID), zap.String("channel", n.Channel), zap.Error(err))
		return fmt.Errorf("%w: %v", deps.Errors.DeliveryFailed, err)
	}
	return nil
}

// RunIssueMFAChallenge issues an mfa-challenge token and an mfa-code for the
// user and sends the code to their MFA destination.
func RunIssueMFAChallenge(ctx context.Context, username string, deps VerificationDeps) (*MFAChallenge, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	user, err := deps.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	pref, dest, ok := SelectMFADestination(*user)
	if !ok {
		return nil, deps.Errors.MfaUnavailable
	}

	challenge, err := RunCreateToken(ctx, verify.MFAChallenge, user.Username, deps.Tokens)
	if err != nil {
		return nil, err
	}
	code, err := RunCreateToken(ctx, verify.MFACode, user.Username, deps.Tokens)
	if err != nil {
		return nil, err
	}
	deps.MetricInc(deps.Metrics.MFAChallengeIssued)
	deps.EmitAudit(ctx, deps.Events.MFAChallenge, true, user.Username, user.Source.String(), "", nil, func() map[string]string {
		return map[string]string{"preference": string(pref)}
	})

	result := &MFAChallenge{ChallengeToken: challenge, Destination: dest, Preference: pref}
	n := Notification{
		Destination: dest,
		Channel:     ChannelEmail,
		TemplateID:  deps.Templates.MFACodeEmail,
		Data:        map[string]string{"code": code, "firstName": user.Person.First},
	}
	switch pref {
	case identity.MFAText:
		n.Channel = ChannelText
		n.TemplateID = deps.Templates.MFACodeText
	case identity.MFASecondaryEmail:
		n.TemplateID = deps.Templates.MFACodeSecondaryEmail
	}
	if err := deps.send(ctx, n); err != nil {
		return result, err
	}
	return result, nil
}

// RunVerifyMFACode checks a code against the challenge it was issued with and
// consumes both. Wrong codes count on the owner's retry ledger; the guess that
// reaches the threshold locks the account and discards the challenge. A code
// issued to another user is rejected without touching it.
func RunVerifyMFACode(ctx context.Context, challengeToken, code string, deps VerificationDeps) (*identity.UserRecord, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	challenge, err := RunCheckToken(ctx, verify.MFAChallenge, challengeToken, deps.Tokens)
	if err != nil {
		deps.MetricInc(deps.Metrics.MFACodeRejected)
		return nil, err
	}
	user, err := deps.Resolve(ctx, challenge.Owner)
	if err != nil {
		return nil, err
	}
	source := user.Source.String()

	lock := deps.lockout()
	reason, err := lock.Check(ctx, user)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		deps.discardChallenge(ctx, challenge)
		deps.MetricInc(deps.Metrics.MFACodeRejected)
		deps.EmitAudit(ctx, deps.Events.MFAVerify, false, user.Username, source, reason, deps.Errors.AccountLocked, nil)
		return nil, deps.Errors.AccountLocked
	}

	code = strings.TrimSpace(code)
	presented, err := RunCheckToken(ctx, verify.MFACode, code, deps.Tokens)
	if err == nil && presented.Owner != challenge.Owner {
		err = deps.Tokens.Errors.Invalid
	}
	if err != nil {
		if !deps.isTokenRejection(err) {
			return nil, err
		}
		return nil, deps.rejectCode(ctx, user, challenge, lock, err)
	}

	if _, err := RunConsumeToken(ctx, verify.MFACode, code, deps.Tokens); err != nil {
		deps.MetricInc(deps.Metrics.MFACodeRejected)
		return nil, err
	}
	if _, err := RunConsumeToken(ctx, verify.MFAChallenge, challengeToken, deps.Tokens); err != nil {
		deps.MetricInc(deps.Metrics.MFACodeRejected)
		return nil, err
	}
	if err := deps.Ledger.Reset(ctx, user.Username); err != nil {
		return nil, err
	}

	deps.MetricInc(deps.Metrics.MFACodeVerified)
	deps.EmitAudit(ctx, deps.Events.MFAVerify, true, user.Username, source, "", nil, nil)
	return user, nil
}

func (deps VerificationDeps) lockout() Lockout {
	return Lockout{Threshold: deps.Threshold, Ledger: deps.Ledger, Updater: deps.Updater, Logger: deps.Logger}
}

func (deps VerificationDeps) isTokenRejection(err error) bool {
	e := deps.Tokens.Errors
	return errors.Is(err, e.Invalid) || errors.Is(err, e.Expired) || errors.Is(err, e.WrongUser)
}

// rejectCode counts a wrong code against user and returns the error to report.
func (deps VerificationDeps) rejectCode(ctx context.Context, user *identity.UserRecord, challenge *verify.Token, lock Lockout, cause error) error {
	source := user.Source.String()
	deps.MetricInc(deps.Metrics.MFACodeRejected)

	count, locked, err := lock.Fail(ctx, user)
	if err != nil {
		return err
	}
	if !locked {
		deps.EmitAudit(ctx, deps.Events.MFAVerify, false, user.Username, source, "", cause, nil)
		return cause
	}

	deps.discardChallenge(ctx, challenge)
	deps.MetricInc(deps.Metrics.Lockout)
	deps.EmitAudit(ctx, deps.Events.Lockout, true, user.Username, source, ReasonLocked, nil, func() map[string]string {
		return map[string]string{"failures": strconv.Itoa(count), "threshold": strconv.Itoa(lock.threshold()), "via": "mfa"}
	})
	deps.Logger.Info("account locked after wrong mfa codes", zap.String("username", user.Username), zap.String("source", source))
	return deps.Errors.AccountLocked
}

// discardChallenge drops the challenge and the owner's pending code.
func (deps VerificationDeps) discardChallenge(ctx context.Context, challenge *verify.Token) {
	store := deps.Tokens.Store
	if _, err := store.Delete(ctx, challenge.ID); err != nil {
		deps.Logger.Warn("mfa challenge not discarded", zap.String("owner", challenge.Owner), zap.Error(err))
	}
	code, err := store.FindByOwner(ctx, verify.MFACode, challenge.Owner)
	if err == nil && code != nil {
		_, err = store.Delete(ctx, code.ID)
	}
	if err != nil {
		deps.Logger.Warn("mfa code not discarded", zap.String("owner", challenge.Owner), zap.Error(err))
	}
}

// RunRequestPasswordReset issues a password-reset token and mails it to the
// user's verified email. Unknown, disabled or unreachable-by-email users get
// ("", nil) so the response does not reveal whether an account exists.
func RunRequestPasswordReset(ctx context.Context, usernameOrEmail string, deps VerificationDeps) (string, error) {
	if err := deps.normalize(); err != nil {
		return "", err
	}
	deps.MetricInc(deps.Metrics.PasswordResetRequest)

	user, err := deps.Resolve(ctx, usernameOrEmail)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			deps.EmitAudit(ctx, deps.Events.PasswordReset, false, identity.NormalizeUsername(usernameOrEmail), "", "unknown", nil, nil)
			return "", nil
		}
		return "", err
	}
	source := user.Source.String()
	email, ok := user.VerifiedEmail()
	if !user.Enabled || !ok {
		deps.EmitAudit(ctx, deps.Events.PasswordReset, false, user.Username, source, "unreachable", nil, nil)
		return "", nil
	}
	if deps.PasswordSetter(user.Source) == nil {
		return "", deps.Errors.PasswordResetUnsupported
	}

	id, err := RunCreateToken(ctx, verify.PasswordReset, user.Username, deps.Tokens)
	if err != nil {
		return "", err
	}
	deps.EmitAudit(ctx, deps.Events.PasswordReset, true, user.Username, source, "requested", nil, nil)

	err = deps.send(ctx, Notification{
		Destination: email,
		Channel:     ChannelEmail,
		TemplateID:  deps.Templates.PasswordReset,
		Data:        map[string]string{"token": id, "firstName": user.Person.First, "username": user.Username},
	})
	return id, err
}

// RunConfirmPasswordReset consumes the token, sets the new password on the
// owning backend, clears the retry ledger and unlocks the account.
func RunConfirmPasswordReset(ctx context.Context, token, newPassword string, deps VerificationDeps) error {
	if err := deps.normalize(); err != nil {
		return err
	}
	if strings.TrimSpace(newPassword) == "" {
		return deps.Errors.MissingCredentials
	}

	consumed, err := RunConsumeToken(ctx, verify.PasswordReset, token, deps.Tokens)
	if err != nil {
		return err
	}
	user, err := deps.Resolve(ctx, consumed.Owner)
	if err != nil {
		return err
	}
	setter := deps.PasswordSetter(user.Source)
	if setter == nil {
		return deps.Errors.PasswordResetUnsupported
	}
	if err := setter.SetPassword(ctx, user.Username, newPassword); err != nil {
		return err
	}

	if deps.Ledger != nil {
		if err := deps.Ledger.Reset(ctx, user.Username); err != nil {
			return err
		}
	}
	if updater := deps.Updater(user.Source); updater != nil && user.Locked {
		if err := updater.SetLocked(ctx, user.Username, false); err != nil {
			return err
		}
	}

	deps.MetricInc(deps.Metrics.PasswordResetConfirm)
	deps.EmitAudit(ctx, deps.Events.PasswordReset, true, user.Username, user.Source.String(), "confirmed", nil, nil)
	return nil
}

// RunRequestEmailVerification stores email as the user's new unverified
// address and sends a verification link to it.
func RunRequestEmailVerification(ctx context.Context, username, email string, deps VerificationDeps) (string, error) {
	if err := deps.normalize(); err != nil {
		return "", err
	}
	email = identity.NormalizeEmail(email)
	if email == "" || !identity.IsEmailLogin(email) {
		return "", deps.Errors.EmailMismatch
	}

	user, err := deps.Resolve(ctx, username)
	if err != nil {
		return "", err
	}
	verifier := deps.EmailVerifier(user.Source)
	if verifier == nil {
		return "", fmt.Errorf("%w: %s records do not hold editable emails", deps.Errors.EngineNotReady, user.Source)
	}

	if !identity.SameEmail(user.Email, email) || user.EmailVerified {
		if err := verifier.ChangeEmail(ctx, user.Username, email); err != nil {
			return "", err
		}
	}
	id, err := RunCreateToken(ctx, verify.EmailVerify, user.Username, deps.Tokens)
	if err != nil {
		return "", err
	}
	deps.MetricInc(deps.Metrics.EmailVerificationRequest)
	deps.EmitAudit(ctx, deps.Events.EmailVerification, true, user.Username, user.Source.String(), "requested", nil, nil)

	err = deps.send(ctx, Notification{
		Destination: email,
		Channel:     ChannelEmail,
		TemplateID:  deps.Templates.EmailVerify,
		Data:        map[string]string{"token": id, "firstName": user.Person.First},
	})
	return id, err
}

// RunConfirmEmailVerification consumes the token and marks email verified.
// email must be the address currently pending on the owner's record.
func RunConfirmEmailVerification(ctx context.Context, token, email string, deps VerificationDeps) (*identity.UserRecord, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	consumed, err := RunConsumeToken(ctx, verify.EmailVerify, token, deps.Tokens)
	if err != nil {
		return nil, err
	}
	user, err := deps.Resolve(ctx, consumed.Owner)
	if err != nil {
		return nil, err
	}
	if !identity.SameEmail(user.Email, email) {
		deps.EmitAudit(ctx, deps.Events.EmailVerification, false, user.Username, user.Source.String(), "mismatch", deps.Errors.EmailMismatch, nil)
		return nil, deps.Errors.EmailMismatch
	}
	verifier := deps.EmailVerifier(user.Source)
	if verifier == nil {
		return nil, fmt.Errorf("%w: %s records do not hold editable emails", deps.Errors.EngineNotReady, user.Source)
	}
	if err := verifier.MarkEmailVerified(ctx, user.Username, email); err != nil {
		return nil, err
	}

	user.Email = identity.NormalizeEmail(email)
	user.EmailVerified = true
	deps.MetricInc(deps.Metrics.EmailVerificationConfirm)
	deps.EmitAudit(ctx, deps.Events.EmailVerification, true, user.Username, user.Source.String(), "confirmed", nil, nil)
	return user, nil
}

// RunRequestAccountChange issues an account-change token and sends it to the
// user's verified email.
func RunRequestAccountChange(ctx context.Context, username string, deps VerificationDeps) (string, error) {
	if err := deps.normalize(); err != nil {
		return "", err
	}
	user, err := deps.Resolve(ctx, username)
	if err != nil {
		return "", err
	}
	id, err := RunCreateToken(ctx, verify.AccountChange, user.Username, deps.Tokens)
	if err != nil {
		return "", err
	}
	deps.MetricInc(deps.Metrics.AccountChangeRequest)
	deps.EmitAudit(ctx, deps.Events.AccountChange, true, user.Username, user.Source.String(), "requested", nil, nil)

	email, ok := user.VerifiedEmail()
	if !ok {
		return id, fmt.Errorf("%w: no verified email", deps.Errors.DeliveryFailed)
	}
	err = deps.send(ctx, Notification{
		Destination: email,
		Channel:     ChannelEmail,
		TemplateID:  deps.Templates.AccountChange,
		Data:        map[string]string{"token": id, "firstName": user.Person.First},
	})
	return id, err
}

// RunConfirmAccountChange consumes the token and returns its owner.
func RunConfirmAccountChange(ctx context.Context, token string, deps VerificationDeps) (string, error) {
	if err := deps.normalize(); err != nil {
		return "", err
	}
	consumed, err := RunConsumeToken(ctx, verify.AccountChange, token, deps.Tokens)
	if err != nil {
		return "", err
	}
	deps.MetricInc(deps.Metrics.AccountChangeConfirm)
	deps.EmitAudit(ctx, deps.Events.AccountChange, true, consumed.Owner, "", "confirmed", nil, nil)
	return consumed.Owner, nil
}
