package hmppsauth

import (
	"context"
	"errors"
	"maps"
)

const (
	auditEventAuthenticationAttempt = "authentication_attempt"
	auditEventAccountLockout        = "account_lockout"
	auditEventAccountUnlock         = "account_unlock"
	auditEventFederatedLogin        = "federated_login"
	auditEventMFAChallenge          = "mfa_challenge"
	auditEventMFAVerify             = "mfa_verify"
	auditEventPasswordReset         = "password_reset"
	auditEventEmailVerification     = "email_verification"
	auditEventAccountChange         = "account_change"
)

// AuditErrorCode is the coarse error classification stored on audit events.
// Raw backend errors never reach the audit trail.
type AuditErrorCode string

const (
	auditErrUserNotFound   AuditErrorCode = "user_not_found"
	auditErrAccountLocked  AuditErrorCode = "account_locked"
	auditErrEmailMismatch  AuditErrorCode = "email_mismatch"
	auditErrInvalidToken   AuditErrorCode = "invalid_token"
	auditErrExpiredToken   AuditErrorCode = "expired_token"
	auditErrWrongUserToken AuditErrorCode = "wrong_user_token"
	auditErrMFAUnavailable AuditErrorCode = "mfa_unavailable"
	auditErrDeliveryFailed AuditErrorCode = "delivery_failed"
	auditErrUnsupported    AuditErrorCode = "unsupported"
	auditErrUnavailable    AuditErrorCode = "backend_unavailable"
	auditErrCancelled      AuditErrorCode = "cancelled"
	auditErrInternal       AuditErrorCode = "internal_error"
)

// emitAudit is the audit hook handed to every flow. client_id and origin are
// lifted out of the metadata onto the event.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	username string,
	source string,
	reason string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = maps.Clone(metadataBuilder())
	}

	event := AuditEvent{
		EventType: eventType,
		Username:  username,
		Source:    source,
		Success:   success,
		Reason:    reason,
	}
	if metadata != nil {
		event.ClientID = metadata["client_id"]
		event.Origin = metadata["origin"]
		delete(metadata, "client_id")
		delete(metadata, "origin")
		if len(metadata) > 0 {
			event.Metadata = metadata
		}
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return auditErrCancelled
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrEmailMismatch):
		return auditErrEmailMismatch
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrTokenExpired):
		return auditErrExpiredToken
	case errors.Is(err, ErrTokenWrongUser):
		return auditErrWrongUserToken
	case errors.Is(err, ErrMfaUnavailable):
		return auditErrMFAUnavailable
	case errors.Is(err, ErrDeliveryFailed):
		return auditErrDeliveryFailed
	case errors.Is(err, ErrPasswordResetUnsupported):
		return auditErrUnsupported
	default:
		return auditErrInternal
	}
}
