package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/internal/flows"
)

// RequestPasswordReset mails a reset link to the verified email of the master
// record for usernameOrEmail and returns the token id.
//
// Unknown users, disabled accounts and accounts without a verified email all
// return "" and a nil error, so callers cannot tell them apart. Accounts whose
// backend does not accept new passwords return ErrPasswordResetUnsupported.
func (e *Engine) RequestPasswordReset(ctx context.Context, usernameOrEmail string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	return flows.RunRequestPasswordReset(ctx, usernameOrEmail, e.deps.Verification)
}

// ConfirmPasswordReset consumes the reset token, stores newPassword on the
// owning backend, clears the failure counter and unlocks the account.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return flows.RunConfirmPasswordReset(ctx, token, newPassword, e.deps.Verification)
}
