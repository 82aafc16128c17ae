package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/internal/flows"
)

// RequestEmailVerification records email as username's new, unverified
// address and sends a verification link to it.
func (e *Engine) RequestEmailVerification(ctx context.Context, username, email string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	return flows.RunRequestEmailVerification(ctx, username, email, e.deps.Verification)
}

// ConfirmEmailVerification consumes the token and marks email verified on its
// owner's record. email must be the address the link was sent to, or
// ErrEmailMismatch is returned and the token is spent.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token, email string) (*UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunConfirmEmailVerification(ctx, token, email, e.deps.Verification)
}
