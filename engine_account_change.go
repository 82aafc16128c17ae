package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/internal/flows"
)

// RequestAccountChange sends username a link confirming a pending change to
// their account. What the change is stays with the caller.
func (e *Engine) RequestAccountChange(ctx context.Context, username string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	return flows.RunRequestAccountChange(ctx, username, e.deps.Verification)
}

// ConfirmAccountChange consumes the token and returns the username it was
// issued to.
func (e *Engine) ConfirmAccountChange(ctx context.Context, token string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	return flows.RunConfirmAccountChange(ctx, token, e.deps.Verification)
}
