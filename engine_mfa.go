package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/internal/flows"
)

// IssueMFAChallenge sends a one-time code to username's MFA destination and
// returns the challenge token the caller presents back with the code.
//
// When the code cannot be delivered the challenge is still returned, along
// with ErrDeliveryFailed, so the caller may offer a resend.
func (e *Engine) IssueMFAChallenge(ctx context.Context, username string) (*MFAChallenge, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunIssueMFAChallenge(ctx, username, e.deps.Verification)
}

// VerifyMFACode checks code against the challenge and consumes both. A code
// issued to another user is destroyed and ErrTokenWrongUser returned.
func (e *Engine) VerifyMFACode(ctx context.Context, challengeToken, code string) (*UserRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunVerifyMFACode(ctx, challengeToken, code, e.deps.Verification)
}
