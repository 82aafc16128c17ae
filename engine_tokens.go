package hmppsauth

import (
	"context"

	"github.com/emileswarts/hmppsauth/internal/flows"
)

// CreateVerificationToken returns username's live token of typ, or issues a
// new one expiring after the configured window. mfa-code tokens are numeric
// codes; every other type is a random UUID.
func (e *Engine) CreateVerificationToken(ctx context.Context, typ TokenType, username string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	return flows.RunCreateToken(ctx, typ, username, e.deps.Tokens)
}

// CheckToken validates id for typ without consuming it.
func (e *Engine) CheckToken(ctx context.Context, typ TokenType, id string) (*VerificationToken, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunCheckToken(ctx, typ, id, e.deps.Tokens)
}

// CheckTokenForUser is CheckToken plus an ownership check. A token presented
// by anyone but its owner is deleted and ErrTokenWrongUser returned.
func (e *Engine) CheckTokenForUser(ctx context.Context, typ TokenType, id, username string) (*VerificationToken, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunCheckTokenForUser(ctx, typ, id, username, e.deps.Tokens)
}

// ConsumeToken validates and deletes id in one step. Of several concurrent
// callers exactly one receives the token; the rest get ErrTokenInvalid.
func (e *Engine) ConsumeToken(ctx context.Context, typ TokenType, id string) (*VerificationToken, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return flows.RunConsumeToken(ctx, typ, id, e.deps.Tokens)
}
