package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/verify"
	"go.uber.org/zap"
)

const defaultCreateAttempts = 5

type TokenMetrics struct {
	Created   int
	Reused    int
	Consumed  int
	Invalid   int
	Expired   int
	WrongUser int
}

type TokenErrors struct {
	EngineNotReady error
	Invalid        error
	Expired        error
	WrongUser      error
}

// TokenDeps wires the verification token engine.
type TokenDeps struct {
	Store          verify.Store
	Windows        map[verify.Type]time.Duration
	NewLinkID      func() (string, error)
	NewCode        func() (string, error)
	CreateAttempts int

	Observer
	Metrics TokenMetrics
	Errors  TokenErrors
}

func (deps *TokenDeps) normalize() error {
	deps.Observer.normalize()
	if deps.CreateAttempts <= 0 {
		deps.CreateAttempts = defaultCreateAttempts
	}
	if deps.Store == nil || deps.NewLinkID == nil || deps.NewCode == nil {
		return deps.Errors.EngineNotReady
	}
	return nil
}

// RunCreateToken returns the owner's live token of typ if one exists, else
// issues a new one expiring after the type's window. Codes for mfa-code tokens
// are short numeric OTPs and are regenerated on collision.
func RunCreateToken(ctx context.Context, typ verify.Type, owner string, deps TokenDeps) (string, error) {
	if err := deps.normalize(); err != nil {
		return "", err
	}
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown token type %q", deps.Errors.Invalid, typ)
	}
	owner = identity.NormalizeUsername(owner)
	if owner == "" {
		return "", fmt.Errorf("%w: empty owner", deps.Errors.Invalid)
	}
	window := deps.Windows[typ]
	if window <= 0 {
		return "", fmt.Errorf("%w: no expiry window for %s", deps.Errors.EngineNotReady, typ)
	}

	for attempt := 0; attempt < deps.CreateAttempts; attempt++ {
		now := deps.Now()

		existing, err := deps.Store.FindByOwner(ctx, typ, owner)
		if err != nil {
			return "", err
		}
		if existing != nil {
			if !existing.Expired(now) {
				deps.MetricInc(deps.Metrics.Reused)
				return existing.ID, nil
			}
			if _, err := deps.Store.Delete(ctx, existing.ID); err != nil {
				return "", err
			}
		}

		id, err := deps.newID(typ)
		if err != nil {
			return "", err
		}
		if clash, err := deps.Store.Find(ctx, id); err != nil {
			return "", err
		} else if clash != nil {
			continue
		}

		err = deps.Store.Save(ctx, verify.Token{
			ID:        id,
			Type:      typ,
			Owner:     owner,
			CreatedAt: now,
			ExpiresAt: now.Add(window),
		})
		switch {
		case err == nil:
			deps.MetricInc(deps.Metrics.Created)
			deps.Logger.Debug("verification token issued", zap.String("type", string(typ)), zap.String("owner", owner))
			return id, nil
		case errors.Is(err, verify.ErrDuplicateID), errors.Is(err, verify.ErrLiveTokenExists):
			// lost a race; the next pass picks up the winner or a fresh id
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("could not issue %s token for %s after %d attempts", typ, owner, deps.CreateAttempts)
}

func (deps TokenDeps) newID(typ verify.Type) (string, error) {
	if typ == verify.MFACode {
		return deps.NewCode()
	}
	return deps.NewLinkID()
}

// RunCheckToken validates id for typ without consuming it.
func RunCheckToken(ctx context.Context, typ verify.Type, id string, deps TokenDeps) (*verify.Token, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	token, err := deps.find(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if token.Expired(deps.Now()) {
		deps.MetricInc(deps.Metrics.Expired)
		return nil, deps.Errors.Expired
	}
	return token, nil
}

// RunCheckTokenForUser is RunCheckToken plus an ownership check. A token that
// belongs to someone else is deleted so it cannot be retried.
func RunCheckTokenForUser(ctx context.Context, typ verify.Type, id, username string, deps TokenDeps) (*verify.Token, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	token, err := deps.find(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if token.Owner != identity.NormalizeUsername(username) {
		if _, err := deps.Store.Delete(ctx, token.ID); err != nil {
			return nil, err
		}
		deps.MetricInc(deps.Metrics.WrongUser)
		deps.Logger.Warn("verification token presented for another user",
			zap.String("type", string(typ)), zap.String("owner", token.Owner), zap.String("presented_by", identity.NormalizeUsername(username)))
		return nil, deps.Errors.WrongUser
	}
	if token.Expired(deps.Now()) {
		deps.MetricInc(deps.Metrics.Expired)
		return nil, deps.Errors.Expired
	}
	return token, nil
}

// RunConsumeToken validates and deletes id in one atomic store operation.
// Only one of several concurrent callers receives the token.
func RunConsumeToken(ctx context.Context, typ verify.Type, id string, deps TokenDeps) (*verify.Token, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	if id == "" || !typ.Valid() {
		deps.MetricInc(deps.Metrics.Invalid)
		return nil, deps.Errors.Invalid
	}
	token, err := deps.Store.Consume(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if token == nil {
		deps.MetricInc(deps.Metrics.Invalid)
		return nil, deps.Errors.Invalid
	}
	if token.Expired(deps.Now()) {
		deps.MetricInc(deps.Metrics.Expired)
		return nil, deps.Errors.Expired
	}
	deps.MetricInc(deps.Metrics.Consumed)
	return token, nil
}

func (deps TokenDeps) find(ctx context.Context, typ verify.Type, id string) (*verify.Token, error) {
	if id == "" || !typ.Valid() {
		deps.MetricInc(deps.Metrics.Invalid)
		return nil, deps.Errors.Invalid
	}
	token, err := deps.Store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if token == nil || token.Type != typ {
		deps.MetricInc(deps.Metrics.Invalid)
		return nil, deps.Errors.Invalid
	}
	return token, nil
}
