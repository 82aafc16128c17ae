package federated

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/provider/local"
	"go.uber.org/zap"
)

// Provider serves linked directory identities. It has no Authenticator: the
// directory checks credentials before the broker sees the ID token.
type Provider struct {
	repo   local.Repository
	tokens *tokenParser
	logger *zap.Logger
}

var (
	_ identity.Provider      = (*Provider)(nil)
	_ identity.RecordUpdater = (*Provider)(nil)
	_ identity.EmailVerifier = (*Provider)(nil)
	_ identity.Provisioner   = (*Provider)(nil)
)

// ErrUnverifiedLogin is returned by Provision for a login without a verified email.
var ErrUnverifiedLogin = errors.New("federated login has no verified email")

func New(repo local.Repository, cfg TokenConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		repo:   repo,
		tokens: newTokenParser(cfg),
		logger: logger.With(zap.String("source", identity.SourceFederated.String())),
	}
}

func (p *Provider) Source() identity.AuthSource {
	return identity.SourceFederated
}

func (p *Provider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	user, err := p.repo.FindByUsername(ctx, identity.SourceFederated, identity.NormalizeUsername(username))
	if err != nil || user == nil {
		return nil, err
	}
	rec := user.Record()
	rec.Master = false
	return &rec, nil
}

func (p *Provider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	users, err := p.repo.FindByEmail(ctx, identity.SourceFederated, identity.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	records := make([]identity.UserRecord, 0, len(users))
	for _, u := range users {
		rec := u.Record()
		rec.Master = false
		records = append(records, rec)
	}
	return records, nil
}

// IdentityFromToken verifies a directory ID token and returns the principal it
// names. Directory-asserted email addresses count as verified.
func (p *Provider) IdentityFromToken(_ context.Context, raw string) (*identity.LoginIdentity, error) {
	login, err := p.tokens.parse(raw)
	if err != nil {
		p.logger.Debug("id token rejected", zap.Error(err))
		return nil, err
	}
	return login, nil
}

// Provision stores a federated record for a directory principal seen for the
// first time. When a concurrent login created it first, that row is returned.
func (p *Provider) Provision(ctx context.Context, login identity.LoginIdentity) (*identity.UserRecord, error) {
	username := identity.NormalizeUsername(login.Username)
	email := identity.NormalizeEmail(login.Email)
	if username == "" || email == "" || !login.EmailVerified {
		return nil, ErrUnverifiedLogin
	}

	user := &local.User{
		Username:      username,
		Source:        identity.SourceFederated.String(),
		FirstName:     login.Person.First,
		LastName:      login.Person.Last,
		Email:         email,
		EmailVerified: true,
		MFAPreference: string(identity.MFAEmail),
		Enabled:       true,
	}
	err := p.repo.Create(ctx, user)
	if errors.Is(err, local.ErrUserExists) {
		rec, findErr := p.FindByUsername(ctx, username)
		if findErr != nil {
			return nil, findErr
		}
		if rec == nil {
			return nil, fmt.Errorf("provision %s: %w", username, err)
		}
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("federated user provisioned", zap.String("username", username))
	rec := user.Record()
	rec.Master = false
	return &rec, nil
}

func (p *Provider) RecordLogin(ctx context.Context, username string, at time.Time, from *identity.LoginIdentity) error {
	return local.RecordLogin(ctx, p.repo, identity.SourceFederated, username, at, from)
}

func (p *Provider) SetLocked(ctx context.Context, username string, locked bool) error {
	return local.SetLocked(ctx, p.repo, identity.SourceFederated, username, locked)
}

func (p *Provider) ChangeEmail(ctx context.Context, username, email string) error {
	return local.ChangeEmail(ctx, p.repo, identity.SourceFederated, username, email)
}

func (p *Provider) MarkEmailVerified(ctx context.Context, username, email string) error {
	return local.MarkEmailVerified(ctx, p.repo, identity.SourceFederated, username, email)
}
