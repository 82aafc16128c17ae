package local

import (
	"context"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/password"
	"go.uber.org/zap"
)

// Provider serves local accounts.
type Provider struct {
	repo     Repository
	verifier *password.Verifier
	logger   *zap.Logger
}

var (
	_ identity.Provider       = (*Provider)(nil)
	_ identity.Authenticator  = (*Provider)(nil)
	_ identity.RecordUpdater  = (*Provider)(nil)
	_ identity.EmailVerifier  = (*Provider)(nil)
	_ identity.PasswordSetter = (*Provider)(nil)
)

func New(repo Repository, verifier *password.Verifier, logger *zap.Logger) *Provider {
	if verifier == nil {
		verifier = password.DefaultVerifier()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		repo:     repo,
		verifier: verifier,
		logger:   logger.With(zap.String("source", identity.SourceLocal.String())),
	}
}

func (p *Provider) Source() identity.AuthSource {
	return identity.SourceLocal
}

func (p *Provider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	user, err := p.repo.FindByUsername(ctx, identity.SourceLocal, identity.NormalizeUsername(username))
	if err != nil || user == nil {
		return nil, err
	}
	rec := user.Record()
	return &rec, nil
}

func (p *Provider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	users, err := p.repo.FindByEmail(ctx, identity.SourceLocal, identity.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	records := make([]identity.UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, u.Record())
	}
	return records, nil
}

// Authenticate verifies password against the stored hash. Legacy bcrypt and
// under-strength Argon2id hashes are replaced after a successful match.
func (p *Provider) Authenticate(ctx context.Context, username, pw string) (bool, error) {
	username = identity.NormalizeUsername(username)
	user, err := p.repo.FindByUsername(ctx, identity.SourceLocal, username)
	if err != nil {
		return false, err
	}
	if user == nil || user.PasswordHash == "" {
		return false, nil
	}

	ok, err := p.verifier.Verify(pw, user.PasswordHash)
	if err != nil {
		p.logger.Warn("unreadable password hash", zap.String("username", username), zap.Error(err))
		return false, nil
	}
	if !ok {
		return false, nil
	}

	if p.verifier.NeedsUpgrade(user.PasswordHash) {
		p.rehash(ctx, username, pw)
	}
	return true, nil
}

func (p *Provider) rehash(ctx context.Context, username, pw string) {
	hash, err := p.verifier.Hash(pw)
	if err != nil {
		p.logger.Warn("password rehash skipped", zap.String("username", username), zap.Error(err))
		return
	}
	if err := p.repo.Update(ctx, identity.SourceLocal, username, map[string]any{"password_hash": hash}); err != nil {
		p.logger.Warn("password rehash not stored", zap.String("username", username), zap.Error(err))
	}
}

func (p *Provider) RecordLogin(ctx context.Context, username string, at time.Time, from *identity.LoginIdentity) error {
	return RecordLogin(ctx, p.repo, identity.SourceLocal, username, at, from)
}

func (p *Provider) SetLocked(ctx context.Context, username string, locked bool) error {
	return SetLocked(ctx, p.repo, identity.SourceLocal, username, locked)
}

func (p *Provider) ChangeEmail(ctx context.Context, username, email string) error {
	return ChangeEmail(ctx, p.repo, identity.SourceLocal, username, email)
}

func (p *Provider) MarkEmailVerified(ctx context.Context, username, email string) error {
	return MarkEmailVerified(ctx, p.repo, identity.SourceLocal, username, email)
}

// SetPassword stores a new Argon2id hash and clears the expired flag.
func (p *Provider) SetPassword(ctx context.Context, username, pw string) error {
	hash, err := p.verifier.Hash(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return p.repo.Update(ctx, identity.SourceLocal, identity.NormalizeUsername(username), map[string]any{
		"password_hash":       hash,
		"credentials_expired": false,
	})
}

// RecordLogin stamps last_logged_in for a row of source. When from is richer
// than the stored row its verified email and name are copied over.
func RecordLogin(ctx context.Context, repo Repository, source identity.AuthSource, username string, at time.Time, from *identity.LoginIdentity) error {
	username = identity.NormalizeUsername(username)
	fields := map[string]any{"last_logged_in": at}

	if from != nil {
		user, err := repo.FindByUsername(ctx, source, username)
		if err != nil {
			return err
		}
		if user == nil {
			return identity.ErrUserNotFound
		}
		if from.Richer(user.Record()) {
			if from.EmailVerified && from.Email != "" {
				fields["email"] = identity.NormalizeEmail(from.Email)
				fields["email_verified"] = true
			}
			if from.Person.First != "" {
				fields["first_name"] = from.Person.First
			}
			if from.Person.Last != "" {
				fields["last_name"] = from.Person.Last
			}
		}
	}
	return repo.Update(ctx, source, username, fields)
}

// ChangeEmail stores a new unverified primary email on a row of source.
func ChangeEmail(ctx context.Context, repo Repository, source identity.AuthSource, username, email string) error {
	return repo.Update(ctx, source, identity.NormalizeUsername(username), map[string]any{
		"email":          identity.NormalizeEmail(email),
		"email_verified": false,
	})
}

// MarkEmailVerified replaces the primary email of a row and flags it verified.
func MarkEmailVerified(ctx context.Context, repo Repository, source identity.AuthSource, username, email string) error {
	return repo.Update(ctx, source, identity.NormalizeUsername(username), map[string]any{
		"email":          identity.NormalizeEmail(email),
		"email_verified": true,
	})
}

// SetLocked flips the locked flag of a row of source.
func SetLocked(ctx context.Context, repo Repository, source identity.AuthSource, username string, locked bool) error {
	return repo.Update(ctx, source, identity.NormalizeUsername(username), map[string]any{"locked": locked})
}
