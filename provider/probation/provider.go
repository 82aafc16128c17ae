package probation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/emileswarts/hmppsauth/identity"
	"go.uber.org/zap"
)

type userDetails struct {
	Username  string `json:"username"`
	StaffCode string `json:"staffCode"`
	FirstName string `json:"firstName"`
	Surname   string `json:"surname"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
	Roles     []struct {
		Name string `json:"name"`
	} `json:"roles"`
}

type authenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Provider serves probation staff. It owns no mutable state in the broker:
// lockout for these users is enforced from the retry ledger.
type Provider struct {
	client *client
	logger *zap.Logger
}

var (
	_ identity.Provider      = (*Provider)(nil)
	_ identity.Authenticator = (*Provider)(nil)
)

// New builds a provider whose requests carry client-credentials tokens.
func New(ctx context.Context, cfg Config, logger *zap.Logger) *Provider {
	return NewWithHTTPClient(cfg.BaseURL, newOAuthClient(ctx, cfg), logger)
}

// NewWithHTTPClient uses httpClient as is. Callers are responsible for auth.
func NewWithHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Provider{
		client: &client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient},
		logger: logger.With(zap.String("source", identity.SourceProbation.String())),
	}
}

func (p *Provider) Source() identity.AuthSource {
	return identity.SourceProbation
}

func (p *Provider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	var details userDetails
	err := p.client.get(ctx, "/users/"+escape(identity.NormalizeUsername(username))+"/details", &details)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, p.unavailable("find by username", err)
	}
	rec := details.record()
	return &rec, nil
}

func (p *Provider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	var details []userDetails
	err := p.client.get(ctx, "/users/search/email/"+escape(identity.NormalizeEmail(email))+"/details", &details)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, p.unavailable("find by email", err)
	}
	records := make([]identity.UserRecord, 0, len(details))
	for _, d := range details {
		records = append(records, d.record())
	}
	return records, nil
}

// Authenticate asks the directory to check the password. 401 and 403 are a
// plain rejection; anything else outside 2xx is a backend failure.
func (p *Provider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	err := p.client.post(ctx, "/authenticate", authenticateRequest{
		Username: identity.NormalizeUsername(username),
		Password: password,
	}, nil)
	if err == nil {
		return true, nil
	}

	var se *statusError
	if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden) {
		return false, nil
	}
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	return false, p.unavailable("authenticate", err)
}

func (p *Provider) unavailable(op string, err error) error {
	p.logger.Warn("probation directory call failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
}

func (d userDetails) record() identity.UserRecord {
	rec := identity.UserRecord{
		Username:      identity.NormalizeUsername(d.Username),
		Source:        identity.SourceProbation,
		Person:        identity.PersonName{First: d.FirstName, Last: d.Surname},
		Email:         identity.NormalizeEmail(d.Email),
		EmailVerified: strings.TrimSpace(d.Email) != "",
		MFAPreference: identity.MFAEmail,
		Enabled:       d.Enabled,
	}
	for _, r := range d.Roles {
		rec.Authorities = append(rec.Authorities, r.Name)
	}
	return rec
}
