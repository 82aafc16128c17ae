package federated

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidIDToken is returned when an ID token fails signature or claim checks.
var ErrInvalidIDToken = errors.New("invalid federated id token")

// TokenConfig describes how directory ID tokens are verified.
type TokenConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Methods lists accepted signing algorithms, e.g. "RS256". Empty means RS256.
	Methods []string
	// Keys maps key ids to verification keys (*rsa.PublicKey, ed25519.PublicKey
	// or []byte for HMAC). A single entry under "" is used for tokens without kid.
	Keys map[string]any
}

type idTokenClaims struct {
	ObjectID          string `json:"oid"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	jwt.RegisteredClaims
}

type tokenParser struct {
	cfg    TokenConfig
	parser *jwt.Parser
}

func newTokenParser(cfg TokenConfig) *tokenParser {
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{jwt.SigningMethodRS256.Alg()}
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Methods),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	return &tokenParser{cfg: cfg, parser: jwt.NewParser(options...)}
}

func (p *tokenParser) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := p.cfg.Keys[kid]
	if !ok {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (p *tokenParser) parse(raw string) (*identity.LoginIdentity, error) {
	var claims idTokenClaims
	if _, err := p.parser.ParseWithClaims(raw, &claims, p.keyFor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	subject := strings.TrimSpace(claims.ObjectID)
	if subject == "" {
		subject = strings.TrimSpace(claims.Subject)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: no object id", ErrInvalidIDToken)
	}

	email := claims.Email
	if email == "" && identity.IsEmailLogin(claims.PreferredUsername) {
		email = claims.PreferredUsername
	}

	return &identity.LoginIdentity{
		Username:      identity.NormalizeUsername(subject),
		Source:        identity.SourceFederated,
		Email:         identity.NormalizeEmail(email),
		EmailVerified: email != "",
		Person:        identity.PersonName{First: claims.GivenName, Last: claims.FamilyName},
	}, nil
}
