package hmppsauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/internal/flows"
)

// Config holds every engine setting. Field tags let the CLI load it with viper.
type Config struct {
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Retry     RetryConfig     `mapstructure:"retry"`
	MFA       MFAConfig       `mapstructure:"mfa"`
	Tokens    TokenConfig     `mapstructure:"tokens"`
	Templates TemplateConfig  `mapstructure:"templates"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

/*
====================================
RESOLVER CONFIG
====================================
*/

// ResolverConfig orders the backends consulted for a username. Names are the
// lower-case source names: local, probation, prison, federated.
type ResolverConfig struct {
	Precedence []string `mapstructure:"precedence"`
}

/*
====================================
RETRY CONFIG
====================================
*/

// RetryConfig controls lockout. Window is the lifetime of a failure counter
// in the Redis ledger; 0 keeps it until a successful login or an unlock.
type RetryConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	APIThreshold int           `mapstructure:"api_threshold"`
	Window       time.Duration `mapstructure:"window"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig holds the approved networks and the per-client MFA mode table.
// Clients missing from the table use DefaultMode.
type MFAConfig struct {
	ApprovedNetworks []string          `mapstructure:"approved_networks"`
	Clients          map[string]string `mapstructure:"clients"`
	DefaultMode      string            `mapstructure:"default_mode"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds the expiry window of each verification token type.
type TokenConfig struct {
	PasswordReset time.Duration `mapstructure:"password_reset"`
	EmailVerify   time.Duration `mapstructure:"email_verify"`
	AccountChange time.Duration `mapstructure:"account_change"`
	MFAChallenge  time.Duration `mapstructure:"mfa_challenge"`
	MFACode       time.Duration `mapstructure:"mfa_code"`
	CodeDigits    int           `mapstructure:"code_digits"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

// TemplateConfig names the notification template used by each flow.
type TemplateConfig struct {
	MFACodeEmail          string `mapstructure:"mfa_code_email"`
	MFACodeText           string `mapstructure:"mfa_code_text"`
	MFACodeSecondaryEmail string `mapstructure:"mfa_code_secondary_email"`
	PasswordReset         string `mapstructure:"password_reset"`
	EmailVerify           string `mapstructure:"email_verify"`
	AccountChange         string `mapstructure:"account_change"`
}

/*
====================================
DISCOVERY / AUDIT / METRICS
====================================
*/

// DiscoveryConfig bounds account discovery. Concurrency 0 queries every
// backend at once.
type DiscoveryConfig struct {
	BackendTimeout time.Duration `mapstructure:"backend_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the settings the engine runs with when nothing is
// overridden.
func DefaultConfig() Config {
	return Config{
		Resolver: ResolverConfig{
			Precedence: []string{"local", "probation", "prison", "federated"},
		},
		Retry: RetryConfig{
			Threshold:    3,
			APIThreshold: 10,
			RedisPrefix:  "hrl",
		},
		MFA: MFAConfig{
			DefaultMode: string(MFAModeNone),
		},
		Tokens: TokenConfig{
			PasswordReset: 7 * 24 * time.Hour,
			EmailVerify:   7 * 24 * time.Hour,
			AccountChange: 7 * 24 * time.Hour,
			MFAChallenge:  20 * time.Minute,
			MFACode:       10 * time.Minute,
			CodeDigits:    6,
			RedisPrefix:   "hvt",
		},
		Templates: TemplateConfig{
			MFACodeEmail:          "mfa-code-email",
			MFACodeText:           "mfa-code-text",
			MFACodeSecondaryEmail: "mfa-code-secondary-email",
			PasswordReset:         "password-reset",
			EmailVerify:           "email-verify",
			AccountChange:         "account-change",
		},
		Discovery: DiscoveryConfig{
			BackendTimeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Resolver.Precedence = append([]string(nil), cfg.Resolver.Precedence...)
	out.MFA.ApprovedNetworks = append([]string(nil), cfg.MFA.ApprovedNetworks...)
	if cfg.MFA.Clients != nil {
		out.MFA.Clients = make(map[string]string, len(cfg.MFA.Clients))
		for k, v := range cfg.MFA.Clients {
			out.MFA.Clients[k] = v
		}
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.precedence(); err != nil {
		return err
	}

	if c.Retry.Threshold <= 0 {
		return errors.New("Retry Threshold must be > 0")
	}
	if c.Retry.APIThreshold < c.Retry.Threshold {
		return errors.New("Retry APIThreshold must be >= Threshold")
	}
	if c.Retry.Window < 0 {
		return errors.New("Retry Window must be >= 0")
	}

	if _, err := flows.ParseApprovedNetworks(c.MFA.ApprovedNetworks); err != nil {
		return fmt.Errorf("MFA ApprovedNetworks: %w", err)
	}
	if _, err := flows.ParseMFAMode(c.MFA.DefaultMode); err != nil {
		return fmt.Errorf("MFA DefaultMode: %w", err)
	}
	for client, mode := range c.MFA.Clients {
		if _, err := flows.ParseMFAMode(mode); err != nil {
			return fmt.Errorf("MFA client %q: %w", client, err)
		}
	}

	for name, window := range map[string]time.Duration{
		"PasswordReset": c.Tokens.PasswordReset,
		"EmailVerify":   c.Tokens.EmailVerify,
		"AccountChange": c.Tokens.AccountChange,
		"MFAChallenge":  c.Tokens.MFAChallenge,
		"MFACode":       c.Tokens.MFACode,
	} {
		if window <= 0 {
			return fmt.Errorf("Tokens %s must be > 0", name)
		}
	}
	if c.Tokens.MFACode > c.Tokens.MFAChallenge {
		return errors.New("Tokens MFACode must not outlive MFAChallenge")
	}
	if c.Tokens.CodeDigits < 6 || c.Tokens.CodeDigits > 10 {
		return errors.New("Tokens CodeDigits must be between 6 and 10")
	}

	if c.Discovery.BackendTimeout <= 0 {
		return errors.New("Discovery BackendTimeout must be > 0")
	}
	if c.Discovery.Concurrency < 0 {
		return errors.New("Discovery Concurrency must be >= 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	return nil
}

func (c *Config) precedence() ([]identity.AuthSource, error) {
	if len(c.Resolver.Precedence) == 0 {
		return append([]identity.AuthSource(nil), identity.DefaultPrecedence...), nil
	}
	seen := make(map[identity.AuthSource]bool, len(c.Resolver.Precedence))
	out := make([]identity.AuthSource, 0, len(c.Resolver.Precedence))
	for _, name := range c.Resolver.Precedence {
		source, err := identity.ParseAuthSource(name)
		if err != nil {
			return nil, fmt.Errorf("Resolver Precedence: %w", err)
		}
		if source == identity.SourceNone {
			return nil, errors.New("Resolver Precedence must not contain none")
		}
		if seen[source] {
			return nil, fmt.Errorf("Resolver Precedence lists %s twice", source)
		}
		seen[source] = true
		out = append(out, source)
	}
	return out, nil
}

/*
====================================
LINT
====================================
*/

// LintWarning flags a setting that is valid but probably not what was meant.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports risky but valid settings. It never fails.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	if c.Retry.Threshold > 10 {
		ws = append(ws, LintWarning{"retry_threshold_high", "more than 10 interactive failures allowed before lockout"})
	}
	if c.Retry.Window > 0 && c.Retry.Window < time.Hour {
		ws = append(ws, LintWarning{"retry_window_short", "failure counters expire in under an hour"})
	}
	if c.Tokens.MFACode > 30*time.Minute {
		ws = append(ws, LintWarning{"mfa_code_long", "MFA codes live longer than 30 minutes"})
	}
	usesNetworks := c.MFA.DefaultMode == string(MFAModeUntrustedNetwork)
	for _, mode := range c.MFA.Clients {
		if mode == string(MFAModeUntrustedNetwork) {
			usesNetworks = true
		}
	}
	if usesNetworks && len(c.MFA.ApprovedNetworks) == 0 {
		ws = append(ws, LintWarning{"no_approved_networks", "untrusted-network mode with no approved networks challenges every login"})
	}
	if c.Audit.Enabled && !c.Audit.DropIfFull {
		ws = append(ws, LintWarning{"audit_blocking", "a full audit buffer will block logins"})
	}
	return ws
}
