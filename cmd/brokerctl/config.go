package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emileswarts/hmppsauth"
	"github.com/spf13/viper"
)

const envPrefix = "HMPPSAUTH"

// Store backends for the retry ledger and token store.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type AppConfig struct {
	Broker    hmppsauth.Config `mapstructure:"broker"`
	Log       LogConfig        `mapstructure:"log"`
	Store     string           `mapstructure:"store"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Postgres  PostgresConfig   `mapstructure:"postgres"`
	Prison    PrisonConfig     `mapstructure:"prison"`
	Probation ProbationConfig  `mapstructure:"probation"`
	Federated FederatedConfig  `mapstructure:"federated"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// PostgresConfig is the auth database holding local and federated users.
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// PrisonConfig points at the prison staff database. Empty URL disables the
// prison backend.
type PrisonConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ProbationConfig configures the probation user API. Empty BaseURL disables
// the probation backend.
type ProbationConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FederatedConfig verifies directory ID tokens. The federated backend is
// registered only when Enabled.
type FederatedConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
	HMACKey  string        `mapstructure:"hmac_key"`
}

// LoadConfig reads path when given, else brokerctl.{yaml,toml,json} from the
// working directory if present, then applies HMPPSAUTH_* environment
// overrides: HMPPSAUTH_BROKER_RETRY_THRESHOLD sets broker.retry.threshold.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("brokerctl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Store {
	case StoreRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("redis.addrs required for the redis store")
		}
	case StorePostgres:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Postgres.URL == "" {
		return errors.New("postgres.url required")
	}
	if c.Federated.Enabled && c.Federated.HMACKey == "" {
		return errors.New("federated.hmac_key required when federated is enabled")
	}
	return c.Broker.Validate()
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := hmppsauth.DefaultConfig()

	v.SetDefault("broker.resolver.precedence", d.Resolver.Precedence)
	v.SetDefault("broker.retry.threshold", d.Retry.Threshold)
	v.SetDefault("broker.retry.api_threshold", d.Retry.APIThreshold)
	v.SetDefault("broker.retry.window", d.Retry.Window)
	v.SetDefault("broker.retry.redis_prefix", d.Retry.RedisPrefix)
	v.SetDefault("broker.mfa.approved_networks", d.MFA.ApprovedNetworks)
	v.SetDefault("broker.mfa.clients", map[string]string{})
	v.SetDefault("broker.mfa.default_mode", d.MFA.DefaultMode)
	v.SetDefault("broker.tokens.password_reset", d.Tokens.PasswordReset)
	v.SetDefault("broker.tokens.email_verify", d.Tokens.EmailVerify)
	v.SetDefault("broker.tokens.account_change", d.Tokens.AccountChange)
	v.SetDefault("broker.tokens.mfa_challenge", d.Tokens.MFAChallenge)
	v.SetDefault("broker.tokens.mfa_code", d.Tokens.MFACode)
	v.SetDefault("broker.tokens.code_digits", d.Tokens.CodeDigits)
	v.SetDefault("broker.tokens.redis_prefix", d.Tokens.RedisPrefix)
	v.SetDefault("broker.templates.mfa_code_email", d.Templates.MFACodeEmail)
	v.SetDefault("broker.templates.mfa_code_text", d.Templates.MFACodeText)
	v.SetDefault("broker.templates.mfa_code_secondary_email", d.Templates.MFACodeSecondaryEmail)
	v.SetDefault("broker.templates.password_reset", d.Templates.PasswordReset)
	v.SetDefault("broker.templates.email_verify", d.Templates.EmailVerify)
	v.SetDefault("broker.templates.account_change", d.Templates.AccountChange)
	v.SetDefault("broker.discovery.backend_timeout", d.Discovery.BackendTimeout)
	v.SetDefault("broker.discovery.concurrency", d.Discovery.Concurrency)
	v.SetDefault("broker.audit.enabled", true)
	v.SetDefault("broker.audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("broker.audit.drop_if_full", d.Audit.DropIfFull)
	v.SetDefault("broker.metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("broker.metrics.enable_latency_histograms", d.Metrics.EnableLatencyHistograms)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store", StoreRedis)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.connect_timeout", 5*time.Second)
	v.SetDefault("prison.url", "")
	v.SetDefault("prison.max_conns", 5)
	v.SetDefault("probation.base_url", "")
	v.SetDefault("probation.token_url", "")
	v.SetDefault("probation.client_id", "")
	v.SetDefault("probation.client_secret", "")
	v.SetDefault("probation.scopes", []string{})
	v.SetDefault("probation.timeout", 10*time.Second)
	v.SetDefault("federated.enabled", false)
	v.SetDefault("federated.issuer", "")
	v.SetDefault("federated.audience", "")
	v.SetDefault("federated.leeway", 30*time.Second)
	v.SetDefault("federated.hmac_key", "")
}
