package hmppsauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	internalaudit "github.com/emileswarts/hmppsauth/internal/audit"
	"github.com/emileswarts/hmppsauth/internal/flows"
	"github.com/emileswarts/hmppsauth/internal/limiters"
	"github.com/emileswarts/hmppsauth/internal/stores"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. A Builder is single use: configure it during
// start-up, call Build once and discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	providers   []identity.Provider
	ledger      identity.RetryLedgerStore
	tokenStore  TokenStore
	notifier    Notifier
	logger      *zap.Logger
	auditSink   AuditSink
	mfaOverride MFAOverride
	now         func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client used for the default retry ledger and token
// store. It is not needed when both are provided explicitly.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProviders registers the identity backends, at most one per source.
func (b *Builder) WithProviders(providers ...identity.Provider) *Builder {
	b.providers = append(b.providers, providers...)
	return b
}

func (b *Builder) WithRetryLedger(ledger identity.RetryLedgerStore) *Builder {
	b.ledger = ledger
	return b
}

func (b *Builder) WithTokenStore(store TokenStore) *Builder {
	b.tokenStore = store
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets where audit events go when auditing is enabled. Without
// one, events are written to the logger.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMFAOverride(rule MFAOverride) *Builder {
	b.mfaOverride = rule
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces time.Now for token expiry and last-login stamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	precedence, err := cfg.precedence()
	if err != nil {
		return nil, err
	}

	if len(b.providers) == 0 {
		return nil, errors.New("at least one identity provider required")
	}
	providers := make(map[identity.AuthSource]identity.Provider, len(b.providers))
	ordered := make([]identity.Provider, 0, len(b.providers))
	for _, p := range b.providers {
		if p == nil {
			return nil, errors.New("nil identity provider")
		}
		source := p.Source()
		if source == identity.SourceNone || !source.Valid() {
			return nil, fmt.Errorf("identity provider reports invalid source %s", source)
		}
		if _, dup := providers[source]; dup {
			return nil, fmt.Errorf("two identity providers for source %s", source)
		}
		providers[source] = p
		ordered = append(ordered, p)
	}

	// -------- STORES --------
	ledger := b.ledger
	tokens := b.tokenStore
	if (ledger == nil || tokens == nil) && b.redis == nil {
		return nil, errors.New("redis client required unless both retry ledger and token store are provided")
	}
	if ledger == nil {
		ledger = limiters.NewRetryLedger(b.redis, limiters.RetryLedgerConfig{
			Prefix: cfg.Retry.RedisPrefix,
			Window: cfg.Retry.Window,
		})
	}
	if tokens == nil {
		tokens = stores.NewTokenStore(b.redis, cfg.Tokens.RedisPrefix)
	}

	// -------- MFA --------
	networks, err := flows.ParseApprovedNetworks(cfg.MFA.ApprovedNetworks)
	if err != nil {
		return nil, err
	}
	defaultMode, _ := flows.ParseMFAMode(cfg.MFA.DefaultMode)
	clientModes := make(map[string]MFAMode, len(cfg.MFA.Clients))
	for client, raw := range cfg.MFA.Clients {
		mode, _ := flows.ParseMFAMode(raw)
		clientModes[client] = mode
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	sink := b.auditSink
	if sink == nil {
		sink = internalaudit.NewZapSink(logger)
	}

	engine := &Engine{
		config:      cloneConfig(cfg),
		providers:   providers,
		ordered:     ordered,
		precedence:  precedence,
		ledger:      ledger,
		tokens:      tokens,
		notifier:    b.notifier,
		logger:      logger,
		now:         now,
		networks:    networks,
		defaultMode: defaultMode,
		clientModes: clientModes,
		mfaOverride: b.mfaOverride,
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink),
		metrics: NewMetrics(cfg.Metrics),
	}
	engine.deps = engine.buildDeps()

	b.built = true
	names := make([]string, 0, len(precedence))
	for _, s := range precedence {
		names = append(names, s.String())
	}
	logger.Info("identity broker engine built",
		zap.Int("providers", len(ordered)),
		zap.Strings("precedence", names),
		zap.Bool("audit", cfg.Audit.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	return engine, nil
}
