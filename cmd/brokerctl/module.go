package main

import (
	"context"
	"fmt"

	"github.com/emileswarts/hmppsauth"
	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/password"
	"github.com/emileswarts/hmppsauth/pgstore"
	"github.com/emileswarts/hmppsauth/provider/federated"
	"github.com/emileswarts/hmppsauth/provider/local"
	"github.com/emileswarts/hmppsauth/provider/prison"
	"github.com/emileswarts/hmppsauth/provider/probation"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// authPool is the auth database pool. prisonPool is the prison staff pool and
// is nil when the prison backend is disabled.
type (
	authPool   struct{ *pgxpool.Pool }
	prisonPool struct{ *pgxpool.Pool }
)

// Module wires the engine and everything it needs. Constructors run only for
// what the chosen command asks for, so migrate only opens the auth database.
func Module(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*AppConfig, error) { return LoadConfig(configPath) },
			func(cfg *AppConfig) (*zap.Logger, error) { return NewLogger(cfg.Log) },
			newAuthPool,
			newPrisonPool,
			newGorm,
			newLocalRepository,
			newFederatedProvider,
			newProviders,
			newEngine,
		),
	)
}

func newRedis(lc fx.Lifecycle, cfg *AppConfig) redis.UniversalClient {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newAuthPool(lc fx.Lifecycle, cfg *AppConfig) (authPool, error) {
	pool, err := pgstore.NewPool(context.Background(), pgstore.PoolConfig{
		URL:             cfg.Postgres.URL,
		MaxConns:        cfg.Postgres.MaxConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		ConnectTimeout:  cfg.Postgres.ConnectTimeout,
	})
	if err != nil {
		return authPool{}, fmt.Errorf("auth database: %w", err)
	}
	lc.Append(fx.StopHook(pool.Close))
	return authPool{pool}, nil
}

func newPrisonPool(lc fx.Lifecycle, cfg *AppConfig) (prisonPool, error) {
	if cfg.Prison.URL == "" {
		return prisonPool{}, nil
	}
	pool, err := pgstore.NewPool(context.Background(), pgstore.PoolConfig{
		URL:            cfg.Prison.URL,
		MaxConns:       cfg.Prison.MaxConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout,
	})
	if err != nil {
		return prisonPool{}, fmt.Errorf("prison database: %w", err)
	}
	lc.Append(fx.StopHook(pool.Close))
	return prisonPool{pool}, nil
}

// newGorm shares the auth pool with the local user repository.
func newGorm(lc fx.Lifecycle, pool authPool) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool.Pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	lc.Append(fx.StopHook(sqlDB.Close))
	return db, nil
}

func newLocalRepository(db *gorm.DB) local.Repository {
	return local.NewRepository(db)
}

func newFederatedProvider(cfg *AppConfig, repo local.Repository, logger *zap.Logger) *federated.Provider {
	if !cfg.Federated.Enabled {
		return nil
	}
	return federated.New(repo, federated.TokenConfig{
		Issuer:   cfg.Federated.Issuer,
		Audience: cfg.Federated.Audience,
		Leeway:   cfg.Federated.Leeway,
		Methods:  []string{"HS256"},
		Keys:     map[string]any{"": []byte(cfg.Federated.HMACKey)},
	}, logger)
}

func newProviders(cfg *AppConfig, repo local.Repository, prisonDB prisonPool, fed *federated.Provider, logger *zap.Logger) []identity.Provider {
	providers := []identity.Provider{
		local.New(repo, password.DefaultVerifier(), logger),
	}
	if prisonDB.Pool != nil {
		providers = append(providers, prison.New(prisonDB.Pool, logger))
	}
	if cfg.Probation.BaseURL != "" {
		providers = append(providers, probation.New(context.Background(), probation.Config{
			BaseURL:      cfg.Probation.BaseURL,
			TokenURL:     cfg.Probation.TokenURL,
			ClientID:     cfg.Probation.ClientID,
			ClientSecret: cfg.Probation.ClientSecret,
			Scopes:       cfg.Probation.Scopes,
			Timeout:      cfg.Probation.Timeout,
		}, logger))
	}
	if fed != nil {
		providers = append(providers, fed)
	}
	return providers
}

func newEngine(lc fx.Lifecycle, cfg *AppConfig, providers []identity.Provider, pool authPool, logger *zap.Logger) (*hmppsauth.Engine, error) {
	b := hmppsauth.New().
		WithConfig(cfg.Broker).
		WithProviders(providers...).
		WithLogger(logger)

	switch cfg.Store {
	case StorePostgres:
		b.WithRetryLedger(pgstore.NewRetryLedger(pool.Pool)).
			WithTokenStore(pgstore.NewTokenStore(pool.Pool))
	default:
		b.WithRedis(newRedis(lc, cfg))
	}

	engine, err := b.Build()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(engine.Close))
	return engine, nil
}
