// Command hmppsauth-loadtest drives concurrent authentications and token
// round trips through an engine backed by Redis, and reports latency
// percentiles per phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/emileswarts/hmppsauth"
	"github.com/emileswarts/hmppsauth/password"
	"github.com/emileswarts/hmppsauth/provider/local"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const seedPassword = "load-test-password"

func main() {
	var (
		users       = flag.Int("users", 10000, "number of local users to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase")
		failRate    = flag.Float64("fail-rate", 0.1, "fraction of authentications sent with a wrong password")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 || *failRate < 0 || *failRate > 1 {
		fmt.Fprintln(os.Stderr, "users, concurrency and ops must be > 0 and fail-rate within [0,1]")
		os.Exit(2)
	}

	ctx := context.Background()

	client, cleanup, err := connectRedis(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	fmt.Printf("seeding %d users...\n", *users)
	startSeed := time.Now()
	repo, names, err := seedUsers(*users)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	cfg := hmppsauth.DefaultConfig()
	// Keep seeded users unlocked through the failure mix.
	cfg.Retry.Threshold = *ops + 1
	cfg.Retry.APIThreshold = *ops + 1
	engine, err := hmppsauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithProviders(local.New(repo, password.DefaultVerifier(), zap.NewNop())).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	authStats := runPhase(ctx, *ops, *concurrency, func(ctx context.Context, r *rand.Rand) error {
		pw := seedPassword
		if r.Float64() < *failRate {
			pw = "wrong"
		}
		res, err := engine.Authenticate(ctx, hmppsauth.AuthenticateRequest{
			Username: names[r.IntN(len(names))],
			Password: pw,
		})
		if err != nil {
			return err
		}
		if pw == seedPassword && res.State != hmppsauth.StateAuthenticated {
			return hmppsauth.StateErr(res.State)
		}
		return nil
	})

	tokenStats := runPhase(ctx, *ops, *concurrency, func(ctx context.Context, r *rand.Rand) error {
		owner := names[r.IntN(len(names))]
		id, err := engine.CreateVerificationToken(ctx, hmppsauth.TokenAccountChange, owner)
		if err != nil {
			return err
		}
		// Another worker may have consumed the same owner's token first.
		if _, err := engine.ConsumeToken(ctx, hmppsauth.TokenAccountChange, id); err != nil && hmppsauth.TokenReason(err) == "" {
			return err
		}
		return nil
	})

	fmt.Println("---- results ----")
	printStats("authenticate", authStats)
	printStats("token create+consume", tokenStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("engine: success=%d failure=%d tokens_created=%d tokens_reused=%d\n",
		snap.Counters[hmppsauth.MetricAuthSuccess],
		snap.Counters[hmppsauth.MetricAuthFailure],
		snap.Counters[hmppsauth.MetricTokenCreated],
		snap.Counters[hmppsauth.MetricTokenReused])
}

func connectRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

// runPhase spreads ops calls of op over concurrency workers.
func runPhase(ctx context.Context, ops, concurrency int, op func(context.Context, *rand.Rand) error) phaseStats {
	var (
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := range concurrency {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)))
			mine := make([]time.Duration, 0, ops/concurrency+1)
			for cursor.Add(1) <= int64(ops) {
				t0 := time.Now()
				if err := op(gctx, r); err != nil {
					failures.Add(1)
				}
				mine = append(mine, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, mine...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := (len(samples) - 1) * min(max(p, 0), 100) / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
