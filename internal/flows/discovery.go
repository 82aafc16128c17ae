package flows

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultBackendTimeout = 5 * time.Second

type DiscoverFilter struct {
	Roles   []string
	Sources []identity.AuthSource
}

type DiscoverMetrics struct {
	Request        int
	BackendFailure int
}

type DiscoverErrors struct {
	BackendUnavailable error
}

// DiscoverDeps wires account discovery.
type DiscoverDeps struct {
	Providers      []identity.Provider
	BackendTimeout time.Duration
	Concurrency    int

	Observer
	Metrics DiscoverMetrics
	Errors  DiscoverErrors
}

// RunDiscoverAccounts asks every in-scope backend for accounts registered to
// email, concurrently and each under its own timeout. A failing backend is
// logged and contributes nothing; only when every queried backend fails is an
// error returned. Results are a flat list of enabled records in no set order.
func RunDiscoverAccounts(ctx context.Context, email string, filter DiscoverFilter, deps DiscoverDeps) ([]identity.UserRecord, error) {
	deps.Observer.normalize()
	if deps.BackendTimeout <= 0 {
		deps.BackendTimeout = defaultBackendTimeout
	}
	deps.MetricInc(deps.Metrics.Request)

	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}

	var targets []identity.Provider
	for _, p := range deps.Providers {
		if p == nil {
			continue
		}
		if len(filter.Sources) > 0 && !slices.Contains(filter.Sources, p.Source()) {
			continue
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		results  []identity.UserRecord
		failures int
	)

	g, gctx := errgroup.WithContext(ctx)
	if deps.Concurrency > 0 {
		g.SetLimit(deps.Concurrency)
	}
	for _, p := range targets {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, deps.BackendTimeout)
			defer cancel()

			records, err := p.FindByEmail(bctx, email)
			if err != nil {
				deps.MetricInc(deps.Metrics.BackendFailure)
				deps.Logger.Warn("account discovery backend failed",
					zap.String("source", p.Source().String()), zap.Error(err))
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}

			kept := make([]identity.UserRecord, 0, len(records))
			for _, rec := range records {
				if !rec.Enabled {
					continue
				}
				if len(filter.Roles) > 0 && !rec.HasAnyRole(filter.Roles...) {
					continue
				}
				kept = append(kept, rec)
			}
			mu.Lock()
			results = append(results, kept...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failures == len(targets) {
		sentinel := deps.Errors.BackendUnavailable
		if sentinel == nil {
			sentinel = errors.New("all discovery backends failed")
		}
		return nil, fmt.Errorf("%w: all %d discovery backends failed", sentinel, failures)
	}
	return results, nil
}
