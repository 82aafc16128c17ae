package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emileswarts/hmppsauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	snapshot hmppsauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() hmppsauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                       { return f.dropped }

func emptySnapshot() hmppsauth.MetricsSnapshot {
	return hmppsauth.MetricsSnapshot{
		Counters:   map[hmppsauth.MetricID]uint64{},
		Histograms: map[hmppsauth.MetricID][]uint64{},
	}
}

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{snapshot: emptySnapshot()})
	assert.Empty(t, exp.Render())

	var nilExp *Exporter
	assert.Empty(t, nilExp.Render())
}

func TestRenderCountersAndHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: hmppsauth.MetricsSnapshot{
			Counters: map[hmppsauth.MetricID]uint64{
				hmppsauth.MetricAuthSuccess:    7,
				hmppsauth.MetricAccountLockout: 1,
				hmppsauth.MetricTokenWrongUser: 2,
			},
			Histograms: map[hmppsauth.MetricID][]uint64{
				hmppsauth.MetricAuthenticateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	assert.Contains(t, out, "# TYPE hmppsauth_authenticate_success_total counter\n")
	assert.Contains(t, out, "hmppsauth_authenticate_success_total 7\n")
	assert.Contains(t, out, "hmppsauth_account_lockout_total 1\n")
	assert.Contains(t, out, "hmppsauth_token_wrong_user_total 2\n")
	assert.Contains(t, out, "hmppsauth_discovery_request_total 0\n")
	assert.Contains(t, out, `hmppsauth_authenticate_latency_seconds_bucket{le="0.005"} 1`)
	assert.Contains(t, out, `hmppsauth_authenticate_latency_seconds_bucket{le="+Inf"} 36`)
	assert.Contains(t, out, "hmppsauth_authenticate_latency_seconds_count 36\n")
	assert.Contains(t, out, "hmppsauth_audit_dropped_total 2\n")
}

func TestRenderShortHistogramPadsWithRunningTotal(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: hmppsauth.MetricsSnapshot{
			Counters: map[hmppsauth.MetricID]uint64{},
			Histograms: map[hmppsauth.MetricID][]uint64{
				hmppsauth.MetricAuthenticateLatency: {4, 1},
			},
		},
	})
	assert.Contains(t, exp.Render(), `hmppsauth_authenticate_latency_seconds_bucket{le="0.5"} 5`)
}

func TestHandlerFromEngine(t *testing.T) {
	engine, err := hmppsauth.New().
		WithProviders(staticProvider{}).
		WithRetryLedger(noLedger{}).
		WithTokenStore(noTokens{}).
		WithMetricsEnabled(true).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	_, err = engine.ResolveMasterRecord(context.Background(), "nobody")
	require.ErrorIs(t, err, hmppsauth.ErrUserNotFound)

	rec := httptest.NewRecorder()
	NewExporter(engine).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "hmppsauth_authenticate_success_total 0")
}

func BenchmarkRender(b *testing.B) {
	exp := NewExporter(fakeSource{
		snapshot: hmppsauth.MetricsSnapshot{
			Counters: map[hmppsauth.MetricID]uint64{
				hmppsauth.MetricAuthSuccess:  1000,
				hmppsauth.MetricAuthFailure:  40,
				hmppsauth.MetricTokenCreated: 120,
			},
			Histograms: map[hmppsauth.MetricID][]uint64{
				hmppsauth.MetricAuthenticateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	for b.Loop() {
		_ = exp.Render()
	}
}
