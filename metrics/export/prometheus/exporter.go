package prometheus

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/emileswarts/hmppsauth"
	"github.com/emileswarts/hmppsauth/metrics/export/internaldefs"
)

// Source is what the exporter reads; *hmppsauth.Engine satisfies it.
type Source interface {
	MetricsSnapshot() hmppsauth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders engine metrics in the Prometheus text exposition format.
type Exporter struct {
	source Source
}

func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves Render on every request. Mount it wherever the scraper looks.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = io.WriteString(w, p.Render())
	})
}

// Render returns the current metrics. It returns "" when the engine has
// metrics disabled and has dropped no audit events.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(4096)
	for _, def := range internaldefs.Counters {
		writeCounter(&b, def, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.Histograms {
		writeHistogram(&b, def, internaldefs.Cumulative(snapshot.Histograms[def.ID]))
	}
	writeCounter(&b, internaldefs.AuditDropped, dropped)
	return b.String()
}

func writeHeader(b *strings.Builder, def internaldefs.Def, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", def.Name, escapeHelp(def.Help), def.Name, kind)
}

func writeCounter(b *strings.Builder, def internaldefs.Def, value uint64) {
	writeHeader(b, def, "counter")
	fmt.Fprintf(b, "%s %d\n", def.Name, value)
}

func writeHistogram(b *strings.Builder, def internaldefs.Def, cumulative [internaldefs.BucketCount]uint64) {
	writeHeader(b, def, "histogram")
	for i, le := range internaldefs.BucketBounds {
		fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", def.Name, le, cumulative[i])
	}
	fmt.Fprintf(b, "%s_count %d\n", def.Name, cumulative[internaldefs.BucketCount-1])
	// The engine keeps bucket counts only.
	fmt.Fprintf(b, "%s_sum 0\n", def.Name)
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
