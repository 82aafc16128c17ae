// Package prometheus renders hmppsauth engine metrics in the Prometheus text
// format. Counters are named hmppsauth_*_total and the authenticate latency
// histogram hmppsauth_authenticate_latency_seconds.
//
// Nothing is registered globally; callers mount [Exporter.Handler].
package prometheus
