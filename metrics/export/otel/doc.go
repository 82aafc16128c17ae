// Package otel exposes hmppsauth engine metrics as OpenTelemetry observable
// instruments. Callers own the MeterProvider and pass in a Meter.
package otel
