// Package internaldefs holds the metric names, help text and histogram bounds
// shared by the Prometheus and OpenTelemetry exporters, so both publish the
// same series.
//
// It performs no I/O and imports no exporter package.
package internaldefs
