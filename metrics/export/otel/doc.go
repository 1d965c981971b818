// Package otel bridges gmpauth engine metrics to an OpenTelemetry meter
// through observable instruments.
package otel
