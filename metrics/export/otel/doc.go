// Package otel registers engine metrics as OpenTelemetry observable instruments.
//
// Counters map to Int64ObservableCounter. Each latency histogram is exported as
// one cumulative gauge per bucket plus count and sum gauges, since the metric API
// has no observable histogram.
package otel
