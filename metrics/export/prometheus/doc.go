// Package prometheus exposes engine metrics as a client_golang Collector.
//
// The collector reads one snapshot per scrape; it keeps no state of its own.
package prometheus
