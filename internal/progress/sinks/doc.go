// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the workflow store. Each sink satisfies progress.Sink and is
// safe for repeated Consume/Close cycles.
package sinks
