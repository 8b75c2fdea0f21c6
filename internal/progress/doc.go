// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to report pool runs and consumer task outcomes. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs, Prometheus collectors or the workflow store.
package progress
