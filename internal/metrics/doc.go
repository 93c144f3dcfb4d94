// Package metrics defines the Prometheus instruments exported on /metrics.
//
// Instruments live on a Metrics value registered against an explicit
// prometheus.Registerer rather than the global default registry, so tests
// and multiple monitors in one process do not collide.
package metrics
