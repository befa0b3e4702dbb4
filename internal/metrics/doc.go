// Package metrics holds the Prometheus collectors for cadence.
//
// Collectors are registered with the default registry at init through
// promauto and served by promhttp on /metrics. Broker-side metrics are keyed
// by topic, realtime metrics by event name or failure reason.
package metrics
