// Package metrics holds the Prometheus collectors emitted by the service.
// This module registers them but exposes no HTTP surface of its own; an
// embedding binary wires them into its own promhttp mux.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts dispatched requests by method and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_requests_total",
			Help: "Total requests dispatched by the handler, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// HandlerDuration observes handler dispatch latency by method.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "limitd_handler_duration_seconds",
			Help:    "Time spent evaluating a request against the store.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// StoreOpDuration observes store-engine operation latency.
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "limitd_store_op_duration_seconds",
			Help:    "Time spent inside a single store engine operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// ConnectionsActive tracks the number of live pipelines.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "limitd_connections_active",
		Help: "Number of currently open TCP connections being served.",
	})

	// RegistrySwaps counts successful and rejected registry replacements.
	RegistrySwaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_registry_swaps_total",
			Help: "Registry replacement attempts, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		HandlerDuration,
		StoreOpDuration,
		ConnectionsActive,
		RegistrySwaps,
	)
}
