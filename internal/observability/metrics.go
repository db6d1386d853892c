// Package observability carries the Prometheus metrics surface and the
// OpenTelemetry tracer wiring. The collector owns an isolated registry, so
// tests and multiple containers never trip duplicate registration.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "rae"

// Collector holds every Prometheus metric the service exports.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	Queries       *prometheus.CounterVec
	QueryDuration prometheus.Histogram

	MemoriesStored     prometheus.Counter
	GraphNodesCreated  prometheus.Counter
	GraphEdgesCreated  prometheus.Counter
	ReflectionsCreated prometheus.Counter

	TaskCostUSD prometheus.Counter
	SweepRuns   *prometheus.CounterVec
}

// NewCollector builds the metric set under the given namespace and registers
// it on a fresh registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Retrieval queries by cache outcome.",
			},
			[]string{"cache"},
		),
		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Retrieval pipeline latency.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		MemoriesStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_stored_total",
				Help:      "Memories persisted through the store endpoint.",
			},
		),
		GraphNodesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_nodes_created_total",
				Help:      "Graph nodes created by extraction.",
			},
		),
		GraphEdgesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_edges_created_total",
				Help:      "Graph edges created by extraction.",
			},
		),
		ReflectionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reflections_created_total",
				Help:      "Reflective memories created by consolidation.",
			},
		),
		TaskCostUSD: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_cost_usd_total",
				Help:      "Accumulated completion cost of agent tasks in USD.",
			},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeper_runs_total",
				Help:      "Background sweeper executions by outcome.",
			},
			[]string{"sweeper", "status"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Queries,
		c.QueryDuration,
		c.MemoriesStored,
		c.GraphNodesCreated,
		c.GraphEdgesCreated,
		c.ReflectionsCreated,
		c.TaskCostUSD,
		c.SweepRuns,
	)
	return c
}

// Registry exposes the collector's registry for custom gatherers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
