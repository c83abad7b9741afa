// Package metrics owns the prometheus collectors of the service and the
// zap-backed ledger operation logger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atelier"

// Collectors groups every metric the service exports.
type Collectors struct {
	registry          *prometheus.Registry
	ledgerOperations  *prometheus.CounterVec
	ledgerCredits     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	webhookEvents     *prometheus.CounterVec
	generationOutcome *prometheus.CounterVec
}

// New registers the collectors on a private registry, plus the go and process
// collectors.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	collectorSet := &Collectors{
		registry: registry,
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation, transaction type and status.",
		}, []string{"operation", "type", "status"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credits moved by successful ledger operations.",
		}, []string{"operation", "type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		generationOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "outcomes_total",
			Help:      "Generation lifecycle outcomes by kind and status.",
		}, []string{"kind", "status"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectorSet.ledgerOperations,
		collectorSet.ledgerCredits,
		collectorSet.httpRequests,
		collectorSet.httpDuration,
		collectorSet.webhookEvents,
		collectorSet.generationOutcome,
	)
	return collectorSet
}

// Handler serves the registry in the prometheus text format.
func (collectorSet *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(collectorSet.registry, promhttp.HandlerOpts{Registry: collectorSet.registry})
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (collectorSet *Collectors) Registry() *prometheus.Registry {
	return collectorSet.registry
}

// ObserveWebhook counts a webhook delivery.
func (collectorSet *Collectors) ObserveWebhook(eventType string, outcome string) {
	collectorSet.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// ObserveGeneration counts a lifecycle outcome.
func (collectorSet *Collectors) ObserveGeneration(kind string, status string) {
	collectorSet.generationOutcome.WithLabelValues(kind, status).Inc()
}

// GinMiddleware records request counts and latency keyed by the route
// template, never the raw path.
func (collectorSet *Collectors) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		collectorSet.httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		collectorSet.httpDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}
