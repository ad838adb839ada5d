// Package metrics exposes Prometheus instrumentation for the record store,
// ingestion, the report cache and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pooltrace"

// Collector owns a private registry so tests and multiple servers in one
// process never collide on the default registerer.
type Collector struct {
	registry *prometheus.Registry

	recordsWritten  *prometheus.CounterVec
	recordsRejected *prometheus.CounterVec
	ingestRows      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	missingReflexes prometheus.Gauge
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records accepted by the record store.",
		}, []string{"entity"}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Writes rejected by the record store for integrity violations.",
		}, []string{"entity"}),
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Rows read from intake, pool plan and result feeds by outcome.",
		}, []string{"feed", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_cache_lookups_total",
			Help:      "Report cache lookups by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		missingReflexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "missing_reflexes",
			Help:      "Members of flagged pools without a reflex test at the last scan.",
		}),
	}

	c.registry.MustRegister(
		c.recordsWritten,
		c.recordsRejected,
		c.ingestRows,
		c.cacheLookups,
		c.requests,
		c.requestDuration,
		c.missingReflexes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordWritten counts an accepted store write.
func (c *Collector) RecordWritten(entity string) {
	c.recordsWritten.WithLabelValues(entity).Inc()
}

// RecordRejected counts a rejected store write.
func (c *Collector) RecordRejected(entity string) {
	c.recordsRejected.WithLabelValues(entity).Inc()
}

// IngestRows adds n rows with the given outcome for a feed.
func (c *Collector) IngestRows(feed, outcome string, n int) {
	if n <= 0 {
		return
	}
	c.ingestRows.WithLabelValues(feed, outcome).Add(float64(n))
}

// CacheHit counts a report cache hit.
func (c *Collector) CacheHit() {
	c.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss counts a report cache miss.
func (c *Collector) CacheMiss() {
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetMissingReflexes records the size of the last exception scan.
func (c *Collector) SetMissingReflexes(n int) {
	c.missingReflexes.Set(float64(n))
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
