// Package metrics bundles the Prometheus collectors of the service. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamstats"

type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimited       prometheus.Counter
	wsClients         prometheus.Gauge
	queryDuration     *prometheus.HistogramVec
	ingestTotal       *prometheus.CounterVec
	chatBatches       *prometheus.CounterVec
	chatBatchDuration prometheus.Histogram
	snapshotDuration  prometheus.Histogram
	snapshotChannels  prometheus.Histogram
	degradedTotal     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Current connected multiview WebSocket clients",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of analytics queries by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Records accepted or rejected by the ingest endpoints",
		}, []string{"kind", "result"}),
		chatBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_batches_total",
			Help:      "Chat batch transactions by outcome",
		}, []string{"result"}),
		chatBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_batch_duration_seconds",
			Help:      "Duration of chat batch transactions",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "multiview_snapshot_duration_seconds",
			Help:      "Duration of multiview snapshot calls",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotChannels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "multiview_snapshot_channels",
			Help:      "Channels requested per multiview snapshot",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multiview_degraded_total",
			Help:      "Channels that degraded to a placeholder, by reason",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.wsClients,
		m.queryDuration,
		m.ingestTotal,
		m.chatBatches,
		m.chatBatchDuration,
		m.snapshotDuration,
		m.snapshotChannels,
		m.degradedTotal,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) ObserveQuery(operation string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(operation, result(err)).Observe(dur.Seconds())
}

// AddIngested counts n records of kind (stream, sample, chat).
func (m *Metrics) AddIngested(kind string, n int, err error) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestTotal.WithLabelValues(kind, result(err)).Add(float64(n))
}

// ObserveChatBatch matches sink.FlushFunc.
func (m *Metrics) ObserveChatBatch(n int, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.chatBatches.WithLabelValues(result(err)).Inc()
	m.chatBatchDuration.Observe(dur.Seconds())
}

// ObserveSnapshot and SnapshotDegraded implement multiview.Observer.
func (m *Metrics) ObserveSnapshot(dur time.Duration, channels int) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(dur.Seconds())
	m.snapshotChannels.Observe(float64(channels))
}

func (m *Metrics) SnapshotDegraded(reason string) {
	if m == nil {
		return
	}
	m.degradedTotal.WithLabelValues(reason).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
