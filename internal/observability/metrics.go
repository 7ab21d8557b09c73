package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and the scheduler.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	batchesTotal            *prometheus.CounterVec
	itemsDispatchedTotal    *prometheus.CounterVec
	itemsFinishedTotal      *prometheus.CounterVec
	attemptFailuresTotal    *prometheus.CounterVec
	executeDuration         *prometheus.HistogramVec
	itemsInflight           prometheus.Gauge
	retryScheduledTotal     *prometheus.CounterVec
	checkpointFailuresTotal *prometheus.CounterVec
	notificationsTotal      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docbatch",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "batches_total",
				Help:      "Batches by lifecycle event (submitted, completed, cancelled).",
			},
			[]string{"event"},
		),
		itemsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "items_dispatched_total",
				Help:      "Total number of item executions started, by batch priority.",
			},
			[]string{"priority"},
		),
		itemsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "items_finished_total",
				Help:      "Total number of items that reached a terminal state, by outcome.",
			},
			[]string{"outcome"},
		),
		attemptFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "attempt_failures_total",
				Help:      "Total number of failed execution attempts, by reason.",
			},
			[]string{"reason"},
		),
		executeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docbatch",
				Name:      "execute_duration_seconds",
				Help:      "Executor call duration in seconds grouped by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"outcome"},
		),
		itemsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docbatch",
				Name:      "items_inflight",
				Help:      "Current number of items being executed.",
			},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "retry_scheduled_total",
				Help:      "Total number of item retries scheduled, by batch priority.",
			},
			[]string{"priority"},
		),
		checkpointFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "checkpoint_failures_total",
				Help:      "Total number of store writes that failed and were dropped.",
			},
			[]string{"op"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docbatch",
				Name:      "notifications_total",
				Help:      "Completion notifications by result (delivered, deferred, failed).",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesTotal,
		m.itemsDispatchedTotal,
		m.itemsFinishedTotal,
		m.attemptFailuresTotal,
		m.executeDuration,
		m.itemsInflight,
		m.retryScheduledTotal,
		m.checkpointFailuresTotal,
		m.notificationsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatch(event string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *Metrics) IncItemDispatched(priority string) {
	if m == nil {
		return
	}
	m.itemsDispatchedTotal.WithLabelValues(normalizeLabel(priority)).Inc()
	m.itemsInflight.Inc()
}

// ObserveExecute records one finished executor call and releases its
// in-flight slot.
func (m *Metrics) ObserveExecute(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.executeDuration.WithLabelValues(normalizeLabel(outcome)).Observe(seconds)
	m.itemsInflight.Dec()
}

func (m *Metrics) IncItemFinished(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.itemsFinishedTotal.WithLabelValues(normalizeLabel(outcome)).Add(float64(n))
}

func (m *Metrics) IncAttemptFailed(reason string) {
	if m == nil {
		return
	}
	m.attemptFailuresTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncRetryScheduled(priority string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(priority)).Inc()
}

func (m *Metrics) IncCheckpointFailure(op string) {
	if m == nil {
		return
	}
	m.checkpointFailuresTotal.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *Metrics) IncNotification(result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
