// Package metrics exposes Prometheus counters for the engine and its HTTP
// surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	eventsTotal     *prometheus.CounterVec
	triggersCreated *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	triggerOutcomes *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	workTotal       *prometheus.CounterVec
	workDuration    *prometheus.HistogramVec
	pollRuns        *prometheus.CounterVec
	webhookErrors   prometheus.Counter
}

// New creates the metrics on a private registry. Names are prefixed with
// namespace, hyphens replaced.
func New(namespace string) *Metrics {
	ns := strings.ReplaceAll(namespace, "-", "_")
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "http_requests_total", Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})
	m.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
	m.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "events_total", Help: "Normalized events by type and outcome",
	}, []string{"type", "outcome"})
	m.triggersCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "triggers_created_total", Help: "Triggers created by type",
	}, []string{"type"})
	m.duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "duplicate_events_total", Help: "Events dropped as duplicates",
	}, []string{"type"})
	m.triggerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "trigger_outcomes_total", Help: "Triggers reaching a terminal status",
	}, []string{"status"})
	m.messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "messages_total", Help: "Dispatch results by outcome and kind",
	}, []string{"outcome", "kind"})
	m.workTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "work_items_total", Help: "Processed work items by reason and result",
	}, []string{"reason", "result"})
	m.workDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "work_item_duration_seconds", Help: "Time spent processing one work item",
		Buckets: prometheus.DefBuckets,
	}, []string{"reason"})
	m.pollRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "poll_runs_total", Help: "Comment poll runs by result",
	}, []string{"result"})
	m.webhookErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "webhook_processing_errors_total", Help: "Webhook entries that failed after acknowledgement",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal, m.httpRequestDuration,
		m.eventsTotal, m.triggersCreated, m.duplicates, m.triggerOutcomes,
		m.messagesTotal, m.workTotal, m.workDuration, m.pollRuns, m.webhookErrors,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Event counts a normalized event. outcome is matched, unmatched, routed or invalid.
func (m *Metrics) Event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) TriggerCreated(triggerType string) {
	if m == nil {
		return
	}
	m.triggersCreated.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) Duplicate(triggerType string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) TriggerFinished(status string) {
	if m == nil {
		return
	}
	m.triggerOutcomes.WithLabelValues(status).Inc()
}

// Message counts a dispatch result.
func (m *Metrics) Message(outcome, kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome, kind).Inc()
}

// Work records one processed work item.
func (m *Metrics) Work(reason, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.workTotal.WithLabelValues(reason, result).Inc()
	m.workDuration.WithLabelValues(reason).Observe(took.Seconds())
}

func (m *Metrics) PollRun(result string) {
	if m == nil {
		return
	}
	m.pollRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookError() {
	if m == nil {
		return
	}
	m.webhookErrors.Inc()
}

// Middleware returns gin middleware that collects HTTP metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
