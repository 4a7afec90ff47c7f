// Package metrics provides Prometheus metrics for the order widget services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	RenderPasses     *prometheus.CounterVec
	RenderDuration   *prometheus.HistogramVec
	RenderedItems    prometheus.Histogram
	ActionsOffered   *prometheus.CounterVec
	Diagnostics      *prometheus.CounterVec
	SectionEvents    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	KafkaProduced    *prometheus.CounterVec
	KafkaConsumed    *prometheus.CounterVec
	OutboxPublishes  *prometheus.CounterVec
	OutboxFailures   *prometheus.CounterVec
	OutboxPendingNow prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
}

// New creates the metrics on their own registry, together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RenderPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderwidget_render_passes_total",
			Help: "Render passes by kind (plan, orderables, actions) and form mode",
		}, []string{"kind", "mode"}),
		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderwidget_render_duration_seconds",
			Help:    "Render pass duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}, []string{"kind"}),
		RenderedItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderwidget_rendered_items",
			Help:    "Items in a render plan",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		ActionsOffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderwidget_actions_offered_total",
			Help: "Lifecycle actions offered on rendered orders",
		}, []string{"action"}),
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderwidget_history_diagnostics_total",
			Help: "History integrity findings by code",
		}, []string{"code"}),
		SectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderwidget_section_events_total",
			Help: "Section session events recorded",
		}, []string{"event_type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderwidget_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderwidget_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		KafkaProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Kafka messages produced",
		}, []string{"topic"}),
		KafkaConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages consumed",
		}, []string{"topic"}),
		OutboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries relayed",
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox relay attempts that failed",
		}, []string{"topic"}),
		OutboxPendingNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RenderPasses,
		m.RenderDuration,
		m.RenderedItems,
		m.ActionsOffered,
		m.Diagnostics,
		m.SectionEvents,
		m.HTTPRequests,
		m.HTTPDuration,
		m.KafkaProduced,
		m.KafkaConsumed,
		m.OutboxPublishes,
		m.OutboxFailures,
		m.OutboxPendingNow,
		m.BreakerState,
	)
	return m
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObservePlan records one reconstruct pass
func (m *Metrics) ObservePlan(plan order.Plan, took time.Duration) {
	m.RenderPasses.WithLabelValues("plan", string(plan.Mode)).Inc()
	m.RenderDuration.WithLabelValues("plan").Observe(took.Seconds())
	m.RenderedItems.Observe(float64(len(plan.Items())))
	for _, s := range plan.Sections {
		for _, a := range s.Current().AllowedActions {
			m.ActionsOffered.WithLabelValues(a.String()).Inc()
		}
	}
	m.observeDiagnostics(plan.Diagnostics)
}

// ObserveOrderables records one per-drug render pass
func (m *Metrics) ObserveOrderables(mode order.Mode, views []order.OrderableView, took time.Duration) {
	m.RenderPasses.WithLabelValues("orderables", string(mode)).Inc()
	m.RenderDuration.WithLabelValues("orderables").Observe(took.Seconds())
	for _, v := range views {
		m.RenderedItems.Observe(float64(len(v.Items)))
		for _, a := range v.AllowedActions {
			m.ActionsOffered.WithLabelValues(a.String()).Inc()
		}
		m.observeDiagnostics(v.Diagnostics)
	}
}

// ObserveActions records a single-order eligibility lookup
func (m *Metrics) ObserveActions(mode order.Mode, actions []order.Action, took time.Duration) {
	m.RenderPasses.WithLabelValues("actions", string(mode)).Inc()
	m.RenderDuration.WithLabelValues("actions").Observe(took.Seconds())
	for _, a := range actions {
		m.ActionsOffered.WithLabelValues(a.String()).Inc()
	}
}

func (m *Metrics) observeDiagnostics(diags []order.Diagnostic) {
	for _, d := range diags {
		m.Diagnostics.WithLabelValues(string(d.Code)).Inc()
	}
}

// SectionEvent counts one recorded section event
func (m *Metrics) SectionEvent(eventType string) {
	m.SectionEvents.WithLabelValues(eventType).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// MessageProduced counts one produced Kafka record
func (m *Metrics) MessageProduced(topic string) { m.KafkaProduced.WithLabelValues(topic).Inc() }

// MessageConsumed counts one consumed Kafka record
func (m *Metrics) MessageConsumed(topic string) { m.KafkaConsumed.WithLabelValues(topic).Inc() }

// OutboxPublished implements postgres.OutboxMetrics
func (m *Metrics) OutboxPublished(topic string) { m.OutboxPublishes.WithLabelValues(topic).Inc() }

// OutboxFailed implements postgres.OutboxMetrics
func (m *Metrics) OutboxFailed(topic string) { m.OutboxFailures.WithLabelValues(topic).Inc() }

// OutboxPending implements postgres.OutboxMetrics
func (m *Metrics) OutboxPending(n int64) { m.OutboxPendingNow.Set(float64(n)) }

// BreakerStateChanged is a circuitbreaker.Config.OnStateChange hook
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(to.Gauge())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
