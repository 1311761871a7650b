package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/kafra/internal/events"
)

const namespace = "kafra"

// Metrics records session activity from the event bus as Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal  *prometheus.CounterVec
	frameBytes   *prometheus.CounterVec
	desyncsTotal *prometheus.CounterVec
	phaseEvents  *prometheus.CounterVec
	phaseSeconds *prometheus.HistogramVec
	phaseActive  *prometheus.GaugeVec
	authRefused  *prometheus.CounterVec
	chatTotal    prometheus.Counter
	mapChanges   prometheus.Counter

	apiRequests    *prometheus.CounterVec
	apiSeconds     *prometheus.HistogramVec
	apiRateLimited prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Framed packets received, by phase and packet name",
		}, []string{"phase", "packet"}),

		frameBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Bytes of framed packets received, by phase",
		}, []string{"phase"}),

		desyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_desyncs_total",
			Help:      "Connections dropped because the stream lost alignment",
		}, []string{"phase"}),

		phaseEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase lifecycle transitions, by phase and resulting state",
		}, []string{"phase", "state"}),

		phaseSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each phase",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60, 600, 3600},
		}, []string{"phase"}),

		phaseActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_active",
			Help:      "1 while the phase connection is open",
		}, []string{"phase"}),

		authRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_refused_total",
			Help:      "Login refusals, by reason",
		}, []string{"reason"}),

		chatTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat lines received on the map server",
		}),

		mapChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_changes_total",
			Help:      "Map moves ordered by the map server",
		}),

		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Status API requests, by method, route and status code",
		}, []string{"method", "route", "status"}),

		apiSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Status API request latency, by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		apiRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Status API requests rejected by the rate limiter",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one served API request. route is the route
// template, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiSeconds.WithLabelValues(route).Observe(d.Seconds())
}

// RateLimited counts one request rejected by the API rate limiter.
func (m *Metrics) RateLimited() { m.apiRateLimited.Inc() }

// Attach subscribes the collector to bus.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventAny, "metrics", m.record)
}

// Detach removes the subscription made by Attach.
func (m *Metrics) Detach(bus *events.EventBus) {
	bus.Unsubscribe(events.EventAny, "metrics")
}

func (m *Metrics) record(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.FramePayload:
		phase := p.Phase.String()
		m.framesTotal.WithLabelValues(phase, p.Name).Inc()
		m.frameBytes.WithLabelValues(phase).Add(float64(p.Size))
	case events.DesyncPayload:
		m.desyncsTotal.WithLabelValues(p.Phase.String()).Inc()
	case events.PhasePayload:
		m.phaseEvents.WithLabelValues(p.Name, p.State.String()).Inc()
		switch event.Type {
		case events.EventPhaseStarted:
			m.phaseActive.WithLabelValues(p.Name).Set(1)
		case events.EventPhaseEnded:
			m.phaseActive.WithLabelValues(p.Name).Set(0)
			m.phaseSeconds.WithLabelValues(p.Name).Observe(p.Duration.Seconds())
		}
	case events.AuthRefusedPayload:
		m.authRefused.WithLabelValues(p.Reason).Inc()
	case events.ChatPayload:
		m.chatTotal.Inc()
	case events.MapChangedPayload:
		m.mapChanges.Inc()
	}
	return nil
}
