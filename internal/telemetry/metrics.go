package telemetry

import (
	"gossip_sim/internal/dataType"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gossip_sim"

// Metrics holds one node's collectors on its own registry so several nodes
// can live in one process (tests, local simulations).
type Metrics struct {
	Registry *prometheus.Registry

	RelaysTotal     *prometheus.CounterVec
	RelayDuration   prometheus.Histogram
	RelaysInFlight  prometheus.Gauge
	EventsTotal     *prometheus.CounterVec
	Neighbors       prometheus.Gauge
	Epoch           prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RelaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relays_total",
				Help:      "Outbound SendMessage relays by result.",
			},
			[]string{"result"},
		),
		RelayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Time from relay scheduling to peer acknowledgment, including the weight delay.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		RelaysInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "relays_in_flight",
				Help:      "Relays currently holding a send slot.",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Gossip events by kind.",
			},
			[]string{"kind"},
		),
		Neighbors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "neighbors",
				Help:      "Edges in the installed neighbor table.",
			},
		),
		Epoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "epoch",
				Help:      "Number of successful neighbor table replacements.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Admin HTTP requests.",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency of admin HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
	}
	m.Registry.MustRegister(
		m.RelaysTotal, m.RelayDuration, m.RelaysInFlight, m.EventsTotal,
		m.Neighbors, m.Epoch, m.RequestsTotal, m.RequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveEvent(kind dataType.EventKind) {
	m.EventsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveRelay(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RelaysTotal.WithLabelValues(result).Inc()
	m.RelayDuration.Observe(time.Since(start).Seconds())
}

// Handler exposes the registry. Mount it at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next to record request count and latency under op.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
