// Package metrics exposes Prometheus collectors for connections, broadcast
// fan-out, authentication, chat ingestion, and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launchchat"

// Metrics holds the collectors for one server instance. Each instance owns its
// own registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	connections    prometheus.Gauge
	authenticated  prometheus.Gauge
	authAttempts   *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	deliveries     prometheus.Counter
	deliveryStalls prometheus.Counter
	messagesPosted *prometheus.CounterVec
	presenceWrites *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently open WebSocket connections.",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "authenticated_connections",
			Help:      "Currently open WebSocket connections bound to an identity.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "auth_attempts_total",
			Help:      "Authentication frames processed, by result.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Events published to the hub, by event type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Frames accepted into a connection's outbound queue.",
		}),
		deliveryStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "delivery_stalls_total",
			Help:      "Connections force-closed because their outbound queue was full.",
		}),
		messagesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_posted_total",
			Help:      "Chat posts, by result.",
		}, []string{"result"}),
		presenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "store_writes_total",
			Help:      "Durable presence writes, by transition and result.",
		}, []string{"transition", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}

	m.Registry.MustRegister(
		m.connections,
		m.authenticated,
		m.authAttempts,
		m.broadcasts,
		m.deliveries,
		m.deliveryStalls,
		m.messagesPosted,
		m.presenceWrites,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ConnectionOpened records a new WebSocket connection.
func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

// ConnectionClosed records a closed WebSocket connection.
func (m *Metrics) ConnectionClosed(wasAuthenticated bool) {
	m.connections.Dec()
	if wasAuthenticated {
		m.authenticated.Dec()
	}
}

// AuthAttempt records the outcome of an authentication frame.
func (m *Metrics) AuthAttempt(result string) {
	m.authAttempts.WithLabelValues(result).Inc()
	if result == "ok" {
		m.authenticated.Inc()
	}
}

// Broadcast records one published event and how many queues accepted it.
func (m *Metrics) Broadcast(eventType string, delivered int) {
	m.broadcasts.WithLabelValues(eventType).Inc()
	m.deliveries.Add(float64(delivered))
}

// DeliveryStall records a connection closed for a full outbound queue.
func (m *Metrics) DeliveryStall() { m.deliveryStalls.Inc() }

// MessagePosted records the outcome of a chat post.
func (m *Metrics) MessagePosted(result string) {
	m.messagesPosted.WithLabelValues(result).Inc()
}

// PresenceWrite records a durable presence write.
func (m *Metrics) PresenceWrite(transition string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.presenceWrites.WithLabelValues(transition, result).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementInFlight increments the in-flight HTTP gauge.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP gauge.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }
