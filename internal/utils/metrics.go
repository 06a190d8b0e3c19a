package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracks performance metrics across the system. A nil *MetricsCollector is valid and
// records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	messagesAppended *prometheus.CounterVec
	conversations    prometheus.Counter
	registryRaces    prometheus.Counter
	accessDenials    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	retries          *prometheus.CounterVec

	systemStartTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &MetricsCollector{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradechat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		messagesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation logs",
		}, []string{"sender_type", "message_type"}),
		conversations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "conversations_created_total",
			Help:      "Conversations created",
		}),
		registryRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "conversation_create_races_total",
			Help:      "Conversation inserts that lost a race and were resolved by lookup",
		}),
		accessDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "access_denials_total",
			Help:      "Access gate denials by reason",
		}, []string{"reason"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "live_deliveries_total",
			Help:      "Live websocket pushes by outcome",
		}, []string{"kind", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradechat",
			Name:      "read_retries_total",
			Help:      "Idempotent reads retried after a transient failure",
		}, []string{"operation"}),
		systemStartTime: time.Now(),
	}
}

func (mc *MetricsCollector) RecordRequest(method, route string, status int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	mc.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (mc *MetricsCollector) IncrementMessages(senderType, messageType string) {
	if mc == nil {
		return
	}
	mc.messagesAppended.WithLabelValues(senderType, messageType).Inc()
}

func (mc *MetricsCollector) IncrementConversations() {
	if mc == nil {
		return
	}
	mc.conversations.Inc()
}

func (mc *MetricsCollector) IncrementRegistryRaces() {
	if mc == nil {
		return
	}
	mc.registryRaces.Inc()
}

func (mc *MetricsCollector) IncrementAccessDenials(reason string) {
	if mc == nil {
		return
	}
	mc.accessDenials.WithLabelValues(reason).Inc()
}

func (mc *MetricsCollector) IncrementDeliveries(kind string, delivered bool) {
	outcome := "offline"
	if delivered {
		outcome = "pushed"
	}
	mc.incrementDelivery(kind, outcome)
}

// IncrementWithheld counts an event that was not pushed because the recipient lost access.
func (mc *MetricsCollector) IncrementWithheld(kind string) {
	mc.incrementDelivery(kind, "withheld")
}

func (mc *MetricsCollector) incrementDelivery(kind, outcome string) {
	if mc == nil {
		return
	}
	mc.deliveries.WithLabelValues(kind, outcome).Inc()
}

func (mc *MetricsCollector) IncrementRetries(operation string) {
	if mc == nil {
		return
	}
	mc.retries.WithLabelValues(operation).Inc()
}

func (mc *MetricsCollector) Uptime() time.Duration {
	if mc == nil {
		return 0
	}
	return time.Since(mc.systemStartTime)
}

// Registry exposes the underlying registry, mainly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	if mc == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
