package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat daemon.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of messages written to the remote store.",
		},
		[]string{"type"},
	)
	sendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Total number of failed sends.",
		},
		[]string{"reason"},
	)
	decryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_decrypt_failures_total",
			Help: "Total number of envelopes that could not be decrypted.",
		},
	)
	deliveryTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_delivery_triggers_total",
			Help: "Total number of reconciliations triggered by push events and poll ticks.",
		},
		[]string{"source", "op"},
	)
	activeConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_conversations",
			Help: "Number of open conversations.",
		},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		messagesSentTotal,
		sendFailuresTotal,
		decryptFailuresTotal,
		deliveryTriggersTotal,
		activeConversations,
		wsActiveConnections,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncMessageSent(messageType string) {
	messagesSentTotal.WithLabelValues(messageType).Inc()
}

func IncSendFailure(reason string) {
	sendFailuresTotal.WithLabelValues(reason).Inc()
}

func IncDecryptFailure() {
	decryptFailuresTotal.Inc()
}

func IncDeliveryTrigger(source, op string) {
	deliveryTriggersTotal.WithLabelValues(source, op).Inc()
}

func IncActiveConversations() {
	activeConversations.Inc()
}

func DecActiveConversations() {
	activeConversations.Dec()
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
