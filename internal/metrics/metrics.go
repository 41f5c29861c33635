package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsFramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_frames_in_total",
		Help: "Inbound websocket frames by type",
	}, []string{"type"})
	WsFramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_frames_out_total",
		Help: "Outbound websocket frames queued for delivery",
	})
	WsProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_protocol_errors_total",
		Help: "Malformed or rate limited inbound frames",
	})
	WsSlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_slow_consumer_total",
		Help: "Connections closed because their outbound queue was full",
	})
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_persisted_total",
		Help: "Total number of chat messages persisted",
	})
	MessagesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_replayed_total",
		Help: "Sends whose temp id was already persisted",
	})
	StatusUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_status_updates_total",
		Help: "Forward status transitions by target status",
	}, []string{"status"})
	StorageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_storage_failures_total",
		Help: "Message store failures by operation",
	}, []string{"op"})
	StorageDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_storage_degraded",
		Help: "1 while new sends are rejected after repeated storage failures",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsFramesIn, WsFramesOut, WsProtocolErrors, WsSlowConsumers,
		MessagesPersisted, MessagesReplayed, StatusUpdates,
		StorageFailures, StorageDegraded,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
