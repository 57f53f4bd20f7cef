package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Current number of open relay connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages committed and broadcast",
	})
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Inbound frames by type",
	}, []string{"type"})
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error frames sent, by code",
	}, []string{"code"})
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Failed authentications, by reason",
	}, []string{"reason"})
	PersistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_persist_duration_seconds",
		Help:    "Time spent committing a message to the store",
		Buckets: prometheus.DefBuckets,
	})
	PersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_persist_failures_total",
		Help: "Messages that failed to commit",
	})
	HeartbeatReapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_reaps_total",
		Help: "Connections closed for missing pings",
	})
	TypingExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_typing_expired_total",
		Help: "Typing indicators cleared by the expiry sweep",
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
		WsConnections, WsMessagesTotal, FramesTotal, ErrorsTotal, AuthFailuresTotal,
		PersistDuration, PersistFailuresTotal, HeartbeatReapsTotal, TypingExpiredTotal,
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
