package stockbot

import "github.com/prometheus/client_golang/prometheus"

const (
	quotaResultAllowed   = "allowed"
	quotaResultDenied    = "denied"
	quotaResultUnlimited = "unlimited"
	quotaResultError     = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_http_requests_total",
			Help: "Total number of HTTP API requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockbot_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	messagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_messages_routed_total",
			Help: "Total number of inbound Discord messages, by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	quotaChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_quota_checks_total",
			Help: "Total number of daily quota checks, by result.",
		},
		[]string{"result"},
	)

	quotaRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockbot_quota_recorded_total",
			Help: "Total number of requests charged against a daily quota.",
		},
	)

	chartRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_chart_requests_total",
			Help: "Total number of chart API requests, by status.",
		},
		[]string{"status"},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_webhook_deliveries_total",
			Help: "Total number of webhook deliveries, by status.",
		},
		[]string{"status"},
	)

	cleanupDeletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockbot_cleanup_deleted_messages_total",
			Help: "Total number of channel messages deleted by cleanups.",
		},
	)

	discordConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockbot_discord_connected",
			Help: "Whether the Discord gateway session is connected.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		messagesRouted,
		quotaChecks,
		quotaRecorded,
		chartRequests,
		webhookDeliveries,
		cleanupDeletedMessages,
		discordConnected,
	)
}
