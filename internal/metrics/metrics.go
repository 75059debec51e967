package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omnichat_active_streams",
		Help: "Number of in-flight chat streams.",
	})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "omnichat_stream_duration_seconds",
		Help:    "Wall-clock duration of chat streams from registration to deregistration.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	StreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnichat_streams_total",
		Help: "Completed chat streams by terminal state.",
	}, []string{"state"})

	SSEPingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnichat_sse_pings_sent_total",
		Help: "Keep-alive ping frames emitted on SSE responses.",
	})

	QuotaBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnichat_quota_blocks_total",
		Help: "Stream requests rejected by quota enforcement.",
	})

	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnichat_provider_retries_total",
		Help: "Retries of provider calls after transient failures.",
	}, []string{"provider"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnichat_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omnichat_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
