package telegram

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "telegram_api_requests",
	Help: "Number of Bot API calls, by method and result",
}, []string{"method", "status"})

var apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "telegram_api_request_duration_sec",
	Help:    "Duration of Bot API calls, including retries",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"method"})

var updatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "telegram_updates_received",
	Help: "Number of updates received, by type and delivery mode",
}, []string{"type", "source"})

var updatesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "telegram_updates_inflight",
	Help: "Number of updates currently being handled",
})

var editFallbackCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "telegram_notice_edit_fallbacks",
	Help: "Number of reviewer notice updates that needed a fallback, by fallback",
}, []string{"fallback"})
