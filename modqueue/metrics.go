package modqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anonmod_submissions",
	Help: "Number of submissions received, by outcome",
}, []string{"outcome"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "anonmod_queue_depth",
	Help: "Number of items currently pending moderation",
})

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anonmod_decisions",
	Help: "Number of items decided, by resulting state",
}, []string{"state"})

var alreadyHandledCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anonmod_already_handled",
	Help: "Number of reviewer actions on items that had already left the queue",
}, []string{"action"})

var unauthorizedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anonmod_unauthorized_actions",
	Help: "Number of moderation actions attempted by non-reviewers",
})

var editCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anonmod_edits",
	Help: "Number of successful reviewer edits",
})

var gatewayErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anonmod_gateway_errors",
	Help: "Number of failed outbound gateway calls, by call",
}, []string{"call"})

var pendingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "anonmod_pending_duration_sec",
	Help:    "Time items spent in the queue before a decision",
	Buckets: prometheus.ExponentialBuckets(1, 4, 10),
}, []string{"state"})
