package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiteexec",
		Name:      "ratelimit_admissions_total",
		Help:      "Calls admitted per rate limit scope.",
	}, []string{"scope"})

	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiteexec",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent queued for admission.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 60},
	}, []string{"scope"})

	OrderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiteexec",
		Name:      "order_calls_total",
		Help:      "Order router calls by operation, mode and outcome.",
	}, []string{"op", "mode", "outcome"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiteexec",
		Name:      "job_transitions_total",
		Help:      "Algorithmic job state transitions.",
	}, []string{"type", "state"})
)
