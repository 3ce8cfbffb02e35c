package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_attempts_total",
		Help: "Publish attempts by platform and outcome.",
	}, []string{"platform", "outcome"})

	metricPublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_publish_duration_seconds",
		Help:    "Duration of publish attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	metricQueueClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_claims_total",
		Help: "Queue claim attempts by outcome (won, lost).",
	}, []string{"outcome"})

	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dead_letters_total",
		Help: "Publications moved to the dead-letter state.",
	})

	metricJobExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_job_executions_total",
		Help: "Cron job executions by status.",
	}, []string{"status"})
)
