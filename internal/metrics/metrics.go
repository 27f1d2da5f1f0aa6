package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	ClaimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftq_claim_attempts_total",
			Help: "Total number of claim attempts against the job store",
		},
		[]string{"runner_type", "outcome"}, // claimed, empty, corrupt, error
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftq_jobs_completed_total",
			Help: "Total number of jobs whose result was reported",
		},
		[]string{"runner_type", "status"}, // successful, error
	)

	JobsChainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftq_jobs_chained_total",
			Help: "Total number of downstream jobs inserted from checkpoints",
		},
		[]string{"runner_type", "result"}, // inserted, duplicate, error
	)

	HeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ftq_heartbeat_failures_total",
			Help: "Total number of server status writes that failed",
		},
	)

	ArtifactFetchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ftq_artifact_fetch_failures_total",
			Help: "Total number of model downloads that failed",
		},
	)

	// Gauges
	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ftq_running_jobs",
			Help: "Jobs currently executing on this worker (0 or 1)",
		},
	)

	// Training runs take hours; buckets go from 1s to ~36h.
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ftq_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		},
		[]string{"runner_type", "status"},
	)
)
