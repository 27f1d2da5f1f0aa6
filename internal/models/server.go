package models

import (
	"os"
	"time"

	"github.com/google/uuid"
)

type ServerStatus struct {
	ServerID     string    `json:"server_id"`
	Status       string    `json:"status"`
	LastModified time.Time `json:"last_modified"`
}

// WorkerMetrics is the running job latency of one server, kept by the Redis
// backend only.
type WorkerMetrics struct {
	ServerID     string  `json:"server_id"`
	RunnerType   string  `json:"runner_type"`
	AvgLatencyMs float64 `json:"avg_latency_ms"` // exponential moving average
	JobsDone     int64   `json:"jobs_done"`
}

const (
	PhaseTraining      = "training"
	PhaseRunning       = "running"
	PhaseCheckpointing = "checkpointing"
	PhaseFinished      = "finished"
)

// Progress is the live view of a running job written by the trainer hook.
// It is kept apart from Job.Status so the lifecycle stays monotonic.
type Progress struct {
	JobID        string    `json:"job_id"`
	Phase        string    `json:"phase"`
	Step         int       `json:"step"`
	Detail       string    `json:"detail,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// DefaultServerID is used when the operator does not pass --server_id.
func DefaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
