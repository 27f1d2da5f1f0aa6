package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusError      = "error"
)

// DefaultMaxRetries bounds how many times a single job may be claimed.
const DefaultMaxRetries = 2

var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSuccessful: true,
		StatusError:      true,
	},
	StatusError: {
		StatusRunning: true,
	},
	StatusSuccessful: {},
}

// Payload carries the task parameters. The coordinator passes it through
// untouched; only the executor and the chainer read it.
type Payload struct {
	Name         string `json:"name"`
	ModelName    string `json:"model_name"`
	Revision     string `json:"revision,omitempty"`
	Dataset      string `json:"dataset,omitempty"`
	Tasks        string `json:"tasks,omitempty"`
	Epoch        int    `json:"epoch,omitempty"`
	LearningRate string `json:"learning_rate,omitempty"`
	MaxGenToks   int    `json:"max_gen_toks,omitempty"`

	// evaluation jobs
	NumShots        int    `json:"num_shots"`
	InferenceEngine string `json:"inference_engine,omitempty"`
	ModelPrompt     string `json:"model_prompt,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
}

type Job struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	RunnerType string  `json:"runner_type"`
	RetryTimes int     `json:"retry_times"`
	Payload    Payload `json:"payload"`

	// DedupKey is unique across the store when set; chained jobs use
	// "<origin job id>:<checkpoint step>".
	DedupKey    string `json:"dedup_key,omitempty"`
	OriginJobID string `json:"origin_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Label is the human readable name used in heartbeats and logs.
func (j Job) Label() string {
	if j.Payload.Name != "" {
		return j.Payload.Name
	}
	return j.Payload.ModelName
}

func NewJobID() string {
	return uuid.New().String()
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSuccessful, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether status can be written by ReportResult.
func IsTerminal(status string) bool {
	return status == StatusSuccessful || status == StatusError
}

// IsClaimable is the claim predicate shared by every store backend.
func IsClaimable(job Job, runnerType string, maxRetries int) bool {
	if job.RunnerType != runnerType {
		return false
	}
	if job.Status != StatusPending && job.Status != StatusError {
		return false
	}
	return job.RetryTimes < maxRetries
}

func IsValidTransition(from, to string) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}
