// Package store defines the job store contract shared by the Redis and
// SQLite backends.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ybxl/ftqueue/internal/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrDuplicateJob  = errors.New("duplicate job")
	ErrInvalidStatus = errors.New("invalid job status")
	// ErrCorruptJob is returned by ClaimNext when the claimed record cannot
	// be decoded. The job has already been set to error.
	ErrCorruptJob    = errors.New("corrupt job record")
)

// Store is the typed access layer over the persisted jobs, server statuses
// and job progress records.
type Store interface {
	// ClaimNext atomically picks one job of runnerType whose status is
	// pending or error and whose retry_times is below maxRetries, marks it
	// running and increments retry_times. It returns (nil, nil) when nothing
	// is claimable.
	ClaimNext(ctx context.Context, runnerType string, maxRetries int) (*models.Job, error)
	// ReportResult sets a terminal status unconditionally.
	ReportResult(ctx context.Context, jobID, status string) error
	// InsertJob stores job as pending with retry_times 0 and returns its new
	// ID. If job.DedupKey was already used the existing ID is returned with
	// an error wrapping ErrDuplicateJob.
	InsertJob(ctx context.Context, job models.Job) (string, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]models.Job, error)
	// RequeueJob resets a job to pending with retry_times 0. Operator only.
	RequeueJob(ctx context.Context, jobID string) error
	// FailIfStale sets a running job to error only if it is still exactly
	// as observed in seen (running, same retry_times and updated_at to the
	// millisecond). It reports whether the write happened.
	FailIfStale(ctx context.Context, seen models.Job) (bool, error)

	UpsertServerStatus(ctx context.Context, status models.ServerStatus) error
	ListServers(ctx context.Context) ([]models.ServerStatus, error)

	UpdateProgress(ctx context.Context, progress models.Progress) error
	GetProgress(ctx context.Context, jobID string) (*models.Progress, error)

	Close() error
}

type Filter struct {
	Status     string
	RunnerType string
}

func (f Filter) Match(job models.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.RunnerType != "" && job.RunnerType != f.RunnerType {
		return false
	}
	return true
}

// Unchanged reports whether current is the same claim of a running job as
// seen. Timestamps compare at millisecond precision, the resolution every
// backend stores.
func Unchanged(current, seen models.Job) bool {
	return current.Status == models.StatusRunning &&
		current.RetryTimes == seen.RetryTimes &&
		current.UpdatedAt.UnixMilli() == seen.UpdatedAt.UnixMilli()
}

// ValidateResult rejects statuses ReportResult must not write.
func ValidateResult(status string) error {
	if !models.IsTerminal(status) {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, status)
	}
	return nil
}
