// Package worker runs the claim/execute/report loop of a single worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// Executor runs one claimed job to completion. A nil error means success.
type Executor interface {
	Execute(ctx context.Context, job models.Job) error
}

type ExecutorFunc func(ctx context.Context, job models.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job models.Job) error { return f(ctx, job) }

type Heartbeat interface {
	Report(ctx context.Context, serverID, status string)
}

// LatencyRecorder is satisfied by the Redis store.
type LatencyRecorder interface {
	UpdateWorkerMetrics(ctx context.Context, serverID, runnerType string, d time.Duration) error
}

const DefaultHeartbeatInterval = 30 * time.Second

type Options struct {
	ServerID     string
	RunnerType   string
	MaxRetries   int
	PollInterval time.Duration
	// HeartbeatInterval is how often the processing status is rewritten
	// while a job runs.
	HeartbeatInterval time.Duration

	// OnIdle, when set, is called every time a claim attempt finds nothing.
	OnIdle func()
}

type Poller struct {
	store     store.Store
	heartbeat Heartbeat
	exec      Executor
	latency   LatencyRecorder
	opts      Options
}

func New(s store.Store, hb Heartbeat, exec Executor, opts Options) *Poller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Poller{store: s, heartbeat: hb, exec: exec, opts: opts}
}

// WithLatencyRecorder enables best-effort per-server latency tracking.
func (p *Poller) WithLatencyRecorder(r LatencyRecorder) *Poller {
	p.latency = r
	return p
}

// Run polls until ctx is cancelled. A job that is already executing is
// always run to completion and reported; cancellation only takes effect
// between jobs. Store failures end the loop with an error.
func (p *Poller) Run(ctx context.Context) error {
	log.Printf("[worker %s] polling for %s jobs (max retries %d, interval %v)",
		p.opts.ServerID, p.opts.RunnerType, p.opts.MaxRetries, p.opts.PollInterval)

	for {
		if ctx.Err() != nil {
			log.Printf("[worker %s] shutting down", p.opts.ServerID)
			return nil
		}

		claimed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if claimed {
			continue
		}

		if p.opts.OnIdle != nil {
			p.opts.OnIdle()
		}
		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("[worker %s] shutting down", p.opts.ServerID)
			return nil
		case <-timer.C:
		}
	}
}

// ProcessingStatus is the heartbeat text a worker writes while it runs job.
func ProcessingStatus(job models.Job) string {
	return fmt.Sprintf("Job %s is processing: %s", job.ID, job.Label())
}

// ProcessingJobID extracts the job ID from a ProcessingStatus text.
func ProcessingJobID(status string) (string, bool) {
	rest, ok := strings.CutPrefix(status, "Job ")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, " is processing: ")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RunOnce performs a single loop iteration and reports whether a job was
// claimed.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	p.heartbeat.Report(ctx, p.opts.ServerID, "fetching jobs")

	job, err := p.store.ClaimNext(ctx, p.opts.RunnerType, p.opts.MaxRetries)
	if errors.Is(err, store.ErrCorruptJob) {
		// The store already failed the job; its retry bound keeps it from
		// coming back forever.
		metrics.ClaimAttemptsTotal.WithLabelValues(p.opts.RunnerType, "corrupt").Inc()
		log.Printf("[worker %s] skipped unreadable job: %v", p.opts.ServerID, err)
		return true, nil
	}
	if err != nil {
		metrics.ClaimAttemptsTotal.WithLabelValues(p.opts.RunnerType, "error").Inc()
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		metrics.ClaimAttemptsTotal.WithLabelValues(p.opts.RunnerType, "empty").Inc()
		log.Printf("[worker %s] no claimable %s jobs; existing jobs are already claimed by another instance",
			p.opts.ServerID, p.opts.RunnerType)
		return false, nil
	}
	metrics.ClaimAttemptsTotal.WithLabelValues(p.opts.RunnerType, "claimed").Inc()

	// From here on the job is ours; a shutdown request must not leave it
	// running in the store without a result.
	jobCtx := context.WithoutCancel(ctx)

	status := ProcessingStatus(*job)
	p.heartbeat.Report(jobCtx, p.opts.ServerID, status)
	log.Printf("[worker %s] claimed job %s (%s), attempt %d/%d",
		p.opts.ServerID, job.ID, job.Label(), job.RetryTimes, p.opts.MaxRetries)

	metrics.RunningJobs.Set(1)
	stopHB := p.keepAlive(jobCtx, status)
	start := time.Now()
	execErr := p.exec.Execute(jobCtx, *job)
	duration := time.Since(start)
	stopHB()
	metrics.RunningJobs.Set(0)

	result := models.StatusSuccessful
	if execErr != nil {
		result = models.StatusError
		log.Printf("[worker %s] job %s failed in %v: %v", p.opts.ServerID, job.ID, duration, execErr)
	} else {
		log.Printf("[worker %s] job %s completed in %v", p.opts.ServerID, job.ID, duration)
	}

	if err := p.store.ReportResult(jobCtx, job.ID, result); err != nil {
		return true, fmt.Errorf("failed to report %s for job %s: %w", result, job.ID, err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(p.opts.RunnerType, result).Inc()
	metrics.JobDurationSeconds.WithLabelValues(p.opts.RunnerType, result).Observe(duration.Seconds())
	if p.latency != nil {
		if err := p.latency.UpdateWorkerMetrics(jobCtx, p.opts.ServerID, p.opts.RunnerType, duration); err != nil {
			log.Printf("[worker %s] failed to update latency metrics: %v", p.opts.ServerID, err)
		}
	}
	return true, nil
}

// keepAlive rewrites status every HeartbeatInterval until the returned stop
// function is called. stop waits for an in-flight write to finish.
func (p *Poller) keepAlive(ctx context.Context, status string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.heartbeat.Report(ctx, p.opts.ServerID, status)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
