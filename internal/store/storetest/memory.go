// Package storetest provides an in-memory store.Store for tests of the
// poller and the chainer.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

type Memory struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]*models.Job
	order    []string
	dedup    map[string]string
	servers  map[string]models.ServerStatus
	progress map[string]models.Progress
	history  map[string][]string

	// Injected failures, consulted on every call.
	ClaimErr     error
	ReportErr    error
	InsertErr    error
	HeartbeatErr error
	ProgressErr  error
}

var _ store.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[string]*models.Job{},
		dedup:    map[string]string{},
		servers:  map[string]models.ServerStatus{},
		progress: map[string]models.Progress{},
		history:  map[string][]string{},
	}
}

func (m *Memory) ClaimNext(ctx context.Context, runnerType string, maxRetries int) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	for _, id := range m.order {
		job := m.jobs[id]
		if !models.IsClaimable(*job, runnerType, maxRetries) {
			continue
		}
		job.Status = models.StatusRunning
		job.RetryTimes++
		job.UpdatedAt = time.Now()
		m.history[id] = append(m.history[id], job.Status)
		out := *job
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) ReportResult(ctx context.Context, jobID, status string) error {
	if err := store.ValidateResult(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReportErr != nil {
		return m.ReportErr
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	if job.Status == status {
		return nil
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	m.history[jobID] = append(m.history[jobID], status)
	return nil
}

func (m *Memory) InsertJob(ctx context.Context, job models.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return "", m.InsertErr
	}
	if job.DedupKey != "" {
		if existing, ok := m.dedup[job.DedupKey]; ok {
			return existing, fmt.Errorf("%w: %s", store.ErrDuplicateJob, job.DedupKey)
		}
	}
	m.seq++
	now := time.Now()
	job.ID = fmt.Sprintf("job-%d", m.seq)
	job.Status = models.StatusPending
	job.RetryTimes = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = &job
	m.order = append(m.order, job.ID)
	m.history[job.ID] = []string{models.StatusPending}
	if job.DedupKey != "" {
		m.dedup[job.DedupKey] = job.ID
	}
	return job.ID, nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter store.Filter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.order))
	for _, id := range m.order {
		if job := m.jobs[id]; filter.Match(*job) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *Memory) RequeueJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Status = models.StatusPending
	job.RetryTimes = 0
	job.UpdatedAt = time.Now()
	m.history[jobID] = append(m.history[jobID], models.StatusPending)
	return nil
}

func (m *Memory) FailIfStale(ctx context.Context, seen models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReportErr != nil {
		return false, m.ReportErr
	}
	job, ok := m.jobs[seen.ID]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if !store.Unchanged(*job, seen) {
		return false, nil
	}
	job.Status = models.StatusError
	job.UpdatedAt = time.Now()
	m.history[seen.ID] = append(m.history[seen.ID], models.StatusError)
	return true, nil
}

func (m *Memory) UpsertServerStatus(ctx context.Context, status models.ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeartbeatErr != nil {
		return m.HeartbeatErr
	}
	m.servers[status.ServerID] = status
	return nil
}

func (m *Memory) ListServers(ctx context.Context) ([]models.ServerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ServerStatus, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (m *Memory) UpdateProgress(ctx context.Context, progress models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProgressErr != nil {
		return m.ProgressErr
	}
	m.progress[progress.JobID] = progress
	return nil
}

func (m *Memory) GetProgress(ctx context.Context, jobID string) (*models.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return &p, nil
}

func (m *Memory) Close() error { return nil }

// History returns every status the job has been observed in, in order.
func (m *Memory) History(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history[jobID]...)
}

// Server returns the last heartbeat written for serverID.
func (m *Memory) Server(serverID string) (models.ServerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	return s, ok
}

// SetErrors swaps the injected failures under the lock.
func (m *Memory) SetErrors(fn func(m *Memory)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}
