package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
	"github.com/ybxl/ftqueue/internal/worker"
)

// recoverOrphanedJobs finds running jobs with no sign of life for longer
// than staleAfter and sets them to error, which makes them claimable again
// while retries remain. The write is conditional on the job still being the
// running claim that was scanned, so a job that finishes or is reclaimed in
// the meantime is left alone. A job's last sign of life is the latest of its
// own update, its training progress and the heartbeat of a worker that says
// it is processing the job.
func recoverOrphanedJobs(ctx context.Context, s store.Store, staleAfter time.Duration, now time.Time, dryRun bool) ([]string, error) {
	running, err := s.ListJobs(ctx, store.Filter{Status: models.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	if len(running) == 0 {
		log.Println("[recover] no running jobs found - nothing to recover")
		return nil, nil
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	heartbeats := map[string]models.ServerStatus{}
	for _, srv := range servers {
		if id, ok := worker.ProcessingJobID(srv.Status); ok {
			heartbeats[id] = srv
		}
	}

	var recovered []string
	for _, job := range running {
		lastSeen := job.UpdatedAt
		owner := ""
		if srv, ok := heartbeats[job.ID]; ok {
			owner = srv.ServerID
			lastSeen = latest(lastSeen, srv.LastModified)
		}
		p, err := s.GetProgress(ctx, job.ID)
		switch {
		case err == nil:
			lastSeen = latest(lastSeen, p.LastModified)
		case !errors.Is(err, store.ErrJobNotFound):
			return recovered, fmt.Errorf("failed to read progress of %s: %w", job.ID, err)
		}

		age := now.Sub(lastSeen)
		if age <= staleAfter {
			continue
		}
		if owner == "" {
			log.Printf("[recover] job %s has no worker heartbeat, last seen %v ago", job.ID, age.Truncate(time.Second))
		} else {
			log.Printf("[recover] job %s on %s is stale, last seen %v ago", job.ID, owner, age.Truncate(time.Second))
		}
		if dryRun {
			recovered = append(recovered, job.ID)
			continue
		}
		ok, err := s.FailIfStale(ctx, job)
		if err != nil {
			return recovered, fmt.Errorf("failed to mark %s as error: %w", job.ID, err)
		}
		if !ok {
			log.Printf("[recover] job %s changed since the scan, left alone", job.ID)
			continue
		}
		recovered = append(recovered, job.ID)
	}

	if len(recovered) > 0 {
		log.Printf("[recover] %d jobs recovered", len(recovered))
	} else {
		log.Println("[recover] no stuck jobs found")
	}
	return recovered, nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
