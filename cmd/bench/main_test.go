package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store/storetest"
	"github.com/ybxl/ftqueue/internal/worker"
)

func testBenchConfig() benchConfig {
	return benchConfig{
		runnerType:  "bench",
		jobs:        20,
		concurrency: 4,
		maxRetries:  2,
		model:       "tiny",
		dataset:     "d",
		interval:    time.Millisecond,
	}
}

func TestEnqueueJobsInsertsDistinctJobs(t *testing.T) {
	s := storetest.NewMemory()
	ids, err := enqueueJobs(context.Background(), s, testBenchConfig())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("bad or duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != 20 {
		t.Fatalf("got %d ids", len(seen))
	}
}

func TestEnqueueJobsReportsStoreErrors(t *testing.T) {
	s := storetest.NewMemory()
	s.InsertErr = errors.New("read-only replica")
	if _, err := enqueueJobs(context.Background(), s, testBenchConfig()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDrainWithWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := storetest.NewMemory()
	cfg := testBenchConfig()

	ids, err := enqueueJobs(ctx, s, cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Jobs with an odd sequence fail every attempt and end up dead.
	exec := worker.ExecutorFunc(func(ctx context.Context, job models.Job) error {
		n, err := strconv.Atoi(strings.TrimPrefix(job.Payload.Name, "bench-"))
		if err == nil && n%2 == 1 {
			return errors.New("boom")
		}
		return nil
	})
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	for i := 0; i < 3; i++ {
		p := worker.New(s, nopHeartbeat{}, exec, worker.Options{
			ServerID:     "bench",
			RunnerType:   cfg.runnerType,
			MaxRetries:   cfg.maxRetries,
			PollInterval: time.Millisecond,
		})
		go p.Run(workerCtx)
	}

	info, err := waitForDrain(ctx, s, ids, cfg)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if info.successful != 10 || info.dead != 10 {
		t.Fatalf("successful=%d dead=%d, want 10/10", info.successful, info.dead)
	}
}

func TestDrainHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s := storetest.NewMemory()
	cfg := testBenchConfig()
	ids, _ := enqueueJobs(ctx, s, cfg)

	if _, err := waitForDrain(ctx, s, ids, cfg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

type nopHeartbeat struct{}

func (nopHeartbeat) Report(context.Context, string, string) {}
