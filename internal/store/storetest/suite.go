package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// Run exercises the store.Store contract against a backend. open must return
// a fresh, empty store for every call.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"ClaimIsMutuallyExclusive", testClaimMutualExclusion},
		{"ConcurrentWorkersClaimEachJobOnce", testConcurrentDrain},
		{"RetryBound", testRetryBound},
		{"RunnerTypeIsolation", testRunnerTypeIsolation},
		{"ReportResult", testReportResult},
		{"SuccessfulJobIsNotReclaimed", testSuccessfulNotReclaimed},
		{"DedupKey", testDedup},
		{"Requeue", testRequeue},
		{"FailIfStale", testFailIfStale},
		{"ServerStatusUpsert", testServerStatus},
		{"Progress", testProgress},
		{"ListJobsFilter", testListJobs},
		{"EndToEndScenario", testEndToEnd},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

func seed(t *testing.T, s store.Store, runnerType, name string) string {
	t.Helper()
	id, err := s.InsertJob(context.Background(), models.Job{
		RunnerType: runnerType,
		Payload: models.Payload{
			Name:      name,
			ModelName: "meta-llama/" + name,
			Dataset:   "pubmedqa",
			Tasks:     "pubmedqa,medqa",
		},
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return id
}

func mustGet(t *testing.T, s store.Store, id string) *models.Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertJob(ctx, models.Job{
		ID:         "ignored",
		Status:     models.StatusSuccessful,
		RetryTimes: 5,
		RunnerType: "fast",
		Payload: models.Payload{
			Name:       "run-a",
			ModelName:  "s3://models/llama.tar.gz",
			Epoch:      2,
			MaxGenToks: 128,
		},
		OriginJobID: "origin",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" || id == "ignored" {
		t.Fatalf("expected store-assigned id, got %q", id)
	}

	job := mustGet(t, s, id)
	if job.Status != models.StatusPending {
		t.Fatalf("new job should be pending, got %s", job.Status)
	}
	if job.RetryTimes != 0 {
		t.Fatalf("new job should have retry_times 0, got %d", job.RetryTimes)
	}
	if job.Payload.ModelName != "s3://models/llama.tar.gz" || job.Payload.Epoch != 2 || job.Payload.MaxGenToks != 128 {
		t.Fatalf("payload not preserved: %+v", job.Payload)
	}
	if job.OriginJobID != "origin" {
		t.Fatalf("origin_job_id not preserved, got %q", job.OriginJobID)
	}
	if job.CreatedAt.IsZero() {
		t.Fatal("created_at should be set")
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testClaimMutualExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "contended")

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job != nil {
				claimed = append(claimed, job.ID)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if len(claimed) != 1 || claimed[0] != id {
		t.Fatalf("expected exactly one claim of %s, got %v", id, claimed)
	}
	job := mustGet(t, s, id)
	if job.Status != models.StatusRunning || job.RetryTimes != 1 {
		t.Fatalf("expected running/1, got %s/%d", job.Status, job.RetryTimes)
	}
}

func testConcurrentDrain(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs = 24
	want := map[string]bool{}
	for i := 0; i < jobs; i++ {
		want[seed(t, s, "fast", fmt.Sprintf("run-%d", i))] = true
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				if err := s.ReportResult(ctx, job.ID, models.StatusSuccessful); err != nil {
					t.Errorf("report: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if !want[id] {
			t.Fatalf("claimed unknown job %s", id)
		}
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func testRetryBound(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "flaky")
	const maxRetries = 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		job, err := s.ClaimNext(ctx, "fast", maxRetries)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if job == nil {
			t.Fatalf("claim %d: expected job", attempt)
		}
		if job.RetryTimes != attempt {
			t.Fatalf("claim %d: expected retry_times %d, got %d", attempt, attempt, job.RetryTimes)
		}
		if err := s.ReportResult(ctx, id, models.StatusError); err != nil {
			t.Fatalf("report %d: %v", attempt, err)
		}
	}

	job, err := s.ClaimNext(ctx, "fast", maxRetries)
	if err != nil {
		t.Fatalf("claim after bound: %v", err)
	}
	if job != nil {
		t.Fatalf("job past retry bound must not be claimable, got retry_times %d", job.RetryTimes)
	}
	final := mustGet(t, s, id)
	if final.Status != models.StatusError || final.RetryTimes != maxRetries {
		t.Fatalf("expected dead job error/%d, got %s/%d", maxRetries, final.Status, final.RetryTimes)
	}

	// A larger bound makes it claimable again; the bound belongs to the claim.
	job, err = s.ClaimNext(ctx, "fast", maxRetries+1)
	if err != nil || job == nil {
		t.Fatalf("expected claim under larger bound, got %v, %v", job, err)
	}
}

func testRunnerTypeIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "slow", "train")

	job, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("fast worker claimed slow job %s", job.ID)
	}
	job, err = s.ClaimNext(ctx, "slow", models.DefaultMaxRetries)
	if err != nil || job == nil {
		t.Fatalf("slow worker should claim, got %v, %v", job, err)
	}
	if job.RunnerType != "slow" {
		t.Fatalf("unexpected runner type %s", job.RunnerType)
	}
}

func testReportResult(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "report")
	if _, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ReportResult(ctx, id, models.StatusSuccessful); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	job := mustGet(t, s, id)
	if job.Status != models.StatusSuccessful || job.RetryTimes != 1 {
		t.Fatalf("expected successful/1, got %s/%d", job.Status, job.RetryTimes)
	}

	if err := s.ReportResult(ctx, id, models.StatusRunning); !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if err := s.ReportResult(ctx, "missing", models.StatusError); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testSuccessfulNotReclaimed(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "done")
	if _, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReportResult(ctx, id, models.StatusSuccessful); err != nil {
		t.Fatalf("report: %v", err)
	}
	job, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("successful job reclaimed: %+v", job)
	}
}

func testDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := models.Job{RunnerType: "fast", DedupKey: "origin-1:500", Payload: models.Payload{Revision: "500"}}
	first, err := s.InsertJob(ctx, job)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := s.InsertJob(ctx, job)
	if !errors.Is(err, store.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if second != first {
		t.Fatalf("duplicate insert should return existing id %s, got %s", first, second)
	}
	jobs, err := s.ListJobs(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after duplicate insert, got %d", len(jobs))
	}

	// Jobs without a key never collide.
	for i := 0; i < 2; i++ {
		if _, err := s.InsertJob(ctx, models.Job{RunnerType: "fast"}); err != nil {
			t.Fatalf("insert without key: %v", err)
		}
	}
}

func testRequeue(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "stuck")
	if _, err := s.ClaimNext(ctx, "fast", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequeueJob(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	job := mustGet(t, s, id)
	if job.Status != models.StatusPending || job.RetryTimes != 0 {
		t.Fatalf("expected pending/0 after requeue, got %s/%d", job.Status, job.RetryTimes)
	}
	claimed, err := s.ClaimNext(ctx, "fast", 1)
	if err != nil || claimed == nil {
		t.Fatalf("requeued job should be claimable, got %v, %v", claimed, err)
	}
	if err := s.RequeueJob(ctx, "missing"); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testServerStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	second := time.Now().Truncate(time.Millisecond)

	if err := s.UpsertServerStatus(ctx, models.ServerStatus{ServerID: "gpu-1", Status: "fetching jobs", LastModified: first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertServerStatus(ctx, models.ServerStatus{ServerID: "gpu-1", Status: "Job x is processing: run", LastModified: second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := s.UpsertServerStatus(ctx, models.ServerStatus{ServerID: "gpu-0", Status: "fetching jobs", LastModified: second}); err != nil {
		t.Fatalf("other upsert: %v", err)
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].ServerID != "gpu-0" || servers[1].ServerID != "gpu-1" {
		t.Fatalf("servers not ordered by id: %+v", servers)
	}
	if servers[1].Status != "Job x is processing: run" {
		t.Fatalf("status should be overwritten, got %q", servers[1].Status)
	}
	if !servers[1].LastModified.Equal(second) {
		t.Fatalf("expected last_modified %v, got %v", second, servers[1].LastModified)
	}
}

func testProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "slow", "train")

	if _, err := s.GetProgress(ctx, id); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound before any progress, got %v", err)
	}
	now := time.Now().Truncate(time.Millisecond)
	for _, p := range []models.Progress{
		{JobID: id, Phase: models.PhaseTraining, LastModified: now},
		{JobID: id, Phase: models.PhaseCheckpointing, Step: 500, Detail: `{"loss":0.5}`, LastModified: now},
	} {
		if err := s.UpdateProgress(ctx, p); err != nil {
			t.Fatalf("update progress: %v", err)
		}
	}
	got, err := s.GetProgress(ctx, id)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if got.Phase != models.PhaseCheckpointing || got.Step != 500 || got.Detail != `{"loss":0.5}` {
		t.Fatalf("unexpected progress %+v", got)
	}

	// progress never touches the lifecycle status
	if job := mustGet(t, s, id); job.Status != models.StatusPending {
		t.Fatalf("progress changed job status to %s", job.Status)
	}
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "fast", "a")
	seed(t, s, "fast", "b")
	seed(t, s, "slow", "c")
	if _, err := s.ClaimNext(ctx, "fast", models.DefaultMaxRetries); err != nil {
		t.Fatalf("claim: %v", err)
	}

	running, err := s.ListJobs(ctx, store.Filter{Status: models.StatusRunning})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0].ID != a {
		t.Fatalf("expected oldest fast job running, got %+v", running)
	}
	fast, err := s.ListJobs(ctx, store.Filter{RunnerType: "fast"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fast) != 2 {
		t.Fatalf("expected 2 fast jobs, got %d", len(fast))
	}
	all, err := s.ListJobs(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
}

func testEndToEnd(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "scenario")

	a, err := s.ClaimNext(ctx, "fast", 2)
	if err != nil || a == nil {
		t.Fatalf("worker A claim: %v, %v", a, err)
	}
	if job := mustGet(t, s, id); job.Status != models.StatusRunning || job.RetryTimes != 1 {
		t.Fatalf("after A claim expected running/1, got %s/%d", job.Status, job.RetryTimes)
	}

	b, err := s.ClaimNext(ctx, "fast", 2)
	if err != nil {
		t.Fatalf("worker B claim: %v", err)
	}
	if b != nil {
		t.Fatalf("worker B must not claim a running job")
	}

	if err := s.ReportResult(ctx, id, models.StatusError); err != nil {
		t.Fatalf("A report: %v", err)
	}

	b, err = s.ClaimNext(ctx, "fast", 2)
	if err != nil || b == nil {
		t.Fatalf("worker B retry claim: %v, %v", b, err)
	}
	if b.RetryTimes != 2 {
		t.Fatalf("expected retry_times 2, got %d", b.RetryTimes)
	}
	if err := s.ReportResult(ctx, id, models.StatusSuccessful); err != nil {
		t.Fatalf("B report: %v", err)
	}
	if job := mustGet(t, s, id); job.Status != models.StatusSuccessful {
		t.Fatalf("final status %s", job.Status)
	}
}

func testFailIfStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "fast", "recover")
	if _, err := s.ClaimNext(ctx, "fast", 2); err != nil {
		t.Fatalf("claim: %v", err)
	}
	seen := *mustGet(t, s, id)

	other := seen
	other.RetryTimes++
	if ok, err := s.FailIfStale(ctx, other); err != nil || ok {
		t.Fatalf("mismatched snapshot must not fail the job: %v, %v", ok, err)
	}
	if got := mustGet(t, s, id); got.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	ok, err := s.FailIfStale(ctx, seen)
	if err != nil || !ok {
		t.Fatalf("fail stale job: %v, %v", ok, err)
	}
	if got := mustGet(t, s, id); got.Status != models.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}

	again, err := s.ClaimNext(ctx, "fast", 2)
	if err != nil || again == nil || again.ID != id || again.RetryTimes != 2 {
		t.Fatalf("reclaim = %+v, %v", again, err)
	}
	// The first snapshot describes an earlier claim.
	if ok, err := s.FailIfStale(ctx, seen); err != nil || ok {
		t.Fatalf("old claim snapshot must not fail the new claim: %v, %v", ok, err)
	}

	latest := *mustGet(t, s, id)
	if err := s.ReportResult(ctx, id, models.StatusSuccessful); err != nil {
		t.Fatalf("report: %v", err)
	}
	if ok, err := s.FailIfStale(ctx, latest); err != nil || ok {
		t.Fatalf("finished job must not be failed: %v, %v", ok, err)
	}
	if got := mustGet(t, s, id); got.Status != models.StatusSuccessful {
		t.Fatalf("status = %s, want successful", got.Status)
	}

	if _, err := s.FailIfStale(ctx, models.Job{ID: "missing"}); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
