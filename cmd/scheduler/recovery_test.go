package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ybxl/ftqueue/internal/heartbeat"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
	"github.com/ybxl/ftqueue/internal/store/storetest"
	"github.com/ybxl/ftqueue/internal/worker"
)

func claimOne(t *testing.T, s *storetest.Memory, name string) models.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := s.InsertJob(ctx, models.Job{RunnerType: "gpu", Payload: models.Payload{Name: name, ModelName: "m"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	job, err := s.ClaimNext(ctx, "gpu", 2)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	return *job
}

func TestRecoverMarksStaleJobsAsError(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewMemory()
	later := time.Now().Add(3 * time.Hour)

	orphan := claimOne(t, s, "orphan")
	training := claimOne(t, s, "training")
	watched := claimOne(t, s, "watched")

	// Fresh progress keeps a long training run alive.
	s.UpdateProgress(ctx, models.Progress{JobID: training.ID, Phase: models.PhaseRunning, LastModified: later})
	// So does a current heartbeat from the worker processing it.
	s.UpsertServerStatus(ctx, models.ServerStatus{ServerID: "gpu-2", Status: worker.ProcessingStatus(watched), LastModified: later})

	recovered, err := recoverOrphanedJobs(ctx, s, time.Hour, later, false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != orphan.ID {
		t.Fatalf("recovered %v, want [%s]", recovered, orphan.ID)
	}

	got, _ := s.GetJob(ctx, orphan.ID)
	if got.Status != models.StatusError {
		t.Fatalf("orphan status = %s", got.Status)
	}
	for _, id := range []string{training.ID, watched.ID} {
		if j, _ := s.GetJob(ctx, id); j.Status != models.StatusRunning {
			t.Fatalf("job %s should still be running, got %s", id, j.Status)
		}
	}

	// The recovered job is claimable again with its retry count preserved.
	again, err := s.ClaimNext(ctx, "gpu", 2)
	if err != nil || again == nil || again.ID != orphan.ID || again.RetryTimes != 2 {
		t.Fatalf("reclaim = %+v, %v", again, err)
	}
}

func TestRecoverDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewMemory()
	job := claimOne(t, s, "orphan")

	recovered, err := recoverOrphanedJobs(ctx, s, time.Minute, time.Now().Add(time.Hour), true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %v", recovered)
	}
	if got, _ := s.GetJob(ctx, job.ID); got.Status != models.StatusRunning {
		t.Fatalf("dry run changed status to %s", got.Status)
	}
}

func TestRecoverReturnsStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewMemory()
	claimOne(t, s, "orphan")
	s.ReportErr = errors.New("connection refused")

	if _, err := recoverOrphanedJobs(ctx, s, time.Minute, time.Now().Add(time.Hour), false); err == nil {
		t.Fatal("expected report error")
	}
}

func TestRecoverWithNothingRunning(t *testing.T) {
	recovered, err := recoverOrphanedJobs(context.Background(), storetest.NewMemory(), time.Minute, time.Now(), false)
	if err != nil || len(recovered) != 0 {
		t.Fatalf("recover = %v, %v", recovered, err)
	}
}

func TestRecoverLeavesHeartbeatingWorkerAlone(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewMemory()
	if _, err := s.InsertJob(ctx, models.Job{RunnerType: "gpu", Payload: models.Payload{Name: "long", ModelName: "m"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	started := make(chan models.Job, 1)
	release := make(chan struct{})
	p := worker.New(s, heartbeat.New(s, 0), worker.ExecutorFunc(func(ctx context.Context, job models.Job) error {
		started <- job
		<-release
		return nil
	}), worker.Options{
		ServerID:          "gpu-1",
		RunnerType:        "gpu",
		MaxRetries:        2,
		PollInterval:      time.Hour,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() {
		_, err := p.RunOnce(ctx)
		done <- err
	}()
	job := <-started

	// The job itself has been quiet for longer than staleAfter, but its
	// worker keeps saying it is processing it.
	const staleAfter = 50 * time.Millisecond
	time.Sleep(3 * staleAfter)
	recovered, err := recoverOrphanedJobs(ctx, s, staleAfter, time.Now(), false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered %v from a live worker", recovered)
	}

	// Nobody else can take the job while it runs.
	if other, err := s.ClaimNext(ctx, "gpu", 2); err != nil || other != nil {
		t.Fatalf("second claim = %+v, %v", other, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run once: %v", err)
	}
	want := []string{models.StatusPending, models.StatusRunning, models.StatusSuccessful}
	if got := s.History(job.ID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

// finishingStore completes every running job right after it is listed, the
// way a worker would if it reported between the scan and the write.
type finishingStore struct {
	*storetest.Memory
}

func (f finishingStore) ListJobs(ctx context.Context, filter store.Filter) ([]models.Job, error) {
	jobs, err := f.Memory.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Status == models.StatusRunning {
			if err := f.Memory.ReportResult(ctx, j.ID, models.StatusSuccessful); err != nil {
				return nil, err
			}
		}
	}
	return jobs, nil
}

func TestRecoverDoesNotOverwriteJobFinishedDuringScan(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	job := claimOne(t, mem, "finishing")

	recovered, err := recoverOrphanedJobs(ctx, finishingStore{mem}, time.Hour, time.Now().Add(2*time.Hour), false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered %v", recovered)
	}
	if got, _ := mem.GetJob(ctx, job.ID); got.Status != models.StatusSuccessful {
		t.Fatalf("status = %s, want successful", got.Status)
	}
}

// runScheduler executes the CLI against a shared in-memory store.
func runScheduler(t *testing.T, s store.Store, args ...string) (string, error) {
	t.Helper()
	a := &app{open: func(context.Context) (store.Store, error) { return s, nil }}
	root := a.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueListGetRequeue(t *testing.T) {
	s := storetest.NewMemory()

	out, err := runScheduler(t, s, "enqueue", "--runner_type", "gpu", "--name", "run-1",
		"--model_name", "meta-llama/Llama-2-7b-hf", "--dataset", "pubmedqa", "--dedup_key", "seed-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id := strings.TrimSpace(out)

	out, err = runScheduler(t, s, "enqueue", "--runner_type", "gpu", "--model_name", "x", "--dedup_key", "seed-1")
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "already enqueued") {
		t.Fatalf("duplicate enqueue output %q", out)
	}

	out, err = runScheduler(t, s, "list", "--status", "pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "run-1") {
		t.Fatalf("list output %q", out)
	}

	if _, err := s.ClaimNext(context.Background(), "gpu", 2); err != nil {
		t.Fatal(err)
	}
	s.ReportResult(context.Background(), id, models.StatusError)

	if _, err := runScheduler(t, s, "requeue", id); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	out, err = runScheduler(t, s, "get", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var view jobView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.Status != models.StatusPending || view.RetryTimes != 0 || view.Progress != nil {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := storetest.NewMemory()
	if _, err := runScheduler(t, s, "enqueue", "--model_name", "m"); err == nil {
		t.Fatal("expected error without runner type")
	}
	if _, err := runScheduler(t, s, "enqueue", "--runner_type", "gpu", "--payload", "{bad"); err == nil {
		t.Fatal("expected error for bad payload JSON")
	}
	if _, err := runScheduler(t, s, "list", "--status", "dead"); !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}
