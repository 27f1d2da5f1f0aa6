package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
	"github.com/ybxl/ftqueue/internal/store/storetest"
)

type fakeHub struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	failErr error
}

func (h *fakeHub) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	if h.failOn != "" && strings.HasPrefix(call, h.failOn) {
		return h.failErr
	}
	return nil
}

func (h *fakeHub) CreateRepo(ctx context.Context, repoID string) error {
	return h.record("create " + repoID)
}

func (h *fakeHub) UploadFolder(ctx context.Context, localPath, repoID string) error {
	return h.record("upload " + localPath + " " + repoID)
}

func (h *fakeHub) CreateTag(ctx context.Context, repoID, tag string) error {
	return h.record("tag " + repoID + " " + tag)
}

type mergerFunc func(ctx context.Context, base, adapter, out string) error

func (f mergerFunc) Merge(ctx context.Context, base, adapter, out string) error {
	return f(ctx, base, adapter, out)
}

var noopMerge = mergerFunc(func(context.Context, string, string, string) error { return nil })

func testChainConfig() config.ChainConfig {
	return config.Default().Chain
}

func newTestChainer(s Store, hub Hub, merger Merger) *Chainer {
	return New(s, hub, merger, testChainConfig(), Origin{
		JobID:      "job-origin",
		ModelPath:  "meta-llama/Llama-2-7b-hf",
		Tasks:      "pubmedqa,medqa",
		MaxGenToks: 128,
	})
}

func TestSaveInsertsEvaluationJob(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	hub := &fakeHub{}
	var mergedFrom, mergedTo string
	merger := mergerFunc(func(_ context.Context, base, adapter, out string) error {
		if base != "meta-llama/Llama-2-7b-hf" {
			t.Errorf("merge base = %q", base)
		}
		mergedFrom, mergedTo = adapter, out
		return nil
	})
	c := newTestChainer(mem, hub, merger)

	id, err := c.Save(ctx, 500, "/runs/llama-pubmed")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if mergedFrom != filepath.Join("/runs/llama-pubmed", "checkpoint-500") || mergedTo != filepath.Join("/runs/llama-pubmed", "merged") {
		t.Fatalf("merge %q -> %q", mergedFrom, mergedTo)
	}

	wantCalls := []string{
		"create YBXL/llama-pubmed",
		"upload " + filepath.Join("/runs/llama-pubmed", "merged") + " YBXL/llama-pubmed",
		"tag YBXL/llama-pubmed 500",
	}
	if strings.Join(hub.calls, "|") != strings.Join(wantCalls, "|") {
		t.Fatalf("hub calls %q, want %q", hub.calls, wantCalls)
	}

	job, err := mem.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusPending || job.RetryTimes != 0 {
		t.Fatalf("new job should be pending with 0 retries, got %s/%d", job.Status, job.RetryTimes)
	}
	if job.RunnerType != "fast" || job.OriginJobID != "job-origin" || job.DedupKey != "job-origin:500" {
		t.Fatalf("unexpected job routing: %+v", job)
	}
	p := job.Payload
	if p.ModelName != "YBXL/llama-pubmed" || p.Revision != "500" || p.Name != "llama-pubmed" {
		t.Fatalf("unexpected artifact reference: %+v", p)
	}
	if p.Tasks != "pubmedqa,medqa" || p.MaxGenToks != 128 {
		t.Fatalf("tasks and max_gen_toks must be inherited: %+v", p)
	}
	if p.NumShots != 0 || p.InferenceEngine != "hf-causal-vllm" || p.ModelPrompt != "mellama" || p.BatchSize != 100 {
		t.Fatalf("unexpected evaluation defaults: %+v", p)
	}

	prog, err := mem.GetProgress(ctx, "job-origin")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.Phase != models.PhaseCheckpointing || prog.Step != 500 {
		t.Fatalf("progress = %+v", prog)
	}
}

func TestKCheckpointsProduceKJobs(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	c := newTestChainer(mem, &fakeHub{}, noopMerge)

	steps := []int{100, 200, 300, 400}
	for _, step := range steps {
		if _, err := c.Save(ctx, step, "/runs/r1"); err != nil {
			t.Fatalf("save %d: %v", step, err)
		}
	}

	jobs, err := mem.ListJobs(ctx, store.Filter{Status: models.StatusPending, RunnerType: "fast"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != len(steps) {
		t.Fatalf("got %d pending jobs, want %d", len(jobs), len(steps))
	}
	seen := map[string]bool{}
	for _, j := range jobs {
		if seen[j.Payload.Revision] {
			t.Fatalf("duplicate revision %s", j.Payload.Revision)
		}
		seen[j.Payload.Revision] = true
	}
}

func TestSaveSameStepTwiceEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	hub := &fakeHub{}
	c := newTestChainer(mem, hub, noopMerge)

	before := testutil.ToFloat64(metrics.JobsChainedTotal.WithLabelValues("fast", "duplicate"))

	first, err := c.Save(ctx, 50, "/runs/r1")
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := c.Save(ctx, 50, "/runs/r1")
	if err != nil {
		t.Fatalf("second save should not fail: %v", err)
	}
	if first != second {
		t.Fatalf("second save returned %s, want existing %s", second, first)
	}
	jobs, _ := mem.ListJobs(ctx, store.Filter{})
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if len(hub.calls) != 6 {
		t.Fatalf("artifact should be republished, got %d hub calls", len(hub.calls))
	}
	if got := testutil.ToFloat64(metrics.JobsChainedTotal.WithLabelValues("fast", "duplicate")) - before; got != 1 {
		t.Fatalf("duplicate counter delta = %v", got)
	}
}

func TestSaveHubFailureIsReturned(t *testing.T) {
	for _, step := range []string{"create", "upload", "tag"} {
		t.Run(step, func(t *testing.T) {
			mem := storetest.NewMemory()
			hub := &fakeHub{failOn: step, failErr: errors.New("503 from hub")}
			c := newTestChainer(mem, hub, noopMerge)

			if _, err := c.Save(context.Background(), 10, "/runs/r1"); err == nil {
				t.Fatal("expected hub failure")
			}
			jobs, _ := mem.ListJobs(context.Background(), store.Filter{})
			if len(jobs) != 0 {
				t.Fatalf("no job may be enqueued for an unpublished checkpoint, got %d", len(jobs))
			}
		})
	}
}

func TestSaveMergeFailureIsReturned(t *testing.T) {
	mem := storetest.NewMemory()
	hub := &fakeHub{}
	merger := mergerFunc(func(context.Context, string, string, string) error { return errors.New("CUDA OOM") })
	c := newTestChainer(mem, hub, merger)

	if _, err := c.Save(context.Background(), 10, "/runs/r1"); err == nil {
		t.Fatal("expected merge failure")
	}
	if len(hub.calls) != 0 {
		t.Fatalf("nothing should be published, got %q", hub.calls)
	}
}

func TestSaveWithoutMergerPublishesCheckpoint(t *testing.T) {
	hub := &fakeHub{}
	c := newTestChainer(storetest.NewMemory(), hub, nil)
	if _, err := c.Save(context.Background(), 7, "/runs/r1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if want := "upload " + filepath.Join("/runs/r1", "checkpoint-7") + " YBXL/r1"; hub.calls[1] != want {
		t.Fatalf("upload call %q, want %q", hub.calls[1], want)
	}
}

func TestSaveInsertFailureIsReturned(t *testing.T) {
	mem := storetest.NewMemory()
	mem.InsertErr = errors.New("connection refused")
	c := newTestChainer(mem, &fakeHub{}, noopMerge)
	if _, err := c.Save(context.Background(), 10, "/runs/r1"); err == nil {
		t.Fatal("expected insert failure")
	}
}

func TestProgressFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	mem.ProgressErr = errors.New("connection reset")
	c := newTestChainer(mem, &fakeHub{}, noopMerge)

	c.Begin(ctx)
	c.Log(ctx, 5, `{"loss":1.2}`)
	if _, err := c.Save(ctx, 10, "/runs/r1"); err != nil {
		t.Fatalf("progress failure must not fail save: %v", err)
	}
	c.End(ctx, 10)
}

func TestProgressPhases(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	c := newTestChainer(mem, &fakeHub{}, noopMerge)

	c.Begin(ctx)
	if p, _ := mem.GetProgress(ctx, "job-origin"); p.Phase != models.PhaseTraining {
		t.Fatalf("after begin: %+v", p)
	}
	c.Log(ctx, 20, `{"loss":0.9}`)
	if p, _ := mem.GetProgress(ctx, "job-origin"); p.Phase != models.PhaseRunning || p.Step != 20 || p.Detail != `{"loss":0.9}` {
		t.Fatalf("after log: %+v", p)
	}
	c.End(ctx, 30)
	if p, _ := mem.GetProgress(ctx, "job-origin"); p.Phase != models.PhaseFinished || p.Step != 30 {
		t.Fatalf("after end: %+v", p)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	c := newTestChainer(storetest.NewMemory(), &fakeHub{}, noopMerge)
	if _, err := c.Save(context.Background(), -1, "/runs/r1"); err == nil {
		t.Fatal("expected error for negative step")
	}
	if _, err := c.Save(context.Background(), 1, "/"); err == nil {
		t.Fatal("expected error for root output dir")
	}
}

func TestCommandMergerArgs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "argv.txt")
	script := filepath.Join(dir, "merge.sh")
	if err := os.WriteFile(script, []byte("printf '%s\\n' \"$@\" > "+out+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := CommandMerger{Command: []string{"sh", script, "--llama"}}
	if err := m.Merge(context.Background(), "base", "/runs/r1/checkpoint-5", "/runs/r1/merged"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "--llama\n--model_name_or_path\nbase\n--lora_path\n/runs/r1/checkpoint-5\n--output_path\n/runs/r1/merged\n"
	if string(data) != want {
		t.Fatalf("argv:\n%s\nwant:\n%s", data, want)
	}

	if err := (CommandMerger{}).Merge(context.Background(), "b", "a", "o"); err == nil {
		t.Fatal("expected error for empty command")
	}
}
