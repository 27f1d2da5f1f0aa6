// Package chain reacts to trainer progress events. Begin, Log and End record
// the running job's progress; Save publishes a checkpoint and enqueues the
// evaluation job that consumes it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

type Store interface {
	InsertJob(ctx context.Context, job models.Job) (string, error)
	UpdateProgress(ctx context.Context, progress models.Progress) error
}

type Hub interface {
	CreateRepo(ctx context.Context, repoID string) error
	UploadFolder(ctx context.Context, localPath, repoID string) error
	CreateTag(ctx context.Context, repoID, tag string) error
}

// Merger folds a LoRA adapter into its base model and writes the result to
// outPath.
type Merger interface {
	Merge(ctx context.Context, baseModel, adapterPath, outPath string) error
}

// Origin describes the job whose trainer emits the events.
type Origin struct {
	JobID      string
	ModelPath  string
	Tasks      string
	MaxGenToks int
}

type Chainer struct {
	store  Store
	hub    Hub
	merger Merger
	cfg    config.ChainConfig
	origin Origin
}

func New(s Store, hub Hub, merger Merger, cfg config.ChainConfig, origin Origin) *Chainer {
	return &Chainer{store: s, hub: hub, merger: merger, cfg: cfg, origin: origin}
}

func (c *Chainer) Begin(ctx context.Context) {
	c.progress(ctx, models.PhaseTraining, 0, "")
}

// Log records the trainer's latest logs; detail is passed through as-is.
func (c *Chainer) Log(ctx context.Context, step int, detail string) {
	c.progress(ctx, models.PhaseRunning, step, detail)
}

func (c *Chainer) End(ctx context.Context, step int) {
	c.progress(ctx, models.PhaseFinished, step, "")
}

// Save publishes checkpoint-<step> under outputDir as tag <step> of
// <org>/<run> and inserts one pending evaluation job for it. Saving the same
// step twice publishes again but does not enqueue a second job.
func (c *Chainer) Save(ctx context.Context, step int, outputDir string) (string, error) {
	if step < 0 {
		return "", fmt.Errorf("invalid checkpoint step %d", step)
	}
	run := filepath.Base(filepath.Clean(outputDir))
	if run == "." || run == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive run name from output dir %q", outputDir)
	}
	repoID := c.cfg.HubOrg + "/" + run
	tag := strconv.Itoa(step)
	checkpoint := filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d", step))

	log.Printf("[chain] pushing %s to %s@%s", checkpoint, repoID, tag)

	artifact := checkpoint
	if c.merger != nil {
		artifact = filepath.Join(outputDir, "merged")
		if err := c.merger.Merge(ctx, c.origin.ModelPath, checkpoint, artifact); err != nil {
			c.countChain("error")
			return "", fmt.Errorf("failed to merge checkpoint %d: %w", step, err)
		}
	}
	if err := c.publish(ctx, repoID, artifact, tag); err != nil {
		c.countChain("error")
		return "", err
	}

	id, err := c.store.InsertJob(ctx, c.downstreamJob(run, repoID, tag))
	switch {
	case errors.Is(err, store.ErrDuplicateJob):
		c.countChain("duplicate")
		log.Printf("[chain] checkpoint %d of job %s already enqueued as %s", step, c.origin.JobID, id)
	case err != nil:
		c.countChain("error")
		return "", fmt.Errorf("failed to enqueue evaluation of checkpoint %d: %w", step, err)
	default:
		c.countChain("inserted")
		log.Printf("[chain] enqueued job %s for %s@%s", id, repoID, tag)
	}

	c.progress(ctx, models.PhaseCheckpointing, step, "")
	return id, nil
}

func (c *Chainer) publish(ctx context.Context, repoID, artifact, tag string) error {
	if err := c.hub.CreateRepo(ctx, repoID); err != nil {
		return err
	}
	if err := c.hub.UploadFolder(ctx, artifact, repoID); err != nil {
		return err
	}
	return c.hub.CreateTag(ctx, repoID, tag)
}

func (c *Chainer) downstreamJob(run, repoID, tag string) models.Job {
	return models.Job{
		RunnerType: c.cfg.DownstreamRunnerType,
		Payload: models.Payload{
			Name:            run,
			ModelName:       repoID,
			Revision:        tag,
			Tasks:           c.origin.Tasks,
			MaxGenToks:      c.origin.MaxGenToks,
			NumShots:        c.cfg.NumShots,
			InferenceEngine: c.cfg.InferenceEngine,
			ModelPrompt:     c.cfg.ModelPrompt,
			BatchSize:       c.cfg.BatchSize,
		},
		OriginJobID: c.origin.JobID,
		DedupKey:    DedupKey(c.origin.JobID, tag),
	}
}

// DedupKey identifies the evaluation job of one checkpoint of one run.
func DedupKey(originJobID, step string) string {
	if originJobID == "" {
		return ""
	}
	return originJobID + ":" + step
}

func (c *Chainer) progress(ctx context.Context, phase string, step int, detail string) {
	if c.origin.JobID == "" {
		return
	}
	err := c.store.UpdateProgress(ctx, models.Progress{
		JobID:        c.origin.JobID,
		Phase:        phase,
		Step:         step,
		Detail:       detail,
		LastModified: time.Now(),
	})
	if err != nil {
		log.Printf("[chain] failed to update progress of job %s (%s): %v", c.origin.JobID, phase, err)
	}
}

func (c *Chainer) countChain(result string) {
	metrics.JobsChainedTotal.WithLabelValues(c.cfg.DownstreamRunnerType, result).Inc()
}

// CommandMerger runs an external merge script with the base model, adapter
// and output paths appended as flags.
type CommandMerger struct {
	Command []string
	Dir     string
}

func (m CommandMerger) Merge(ctx context.Context, baseModel, adapterPath, outPath string) error {
	if len(m.Command) == 0 {
		return errors.New("merge command not configured")
	}
	args := append(append([]string{}, m.Command[1:]...),
		"--model_name_or_path", baseModel,
		"--lora_path", adapterPath,
		"--output_path", outPath,
	)
	cmd := exec.CommandContext(ctx, m.Command[0], args...)
	cmd.Dir = m.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", m.Command[0], err)
	}
	return nil
}
