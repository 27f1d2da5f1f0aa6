// Package executor turns a claimed job into one run of the training script
// and classifies the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/objstore"
)

// Defaults for payload fields the task script requires positionally.
const (
	DefaultRevision     = "main"
	DefaultEpoch        = 3
	DefaultLearningRate = "3e-4"
	DefaultMaxGenToks   = 64
)

// Environment handed to the task so it can call back into the chainer hook.
const (
	EnvJobID      = "FTQ_JOB_ID"
	EnvServerID   = "FTQ_SERVER_ID"
	EnvModelPath  = "FTQ_MODEL_PATH"
	EnvTasks      = "FTQ_TASKS"
	EnvMaxGenToks = "FTQ_MAX_GEN_TOKS"
)

var ErrInvalidPayload = errors.New("invalid job payload")

type Fetcher interface {
	Fetch(ctx context.Context, ref, localPath string) error
}

type Executor struct {
	Shell      string
	Script     string
	Dir        string
	LocalDir   string
	ServerID   string
	ConfigPath string
	Fetcher    Fetcher

	Stdout io.Writer
	Stderr io.Writer
}

func New(cfg config.ExecutorConfig, localDir, serverID, configPath string, fetcher Fetcher) *Executor {
	return &Executor{
		Shell:      cfg.Shell,
		Script:     cfg.Script,
		Dir:        cfg.Dir,
		LocalDir:   localDir,
		ServerID:   serverID,
		ConfigPath: configPath,
		Fetcher:    fetcher,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
}

// Execute blocks until the task exits. Exit code 0 is the only success; a
// fetch or preparation problem is a failure like any other.
func (e *Executor) Execute(ctx context.Context, job models.Job) error {
	if err := validate(job.Payload); err != nil {
		return err
	}

	modelPath := job.Payload.ModelName
	if objstore.IsRemote(modelPath) {
		local, err := e.fetchModel(ctx, modelPath)
		if err != nil {
			metrics.ArtifactFetchFailuresTotal.Inc()
			return err
		}
		modelPath = local
	}

	args := append([]string{e.Script}, Args(job, modelPath)...)
	cmd := exec.CommandContext(ctx, e.Shell, args...)
	cmd.Dir = e.Dir
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = append(os.Environ(), e.env(job, modelPath)...)

	log.Printf("[executor] job %s: %s %s", job.ID, e.Shell, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task for job %s failed: %w", job.ID, err)
	}
	return nil
}

func (e *Executor) fetchModel(ctx context.Context, ref string) (string, error) {
	if e.Fetcher == nil {
		return "", fmt.Errorf("no object storage fetcher configured for %s", ref)
	}
	local, err := objstore.LocalPath(e.LocalDir, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := e.Fetcher.Fetch(ctx, ref, local); err != nil {
		return "", fmt.Errorf("failed to fetch model %s: %w", ref, err)
	}
	return local, nil
}

func (e *Executor) env(job models.Job, modelPath string) []string {
	env := []string{
		EnvJobID + "=" + job.ID,
		EnvServerID + "=" + e.ServerID,
		EnvModelPath + "=" + modelPath,
		EnvTasks + "=" + job.Payload.Tasks,
		EnvMaxGenToks + "=" + strconv.Itoa(maxGenToks(job.Payload)),
	}
	if e.ConfigPath != "" {
		env = append(env, config.EnvConfigPath+"="+e.ConfigPath)
	}
	return env
}

func validate(p models.Payload) error {
	if strings.TrimSpace(p.ModelName) == "" {
		return fmt.Errorf("%w: model_name required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Dataset) == "" {
		return fmt.Errorf("%w: dataset required", ErrInvalidPayload)
	}
	return nil
}

// Args is the positional contract of the training script:
// model revision dataset dataset epoch learning_rate job_id tasks max_gen_toks.
// The dataset is passed twice, as train and eval split source.
func Args(job models.Job, modelPath string) []string {
	p := job.Payload
	revision := p.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	epoch := p.Epoch
	if epoch <= 0 {
		epoch = DefaultEpoch
	}
	lr := p.LearningRate
	if lr == "" {
		lr = DefaultLearningRate
	}
	return []string{
		modelPath,
		revision,
		p.Dataset,
		p.Dataset,
		strconv.Itoa(epoch),
		lr,
		job.ID,
		p.Tasks,
		strconv.Itoa(maxGenToks(p)),
	}
}

func maxGenToks(p models.Payload) int {
	if p.MaxGenToks <= 0 {
		return DefaultMaxGenToks
	}
	return p.MaxGenToks
}
