// Command bench floods the store with synthetic jobs and waits until the
// running workers have drained them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ybxl/ftqueue/internal/backend"
	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

type benchConfig struct {
	configPath  string
	runnerType  string
	jobs        int
	concurrency int
	maxRetries  int
	model       string
	dataset     string
	interval    time.Duration
	deadline    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:          "bench",
		Short:        "Enqueue synthetic jobs and time how long the workers take to drain them",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jobs <= 0 || cfg.concurrency <= 0 {
				return fmt.Errorf("jobs and concurrency must be positive")
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if cfg.deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.deadline)
				defer cancel()
			}

			fileCfg, err := config.Load(cfg.configPath)
			if err != nil {
				return err
			}
			s, err := backend.Open(ctx, fileCfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()
			return runBench(ctx, s, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.configPath, "config", os.Getenv(config.EnvConfigPath), "path to YAML config")
	f.StringVar(&cfg.runnerType, "runner_type", "bench", "runner type of the synthetic jobs")
	f.IntVar(&cfg.jobs, "jobs", 100, "number of jobs")
	f.IntVar(&cfg.concurrency, "concurrency", 10, "enqueue workers")
	f.IntVar(&cfg.maxRetries, "max_retries", models.DefaultMaxRetries, "retry bound the workers run with")
	f.StringVar(&cfg.model, "model_name", "sshleifer/tiny-gpt2", "model every job trains")
	f.StringVar(&cfg.dataset, "dataset", "bench", "dataset every job uses")
	f.DurationVar(&cfg.interval, "interval", time.Second, "drain check interval")
	f.DurationVar(&cfg.deadline, "deadline", 0, "give up after this long (0 waits forever)")
	return cmd
}

func runBench(ctx context.Context, s store.Store, cfg benchConfig) error {
	log.Printf("Starting benchmark: jobs=%d runner_type=%s concurrency=%d", cfg.jobs, cfg.runnerType, cfg.concurrency)

	jobIDs, err := enqueueJobs(ctx, s, cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := waitForDrain(ctx, s, jobIDs, cfg)
	if err != nil {
		return err
	}
	log.Printf("Benchmark complete in %v: successful=%d dead=%d", time.Since(start), res.successful, res.dead)
	return nil
}

func enqueueJobs(ctx context.Context, s store.Store, cfg benchConfig) ([]string, error) {
	jobIDs := make([]string, cfg.jobs)
	errs := make([]error, cfg.jobs)
	workCh := make(chan int)
	wg := sync.WaitGroup{}
	wg.Add(cfg.concurrency)

	for i := 0; i < cfg.concurrency; i++ {
		go func() {
			defer wg.Done()
			for idx := range workCh {
				job := models.Job{
					RunnerType: cfg.runnerType,
					Payload: models.Payload{
						Name:      fmt.Sprintf("bench-%d", idx),
						ModelName: cfg.model,
						Dataset:   cfg.dataset,
					},
				}
				jobIDs[idx], errs[idx] = s.InsertJob(ctx, job)
			}
		}()
	}

	for i := 0; i < cfg.jobs; i++ {
		workCh <- i
	}
	close(workCh)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("enqueue of job %d failed: %w", i, err)
		}
	}
	return jobIDs, nil
}

type drainInfo struct {
	pending    int
	running    int
	retrying   int
	successful int
	dead       int
}

func (d drainInfo) remaining() int { return d.pending + d.running + d.retrying }

func waitForDrain(ctx context.Context, s store.Store, jobIDs []string, cfg benchConfig) (drainInfo, error) {
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		info, err := drainStatus(ctx, s, jobIDs, cfg)
		if err != nil {
			return info, err
		}
		log.Printf("Remaining %d; pending=%d running=%d retrying=%d successful=%d dead=%d",
			info.remaining(), info.pending, info.running, info.retrying, info.successful, info.dead)
		if info.remaining() == 0 {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-ticker.C:
		}
	}
}

func drainStatus(ctx context.Context, s store.Store, jobIDs []string, cfg benchConfig) (drainInfo, error) {
	target := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		target[id] = struct{}{}
	}
	jobs, err := s.ListJobs(ctx, store.Filter{RunnerType: cfg.runnerType})
	if err != nil {
		return drainInfo{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	info := drainInfo{}
	for _, job := range jobs {
		if _, ok := target[job.ID]; !ok {
			continue
		}
		switch job.Status {
		case models.StatusPending:
			info.pending++
		case models.StatusRunning:
			info.running++
		case models.StatusSuccessful:
			info.successful++
		case models.StatusError:
			if job.RetryTimes < cfg.maxRetries {
				info.retrying++
			} else {
				info.dead++
			}
		}
	}
	return info, nil
}
