// Command scheduler is the operator CLI over the job store: it seeds jobs,
// inspects them and repairs jobs left running by dead workers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ybxl/ftqueue/internal/backend"
	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

type app struct {
	configPath string
	open       func(ctx context.Context) (store.Store, error)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	a.open = a.openStore
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scheduler",
		Short:        "Enqueue, inspect and recover fine-tune jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv(config.EnvConfigPath), "path to YAML config")
	root.AddCommand(
		a.enqueueCmd(),
		a.listCmd(),
		a.getCmd(),
		a.requeueCmd(),
		a.serversCmd(),
		a.recoverCmd(),
	)
	return root
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return backend.Open(ctx, cfg.Store)
}

func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, s store.Store) error) error {
	ctx := cmd.Context()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func (a *app) enqueueCmd() *cobra.Command {
	var job models.Job
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			if job.RunnerType == "" {
				return errors.New("--runner_type required")
			}
			if job.Payload.ModelName == "" {
				return errors.New("model_name required")
			}
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				id, err := s.InsertJob(ctx, job)
				if errors.Is(err, store.ErrDuplicateJob) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (already enqueued)\n", id)
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to enqueue job: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.RunnerType, "runner_type", "", "runner type that may claim the job")
	f.StringVar(&job.DedupKey, "dedup_key", "", "skip the insert if a job with this key exists")
	f.StringVar(&payloadJSON, "payload", "", "payload as JSON; keys present override the individual flags")
	f.StringVar(&job.Payload.Name, "name", "", "run name")
	f.StringVar(&job.Payload.ModelName, "model_name", "", "base model (hub repo, local path or s3://bucket/key)")
	f.StringVar(&job.Payload.Revision, "revision", "", "model revision")
	f.StringVar(&job.Payload.Dataset, "dataset", "", "dataset")
	f.StringVar(&job.Payload.Tasks, "tasks", "", "comma separated evaluation tasks")
	f.IntVar(&job.Payload.Epoch, "epoch", 0, "training epochs")
	f.StringVar(&job.Payload.LearningRate, "learning_rate", "", "learning rate")
	f.IntVar(&job.Payload.MaxGenToks, "max_gen_toks", 0, "max generated tokens during evaluation")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var filter store.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Status != "" && !models.IsValidStatus(filter.Status) {
				return fmt.Errorf("%w: %q", store.ErrInvalidStatus, filter.Status)
			}
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				jobs, err := s.ListJobs(ctx, filter)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tRUNNER\tRETRIES\tNAME\tMODEL\tREVISION")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						j.ID, j.Status, j.RunnerType, j.RetryTimes, j.Label(), j.Payload.ModelName, j.Payload.Revision)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "pending|running|successful|error")
	cmd.Flags().StringVar(&filter.RunnerType, "runner_type", "", "runner type")
	return cmd
}

type jobView struct {
	models.Job
	Progress *models.Progress `json:"progress,omitempty"`
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job and its training progress as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				job, err := s.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				view := jobView{Job: *job}
				if p, err := s.GetProgress(ctx, job.ID); err == nil {
					view.Progress = p
				} else if !errors.Is(err, store.ErrJobNotFound) {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
}

func (a *app) requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>...",
		Short: "Reset jobs to pending with zero retries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				for _, id := range args {
					if err := s.RequeueJob(ctx, id); err != nil {
						return fmt.Errorf("failed to requeue %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
				}
				return nil
			})
		},
	}
}

// latencyRanker is implemented by stores that track per-server job latency.
type latencyRanker interface {
	GetTopWorkers(ctx context.Context, limit int64) ([]models.WorkerMetrics, error)
}

func (a *app) serversCmd() *cobra.Command {
	var top int64
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Show the last status written by every worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				servers, err := s.ListServers(ctx)
				if err != nil {
					return err
				}
				now := time.Now()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SERVER\tLAST SEEN\tSTATUS")
				for _, srv := range servers {
					fmt.Fprintf(w, "%s\t%s ago\t%s\n", srv.ServerID, now.Sub(srv.LastModified).Truncate(time.Second), srv.Status)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				ranker, ok := s.(latencyRanker)
				if !ok || top <= 0 {
					return nil
				}
				ranked, err := ranker.GetTopWorkers(ctx, top)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "\nServer rankings (by average job latency):")
				for i, m := range ranked {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s (%s) - avg %.0fms over %d jobs\n",
						i+1, m.ServerID, m.RunnerType, m.AvgLatencyMs, m.JobsDone)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&top, "top", 10, "number of servers to rank by latency (Redis store only)")
	return cmd
}

func (a *app) recoverCmd() *cobra.Command {
	var staleAfter time.Duration
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark running jobs whose worker stopped reporting as error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s store.Store) error {
				recovered, err := recoverOrphanedJobs(ctx, s, staleAfter, time.Now(), dryRun)
				if err != nil {
					return err
				}
				for _, id := range recovered {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale_after", time.Hour, "how long a running job may go without any sign of life")
	cmd.Flags().BoolVar(&dryRun, "dry_run", false, "only print the jobs that would be recovered")
	return cmd
}
