// Command hook is called by the training script at progress points of the
// job the worker launched it for. The worker passes the job identity through
// FTQ_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ybxl/ftqueue/internal/backend"
	"github.com/ybxl/ftqueue/internal/chain"
	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/executor"
	"github.com/ybxl/ftqueue/internal/hub"
	"github.com/ybxl/ftqueue/internal/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

type hookEnv struct {
	configPath string
	origin     chain.Origin
}

func originFromEnv() (chain.Origin, error) {
	o := chain.Origin{
		JobID:     os.Getenv(executor.EnvJobID),
		ModelPath: os.Getenv(executor.EnvModelPath),
		Tasks:     os.Getenv(executor.EnvTasks),
	}
	if v := os.Getenv(executor.EnvMaxGenToks); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("invalid %s %q: %w", executor.EnvMaxGenToks, v, err)
		}
		o.MaxGenToks = n
	}
	if o.JobID == "" {
		return o, fmt.Errorf("%s not set; hook must run under a worker", executor.EnvJobID)
	}
	return o, nil
}

func newRootCmd() *cobra.Command {
	var env hookEnv
	root := &cobra.Command{
		Use:          "hook",
		Short:        "Report trainer progress and chain checkpoints into evaluation jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			o, err := originFromEnv()
			if err != nil {
				return err
			}
			env.origin = o
			return nil
		},
	}
	root.PersistentFlags().StringVar(&env.configPath, "config", os.Getenv(config.EnvConfigPath), "path to YAML config")

	var step int
	var detail string
	var outputDir string

	begin := &cobra.Command{
		Use:   "begin",
		Short: "Mark the job as training",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChainer(cmd.Context(), env, func(c *chain.Chainer) error {
				c.Begin(cmd.Context())
				return nil
			})
		},
	}

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Record the trainer's latest logs (JSON from --detail or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detail == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read log detail: %w", err)
				}
				detail = strings.TrimSpace(string(data))
			}
			return withChainer(cmd.Context(), env, func(c *chain.Chainer) error {
				c.Log(cmd.Context(), step, detail)
				return nil
			})
		},
	}
	logCmd.Flags().IntVar(&step, "step", 0, "global step")
	logCmd.Flags().StringVar(&detail, "detail", "", "log payload, - reads stdin")

	save := &cobra.Command{
		Use:   "save",
		Short: "Publish checkpoint-<step> and enqueue its evaluation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputDir == "" {
				return errors.New("--output_dir required")
			}
			return withChainer(cmd.Context(), env, func(c *chain.Chainer) error {
				id, err := c.Save(cmd.Context(), step, outputDir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	save.Flags().IntVar(&step, "step", 0, "global step of the checkpoint")
	save.Flags().StringVar(&outputDir, "output_dir", "", "trainer output dir containing checkpoint-<step>")
	save.MarkFlagRequired("step")

	end := &cobra.Command{
		Use:   "end",
		Short: "Mark training as finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withChainer(cmd.Context(), env, func(c *chain.Chainer) error {
				c.End(cmd.Context(), step)
				return nil
			})
		},
	}
	end.Flags().IntVar(&step, "step", 0, "final global step")

	root.AddCommand(begin, logCmd, save, end)
	return root
}

func withChainer(ctx context.Context, env hookEnv, fn func(c *chain.Chainer) error) error {
	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStore(); err != nil {
		return err
	}
	s, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(newChainer(s, cfg, env.origin))
}

func newChainer(s store.Store, cfg *config.Config, origin chain.Origin) *chain.Chainer {
	var merger chain.Merger
	if len(cfg.Chain.MergeCommand) > 0 {
		merger = chain.CommandMerger{Command: cfg.Chain.MergeCommand, Dir: cfg.Executor.Dir}
	}
	return chain.New(s, hub.NewCLI(cfg.Chain.HubCLI, cfg.Chain.PrivateRepos), merger, cfg.Chain, origin)
}
