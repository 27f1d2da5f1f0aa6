package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ybxl/ftqueue/internal/backend"
	"github.com/ybxl/ftqueue/internal/config"
	"github.com/ybxl/ftqueue/internal/executor"
	"github.com/ybxl/ftqueue/internal/heartbeat"
	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/objstore"
	redisq "github.com/ybxl/ftqueue/internal/redis"
	"github.com/ybxl/ftqueue/internal/worker"
)

type workerFlags struct {
	configPath   string
	localDir     string
	runnerType   string
	serverID     string
	maxRetries   int
	pollInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Claim fine-tune jobs of one runner type and run them",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f.configPath)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", os.Getenv(config.EnvConfigPath), "path to YAML config")
	cmd.Flags().StringVar(&f.localDir, "local_dir", "", "directory for downloaded models")
	cmd.Flags().StringVar(&f.runnerType, "runner_type", "", "runner type this worker claims")
	cmd.Flags().StringVar(&f.serverID, "server_id", "", "identity written to the server status (default hostname + random suffix)")
	cmd.Flags().IntVar(&f.maxRetries, "max_retries", 0, "claims allowed per job (default from config)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll_interval", 0, "wait between empty claim attempts (default from config)")
	return cmd
}

// loadConfig layers explicitly set flags over file and environment values.
func loadConfig(cmd *cobra.Command, f workerFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("local_dir") {
		cfg.Worker.LocalDir = f.localDir
	}
	if flags.Changed("runner_type") {
		cfg.Worker.RunnerType = f.runnerType
	}
	if flags.Changed("server_id") {
		cfg.Worker.ServerID = f.serverID
	}
	if flags.Changed("max_retries") {
		cfg.Worker.MaxRetries = f.maxRetries
	}
	if flags.Changed("poll_interval") {
		cfg.Worker.PollInterval = f.pollInterval
	}
	if cfg.Worker.ServerID == "" {
		cfg.Worker.ServerID = models.DefaultServerID()
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	s, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()
	log.Printf("[worker %s] connected to %s store", cfg.Worker.ServerID, cfg.Store.Driver)

	if cfg.Metrics.Addr != "" {
		go metrics.Serve(ctx, cfg.Metrics.Addr, s)
	}

	var fetcher executor.Fetcher
	if s3f, err := objstore.NewS3Fetcher(ctx, cfg.S3.Region, cfg.S3.Endpoint); err != nil {
		log.Printf("[worker %s] object storage unavailable, s3:// models will fail: %v", cfg.Worker.ServerID, err)
	} else {
		fetcher = s3f
	}

	exec := executor.New(cfg.Executor, cfg.Worker.LocalDir, cfg.Worker.ServerID, configPath, fetcher)
	p := worker.New(s, heartbeat.New(s, cfg.Worker.HeartbeatTimeout), exec, worker.Options{
		ServerID:     cfg.Worker.ServerID,
		RunnerType:   cfg.Worker.RunnerType,
		MaxRetries:   cfg.Worker.MaxRetries,
		PollInterval: cfg.Worker.PollInterval,

		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})
	if rs, ok := s.(*redisq.Store); ok {
		p.WithLatencyRecorder(rs)
	}
	return p.Run(ctx)
}
