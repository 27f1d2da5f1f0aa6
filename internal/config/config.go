// Package config loads worker settings from an optional YAML file with
// environment overrides on top. Command-line flags are applied by the
// commands themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ybxl/ftqueue/internal/models"
)

const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// EnvConfigPath names the variable that carries the config path to child
// processes (the trainer hook reads it).
const EnvConfigPath = "FTQ_CONFIG"

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Worker   WorkerConfig   `yaml:"worker"`
	Executor ExecutorConfig `yaml:"executor"`
	Chain    ChainConfig    `yaml:"chain"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	S3       S3Config       `yaml:"s3"`
}

type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SQLitePath    string        `yaml:"sqlite_path"`
	Timeout       time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	ServerID         string        `yaml:"server_id"`
	RunnerType       string        `yaml:"runner_type"`
	LocalDir         string        `yaml:"local_dir"`
	MaxRetries       int           `yaml:"max_retries"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// HeartbeatInterval is how often a running job's status is rewritten.
	// Keep it well below the scheduler's recover --stale_after.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type ExecutorConfig struct {
	Shell  string `yaml:"shell"`
	Script string `yaml:"script"`
	// Dir is the working directory of the task; empty means the worker's.
	Dir string `yaml:"dir"`
}

type ChainConfig struct {
	HubOrg               string   `yaml:"hub_org"`
	HubCLI               string   `yaml:"hub_cli"`
	PrivateRepos         bool     `yaml:"private_repos"`
	MergeCommand         []string `yaml:"merge_command"`
	DownstreamRunnerType string   `yaml:"downstream_runner_type"`
	InferenceEngine      string   `yaml:"inference_engine"`
	ModelPrompt          string   `yaml:"model_prompt"`
	BatchSize            int      `yaml:"batch_size"`
	NumShots             int      `yaml:"num_shots"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type S3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     DriverRedis,
			RedisAddr:  "localhost:6379",
			SQLitePath: "./ftqueue.db",
			Timeout:    10 * time.Second,
		},
		Worker: WorkerConfig{
			MaxRetries:       models.DefaultMaxRetries,
			PollInterval:     30 * time.Second,
			HeartbeatTimeout: 5 * time.Second,

			HeartbeatInterval: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Shell:  "bash",
			Script: "./scripts/run_sft.sh",
		},
		Chain: ChainConfig{
			HubOrg:               "YBXL",
			HubCLI:               "huggingface-cli",
			PrivateRepos:         true,
			MergeCommand:         []string{"python", "src/merge_llama_with_lora.py", "--llama"},
			DownstreamRunnerType: "fast",
			InferenceEngine:      "hf-causal-vllm",
			ModelPrompt:          "mellama",
			BatchSize:            100,
		},
		Metrics: MetricsConfig{
			Addr: ":2113",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Driver = envOr("FTQ_STORE_DRIVER", c.Store.Driver)
	c.Store.RedisAddr = envOr("FTQ_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = envOr("FTQ_REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = envInt("FTQ_REDIS_DB", c.Store.RedisDB)
	c.Store.SQLitePath = envOr("FTQ_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.Timeout = envDuration("FTQ_STORE_TIMEOUT", c.Store.Timeout)

	c.Worker.ServerID = envOr("FTQ_SERVER_ID", c.Worker.ServerID)
	c.Worker.RunnerType = envOr("FTQ_RUNNER_TYPE", c.Worker.RunnerType)
	c.Worker.LocalDir = envOr("FTQ_LOCAL_DIR", c.Worker.LocalDir)
	c.Worker.MaxRetries = envInt("FTQ_MAX_RETRIES", c.Worker.MaxRetries)
	c.Worker.PollInterval = envDuration("FTQ_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.HeartbeatInterval = envDuration("FTQ_HEARTBEAT_INTERVAL", c.Worker.HeartbeatInterval)

	c.Executor.Script = envOr("FTQ_SCRIPT", c.Executor.Script)
	c.Chain.HubOrg = envOr("FTQ_HUB_ORG", c.Chain.HubOrg)
	c.Chain.DownstreamRunnerType = envOr("FTQ_DOWNSTREAM_RUNNER_TYPE", c.Chain.DownstreamRunnerType)
	c.Metrics.Addr = envOr("FTQ_METRICS_ADDR", c.Metrics.Addr)
	c.S3.Region = envOr("AWS_REGION", c.S3.Region)
	c.S3.Endpoint = envOr("FTQ_S3_ENDPOINT", c.S3.Endpoint)
}

// ValidateWorker checks the settings a polling worker needs.
func (c *Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Worker.RunnerType) == "" {
		errs = append(errs, errors.New("runner_type required"))
	}
	if strings.TrimSpace(c.Worker.LocalDir) == "" {
		errs = append(errs, errors.New("local_dir required"))
	}
	if c.Worker.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", c.Worker.MaxRetries))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %v", c.Worker.PollInterval))
	}
	if c.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %v", c.Worker.HeartbeatInterval))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) ValidateStore() error {
	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr required")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path required")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
