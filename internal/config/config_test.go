package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ftqueue.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverRedis || cfg.Store.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Worker.MaxRetries != 2 {
		t.Fatalf("expected max retries 2, got %d", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.PollInterval != 30*time.Second {
		t.Fatalf("expected poll interval 30s, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected heartbeat interval 30s, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Chain.DownstreamRunnerType != "fast" || cfg.Chain.BatchSize != 100 {
		t.Fatalf("unexpected chain defaults: %+v", cfg.Chain)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  sqlite_path: /var/lib/ftqueue/jobs.db
  timeout: 3s
worker:
  runner_type: slow
  local_dir: /data/models
  max_retries: 4
  poll_interval: 1m
  heartbeat_interval: 20s
chain:
  hub_org: acme
  merge_command: ["python", "merge.py"]
`)
	t.Setenv("FTQ_MAX_RETRIES", "5")
	t.Setenv("FTQ_POLL_INTERVAL", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLitePath != "/var/lib/ftqueue/jobs.db" {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
	if cfg.Store.Timeout != 3*time.Second {
		t.Fatalf("expected timeout 3s, got %v", cfg.Store.Timeout)
	}
	if cfg.Worker.RunnerType != "slow" || cfg.Worker.LocalDir != "/data/models" {
		t.Fatalf("unexpected worker: %+v", cfg.Worker)
	}
	if cfg.Worker.MaxRetries != 5 {
		t.Fatalf("env should override max retries, got %d", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.PollInterval != 10*time.Second {
		t.Fatalf("env should override poll interval, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.HeartbeatInterval != 20*time.Second {
		t.Fatalf("expected heartbeat interval from file, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Chain.HubOrg != "acme" || len(cfg.Chain.MergeCommand) != 2 {
		t.Fatalf("unexpected chain: %+v", cfg.Chain)
	}
	// untouched keys keep their defaults
	if cfg.Chain.ModelPrompt != "mellama" {
		t.Fatalf("expected default model prompt, got %q", cfg.Chain.ModelPrompt)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "store: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateWorker(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateWorker()
	if err == nil {
		t.Fatal("expected missing runner_type/local_dir")
	}
	for _, want := range []string{"runner_type", "local_dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	cfg.Worker.RunnerType = "fast"
	cfg.Worker.LocalDir = t.TempDir()
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Store.Driver = "mongo"
	if err := cfg.ValidateWorker(); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
