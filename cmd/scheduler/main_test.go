package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	redisq "github.com/ybxl/ftqueue/internal/redis"
	"github.com/ybxl/ftqueue/internal/store/storetest"
)

func TestServersRanksRedisWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	s := redisq.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	for _, id := range []string{"gpu-1", "gpu-2"} {
		if err := s.UpsertServerStatus(ctx, models.ServerStatus{ServerID: id, Status: "fetching jobs", LastModified: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateWorkerMetrics(ctx, "gpu-1", "slow", 2*time.Second)
	s.UpdateWorkerMetrics(ctx, "gpu-2", "slow", 500*time.Millisecond)

	out, err := runScheduler(t, s, "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if !strings.Contains(out, "gpu-1") || !strings.Contains(out, "fetching jobs") {
		t.Fatalf("status table missing: %q", out)
	}
	first := strings.Index(out, "1. gpu-2")
	second := strings.Index(out, "2. gpu-1")
	if first < 0 || second < first {
		t.Fatalf("gpu-2 should rank first: %q", out)
	}
}

func TestServersWithoutLatencyTracking(t *testing.T) {
	s := storetest.NewMemory()
	s.UpsertServerStatus(context.Background(), models.ServerStatus{ServerID: "cpu-1", Status: "Job 1 is processing: x", LastModified: time.Now()})

	out, err := runScheduler(t, s, "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if strings.Contains(out, "rankings") {
		t.Fatalf("memory store has no latency ranking: %q", out)
	}
	if !strings.Contains(out, "cpu-1") {
		t.Fatalf("missing server: %q", out)
	}
}
