package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
)

const emaAlpha = 0.2 // Exponential moving average smoothing factor

// UpdateWorkerMetrics folds one job duration into the server's latency
// average and bumps its job counter.
func (s *Store) UpdateWorkerMetrics(
	ctx context.Context,
	serverID string,
	runnerType string,
	executionTime time.Duration,
) error {

	key := metricsKeyPrefix + serverID
	currentMs := float64(executionTime.Milliseconds())

	existingAvg, err := s.rdb.HGet(ctx, key, "avg_latency_ms").Result()
	var newAvg float64

	if errors.Is(err, redis.Nil) {
		// First job → initialize with current execution time
		newAvg = currentMs
	} else if err != nil {
		return fmt.Errorf("failed to get existing metrics: %w", err)
	} else {
		oldAvg, parseErr := strconv.ParseFloat(existingAvg, 64)
		if parseErr != nil {
			newAvg = currentMs
		} else {
			newAvg = emaAlpha*currentMs + (1-emaAlpha)*oldAvg
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"avg_latency_ms", fmt.Sprintf("%.2f", newAvg),
		"runner_type", runnerType,
		"last_updated", time.Now().Unix(),
	)
	pipe.HIncrBy(ctx, key, "jobs_done", 1)
	// lower latency = lower score
	pipe.ZAdd(ctx, latencyRankKey, redis.Z{
		Score:  newAvg,
		Member: serverID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update metrics: %w", err)
	}
	return nil
}

func (s *Store) GetWorkerMetrics(ctx context.Context, serverID string) (*models.WorkerMetrics, error) {
	data, err := s.rdb.HGetAll(ctx, metricsKeyPrefix+serverID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no metrics found for server %s", serverID)
	}

	avgLatency, _ := strconv.ParseFloat(data["avg_latency_ms"], 64)
	jobsDone, _ := strconv.ParseInt(data["jobs_done"], 10, 64)

	return &models.WorkerMetrics{
		ServerID:     serverID,
		RunnerType:   data["runner_type"],
		AvgLatencyMs: avgLatency,
		JobsDone:     jobsDone,
	}, nil
}

// GetTopWorkers returns up to limit servers, fastest first.
func (s *Store) GetTopWorkers(ctx context.Context, limit int64) ([]models.WorkerMetrics, error) {
	ranked, err := s.rdb.ZRangeWithScores(ctx, latencyRankKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top workers: %w", err)
	}

	result := make([]models.WorkerMetrics, 0, len(ranked))
	for _, w := range ranked {
		serverID, _ := w.Member.(string)
		m, err := s.GetWorkerMetrics(ctx, serverID)
		if err == nil {
			result = append(result, *m)
		}
	}
	return result, nil
}
