package redisq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

func (s *Store) UpsertServerStatus(ctx context.Context, status models.ServerStatus) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, serverKeyPrefix+status.ServerID, map[string]interface{}{
		"status":        status.Status,
		"last_modified": unixMs(status.LastModified),
	})
	pipe.SAdd(ctx, serversKey, status.ServerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update server status for %s: %w", status.ServerID, err)
	}
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]models.ServerStatus, error) {
	ids, err := s.rdb.SMembers(ctx, serversKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	sort.Strings(ids)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, serverKeyPrefix+id)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load servers: %w", err)
		}
	}

	result := make([]models.ServerStatus, 0, len(ids))
	for i, cmd := range cmds {
		data := cmd.Val()
		result = append(result, models.ServerStatus{
			ServerID:     ids[i],
			Status:       data["status"],
			LastModified: parseMs(data["last_modified"]),
		})
	}
	return result, nil
}

func (s *Store) UpdateProgress(ctx context.Context, progress models.Progress) error {
	err := s.rdb.HSet(ctx, progressKeyPrefix+progress.JobID, map[string]interface{}{
		"phase":         progress.Phase,
		"step":          progress.Step,
		"detail":        progress.Detail,
		"last_modified": unixMs(progress.LastModified),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", progress.JobID, err)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, jobID string) (*models.Progress, error) {
	data, err := s.rdb.HGetAll(ctx, progressKeyPrefix+jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get progress for job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no progress for %s", store.ErrJobNotFound, jobID)
	}
	step, _ := strconv.Atoi(data["step"])
	return &models.Progress{
		JobID:        jobID,
		Phase:        data["phase"],
		Step:         step,
		Detail:       data["detail"],
		LastModified: parseMs(data["last_modified"]),
	}, nil
}
