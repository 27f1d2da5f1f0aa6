package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return jobFromHash(data)
}

// ListJobs returns jobs oldest first.
func (s *Store) ListJobs(ctx context.Context, filter store.Filter) ([]models.Job, error) {
	ids, err := s.rdb.ZRange(ctx, allJobsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	result := make([]models.Job, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		job, err := jobFromHash(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(*job) {
			result = append(result, *job)
		}
	}
	return result, nil
}
