package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// KEYS: job key, jobs:all, claimable:<runner_type>, dedup key
// ARGV: dedup enabled ("1"/""), job id, score, field/value pairs...
var insertScript = redis.NewScript(`
if ARGV[1] == '1' then
	local existing = redis.call('GET', KEYS[4])
	if existing then
		return existing
	end
	redis.call('SET', KEYS[4], ARGV[2])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return ARGV[2]
`)

func (s *Store) InsertJob(ctx context.Context, job models.Job) (string, error) {
	now := time.Now()
	job.ID = models.NewJobID()
	job.Status = models.StatusPending
	job.RetryTimes = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	fields, err := jobFields(job)
	if err != nil {
		return "", err
	}

	dedup := ""
	if job.DedupKey != "" {
		dedup = "1"
	}
	keys := []string{
		jobKey(job.ID),
		allJobsKey,
		claimableKey(job.RunnerType),
		dedupKeyPrefix + job.DedupKey,
	}
	args := append([]interface{}{dedup, job.ID, unixMs(now)}, fields...)

	id, err := insertScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	if id != job.ID {
		return id, fmt.Errorf("%w: %s already stored as %s", store.ErrDuplicateJob, job.DedupKey, id)
	}
	return id, nil
}
