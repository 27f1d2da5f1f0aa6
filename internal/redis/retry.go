package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// KEYS: job key
// ARGV: status, now ms, claimable key prefix, job id, reset retries ("1"/""),
// exhausted key prefix
//
// error and pending jobs go back into the claimable set of their runner type;
// the claim script still enforces the retry bound.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local meta = redis.call('HMGET', KEYS[1], 'runner_type', 'created_at')
local claimable = ARGV[3] .. meta[1]
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
if ARGV[5] == '1' then
	redis.call('HSET', KEYS[1], 'retry_times', 0)
end
redis.call('ZREM', ARGV[6] .. meta[1], ARGV[4])
if ARGV[1] == 'error' or ARGV[1] == 'pending' then
	redis.call('ZADD', claimable, meta[2] or ARGV[2], ARGV[4])
else
	redis.call('ZREM', claimable, ARGV[4])
end
return 1
`)

// KEYS: job key
// ARGV: retry_times seen, updated_at ms seen, now ms, claimable key prefix, job id
// Returns -1 for a missing job, 0 when the job moved on, 1 when it was failed.
var failIfStaleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'retry_times', 'updated_at', 'runner_type', 'created_at')
if cur[1] ~= 'running' or cur[2] ~= ARGV[1] or cur[3] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'error', 'updated_at', ARGV[3])
redis.call('ZADD', ARGV[4] .. cur[4], cur[5] or ARGV[3], ARGV[5])
return 1
`)

// ReportResult writes a terminal status. Writing the same status twice is a
// no-op in effect.
func (s *Store) ReportResult(ctx context.Context, jobID, status string) error {
	if err := store.ValidateResult(status); err != nil {
		return err
	}
	return s.setStatus(ctx, jobID, status, false)
}

func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, models.StatusPending, true)
}

func (s *Store) setStatus(ctx context.Context, jobID, status string, resetRetries bool) error {
	reset := ""
	if resetRetries {
		reset = "1"
	}
	found, err := setStatusScript.Run(
		ctx,
		s.rdb,
		[]string{jobKey(jobID)},
		status,
		unixMs(time.Now()),
		claimableKeyPrefix,
		jobID,
		reset,
		exhaustedKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to set job %s to %s: %w", jobID, status, err)
	}
	if found == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *Store) FailIfStale(ctx context.Context, seen models.Job) (bool, error) {
	res, err := failIfStaleScript.Run(
		ctx,
		s.rdb,
		[]string{jobKey(seen.ID)},
		strconv.Itoa(seen.RetryTimes),
		strconv.FormatInt(unixMs(seen.UpdatedAt), 10),
		unixMs(time.Now()),
		claimableKeyPrefix,
		seen.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fail stale job %s: %w", seen.ID, err)
	}
	if res < 0 {
		return false, fmt.Errorf("%w: %s", store.ErrJobNotFound, seen.ID)
	}
	return res == 1, nil
}
