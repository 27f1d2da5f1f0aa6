package redisq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// The whole scan-and-mark runs inside one script, so concurrent workers can
// never both observe the same job as claimable.
//
// Job hashes are addressed from ARGV rather than KEYS, which assumes a
// single Redis node (or one hash slot); this layout is not cluster safe.
//
// Entries that can no longer be claimed leave the claimable set as the scan
// meets them: finished and running jobs are dropped, error jobs at the retry
// bound move to exhausted:<runner_type>. Each dead job is scanned once, so a
// claim costs one step per claimable job ahead of the winner rather than one
// per job ever failed. RequeueJob brings exhausted jobs back.
//
// KEYS: claimable:<runner_type>, exhausted:<runner_type>
// ARGV: max retries, now ms, job key prefix
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local limit = tonumber(ARGV[1])
for i = 1, #ids, 2 do
	local id = ids[i]
	local key = ARGV[3] .. id
	local state = redis.call('HMGET', key, 'status', 'retry_times')
	local status = state[1]
	local retries = tonumber(state[2] or '0') or 0
	if (status == 'pending' or status == 'error') and retries < limit then
		redis.call('HSET', key, 'status', 'running', 'updated_at', ARGV[2])
		redis.call('HINCRBY', key, 'retry_times', 1)
		redis.call('ZREM', KEYS[1], id)
		return redis.call('HGETALL', key)
	end
	redis.call('ZREM', KEYS[1], id)
	if status == 'error' then
		redis.call('ZADD', KEYS[2], ids[i + 1], id)
	end
end
return false
`)

func (s *Store) ClaimNext(ctx context.Context, runnerType string, maxRetries int) (*models.Job, error) {
	reply, err := claimScript.Run(
		ctx,
		s.rdb,
		[]string{claimableKey(runnerType), exhaustedKey(runnerType)},
		maxRetries,
		unixMs(time.Now()),
		jobKeyPrefix,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job for %s: %w", runnerType, err)
	}

	data := pairsToMap(reply)
	job, err := jobFromHash(data)
	if err != nil {
		// The script already marked the job running; hand it back as failed
		// so it does not sit in running with nobody working on it.
		if serr := s.setStatus(ctx, data["id"], models.StatusError, false); serr != nil {
			log.Printf("[redisq] failed to fail unreadable job %s: %v", data["id"], serr)
		}
		return nil, fmt.Errorf("%w: %v", store.ErrCorruptJob, err)
	}
	return job, nil
}
