package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

// Redis keys used:
// - job:<id> (hash)                  status, runner_type, retry_times, payload, ...
// - jobs:all (zset)                  score=created_at_ms, member=job_id
// - claimable:<runner_type> (zset)   score=created_at_ms, member=job_id (pending/error jobs)
// - exhausted:<runner_type> (zset)   error jobs a claim found at the retry bound
// - dedup:<key> (string)             job_id of the first insert with that key
// - server:<id> (hash), servers (set)
// - progress:<id> (hash)
// - metrics:<server_id> (hash), workers:latency (zset)
const (
	jobKeyPrefix       = "job:"
	allJobsKey         = "jobs:all"
	claimableKeyPrefix = "claimable:"
	exhaustedKeyPrefix = "exhausted:"
	dedupKeyPrefix     = "dedup:"
	serverKeyPrefix    = "server:"
	serversKey         = "servers"
	progressKeyPrefix  = "progress:"
	metricsKeyPrefix   = "metrics:"
	latencyRankKey     = "workers:latency"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds every read and write against Redis.
	Timeout time.Duration
}

type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return New(rdb), nil
}

// New wraps an existing client. The caller keeps ownership of rdb until Close.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string { return jobKeyPrefix + id }
func claimableKey(runnerType string) string { return claimableKeyPrefix + runnerType }
func exhaustedKey(runnerType string) string { return exhaustedKeyPrefix + runnerType }

func unixMs(t time.Time) int64 { return t.UnixMilli() }

func parseMs(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// jobFields flattens a job into the hash layout stored at job:<id>.
func jobFields(job models.Job) ([]interface{}, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return []interface{}{
		"id", job.ID,
		"status", job.Status,
		"runner_type", job.RunnerType,
		"retry_times", job.RetryTimes,
		"payload", string(payload),
		"dedup_key", job.DedupKey,
		"origin_job_id", job.OriginJobID,
		"created_at", unixMs(job.CreatedAt),
		"updated_at", unixMs(job.UpdatedAt),
	}, nil
}

func jobFromHash(data map[string]string) (*models.Job, error) {
	retries, err := strconv.Atoi(data["retry_times"])
	if err != nil {
		return nil, fmt.Errorf("invalid retry_times %q for job %s: %w", data["retry_times"], data["id"], err)
	}
	job := &models.Job{
		ID:          data["id"],
		Status:      data["status"],
		RunnerType:  data["runner_type"],
		RetryTimes:  retries,
		DedupKey:    data["dedup_key"],
		OriginJobID: data["origin_job_id"],
		CreatedAt:   parseMs(data["created_at"]),
		UpdatedAt:   parseMs(data["updated_at"]),
	}
	if raw := data["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

// pairsToMap converts a flat HGETALL reply returned from a script.
func pairsToMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = pairs[i+1]
	}
	return out
}
