// Package sqlstore is the SQLite implementation of store.Store, for single
// host deployments and local development.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ybxl/ftqueue/internal/models"
	"github.com/ybxl/ftqueue/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

const jobColumns = `id, status, runner_type, retry_times, payload, dedup_key, origin_job_id, created_at, updated_at`

// Open creates or opens the database at path. busyTimeout bounds how long a
// statement waits on the write lock held by another worker.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('pending','running','successful','error')),
		runner_type TEXT NOT NULL,
		retry_times INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		dedup_key TEXT UNIQUE,
		origin_job_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(runner_type, status, created_at);
	CREATE TABLE IF NOT EXISTS server_status (
		server_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_modified INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_progress (
		job_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		step INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		last_modified INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job         models.Job
		payloadJSON string
		dedupKey    sql.NullString
		originJobID sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.RunnerType,
		&job.RetryTimes,
		&payloadJSON,
		&dedupKey,
		&originJobID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.DedupKey = dedupKey.String
	job.OriginJobID = originJobID.String
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
			// The row itself is returned so the caller can act on its ID.
			return &job, fmt.Errorf("%w: payload of job %s: %v", store.ErrCorruptJob, job.ID, err)
		}
	}
	return &job, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ClaimNext relies on a single UPDATE ... RETURNING statement: SQLite holds
// the write lock for the whole select-and-mark, so no two workers can get
// the same row.
func (s *Store) ClaimNext(ctx context.Context, runnerType string, maxRetries int) (*models.Job, error) {
	query := `
	UPDATE jobs SET
		status = ?,
		retry_times = retry_times + 1,
		updated_at = ?
	WHERE id = (
		SELECT id FROM jobs
		WHERE runner_type = ?
		  AND status IN (?, ?)
		  AND retry_times < ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	)
	RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		models.StatusRunning,
		time.Now().UnixMilli(),
		runnerType,
		models.StatusPending,
		models.StatusError,
		maxRetries,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if errors.Is(err, store.ErrCorruptJob) {
		// The UPDATE already marked the row running.
		if rerr := s.ReportResult(ctx, job.ID, models.StatusError); rerr != nil {
			log.Printf("[sqlstore] failed to fail unreadable job %s: %v", job.ID, rerr)
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job for %s: %w", runnerType, err)
	}
	return job, nil
}

func (s *Store) ReportResult(ctx context.Context, jobID, status string) error {
	if err := store.ValidateResult(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job %s to %s: %w", jobID, status, err)
	}
	return requireAffected(res, jobID)
}

func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retry_times = 0, updated_at = ? WHERE id = ?`,
		models.StatusPending, time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return requireAffected(res, jobID)
}

func (s *Store) FailIfStale(ctx context.Context, seen models.Job) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_times = ? AND updated_at = ?`,
		models.StatusError, time.Now().UnixMilli(),
		seen.ID, models.StatusRunning, seen.RetryTimes, seen.UpdatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to fail stale job %s: %w", seen.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, seen.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", store.ErrJobNotFound, seen.ID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up job %s: %w", seen.ID, err)
	}
	return false, nil
}

func requireAffected(res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *Store) InsertJob(ctx context.Context, job models.Job) (string, error) {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	id := models.NewJobID()
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO NOTHING`,
		id,
		models.StatusPending,
		job.RunnerType,
		string(payloadJSON),
		nullable(job.DedupKey),
		nullable(job.OriginJobID),
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 1 {
		return id, nil
	}

	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE dedup_key = ?`, job.DedupKey).Scan(&existing); err != nil {
		return "", fmt.Errorf("failed to look up duplicate %s: %w", job.DedupKey, err)
	}
	return existing, fmt.Errorf("%w: %s already stored as %s", store.ErrDuplicateJob, job.DedupKey, existing)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.Filter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	filters := []string{}
	if filter.Status != "" {
		filters = append(filters, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RunnerType != "" {
		filters = append(filters, "runner_type = ?")
		args = append(args, filter.RunnerType)
	}
	if len(filters) > 0 {
		query += " WHERE " + strings.Join(filters, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	result := make([]models.Job, 0, 32)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertServerStatus(ctx context.Context, status models.ServerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_status (server_id, status, last_modified)
		 VALUES (?, ?, ?)
		 ON CONFLICT(server_id) DO UPDATE SET
		   status = excluded.status,
		   last_modified = excluded.last_modified`,
		status.ServerID,
		status.Status,
		status.LastModified.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to update server status for %s: %w", status.ServerID, err)
	}
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]models.ServerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id, status, last_modified FROM server_status ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	result := make([]models.ServerStatus, 0, 16)
	for rows.Next() {
		var st models.ServerStatus
		var lastModified int64
		if err := rows.Scan(&st.ServerID, &st.Status, &lastModified); err != nil {
			return nil, err
		}
		st.LastModified = time.UnixMilli(lastModified)
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateProgress(ctx context.Context, progress models.Progress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_progress (job_id, phase, step, detail, last_modified)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   phase = excluded.phase,
		   step = excluded.step,
		   detail = excluded.detail,
		   last_modified = excluded.last_modified`,
		progress.JobID,
		progress.Phase,
		progress.Step,
		progress.Detail,
		progress.LastModified.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", progress.JobID, err)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, jobID string) (*models.Progress, error) {
	p := models.Progress{JobID: jobID}
	var lastModified int64
	err := s.db.QueryRowContext(ctx,
		`SELECT phase, step, detail, last_modified FROM job_progress WHERE job_id = ?`, jobID).
		Scan(&p.Phase, &p.Step, &p.Detail, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no progress for %s", store.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress for job %s: %w", jobID, err)
	}
	p.LastModified = time.UnixMilli(lastModified)
	return &p, nil
}
