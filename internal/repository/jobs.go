package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fibreflow/boq-import/internal/model"
)

// ErrJobNotFound is returned by Get when no history row matches.
var ErrJobNotFound = errors.New("import job not found")

// JobRepository stores finished import jobs in import_jobs so history
// survives restarts.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// RecordJob upserts a job. Finished jobs arrive through the jobs.Manager
// history sink; queue workers also record intermediate progress.
func (r *JobRepository) RecordJob(ctx context.Context, job *model.ImportJob) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var result []byte
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, file_name, file_size, status, progress, error_message, metadata, result, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			error_message = EXCLUDED.error_message,
			metadata = EXCLUDED.metadata,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, job.ID, job.FileName, job.FileSize, job.Status, job.Progress, nullable(job.Error), metadata, result,
		job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert import job: %w", err)
	}
	return nil
}

const jobColumns = `id, file_name, file_size, status, progress, error_message, metadata, result, created_at, started_at, completed_at`

// Get returns a stored job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.ImportJob, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("select import job: %w", err)
	}
	return job, nil
}

// ListHistory returns up to limit jobs, most recently completed first.
func (r *JobRepository) ListHistory(ctx context.Context, limit int) ([]*model.ImportJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM import_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		ORDER BY completed_at DESC NULLS LAST, created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select import jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*model.ImportJob, error) {
	var jobs []*model.ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListActive returns jobs that have not reached a terminal status, oldest
// first. Queue-mode workers upsert these as they progress.
func (r *JobRepository) ListActive(ctx context.Context) ([]*model.ImportJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM import_jobs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("select active import jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteCompletedBefore removes jobs that finished before cutoff.
func (r *JobRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM import_jobs WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete import jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*model.ImportJob, error) {
	var (
		job      model.ImportJob
		errorMsg sql.NullString
		metadata []byte
		result   []byte
	)
	if err := row.Scan(&job.ID, &job.FileName, &job.FileSize, &job.Status, &job.Progress, &errorMsg,
		&metadata, &result, &job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(result) > 0 {
		job.Result = &model.SaveResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &job, nil
}
