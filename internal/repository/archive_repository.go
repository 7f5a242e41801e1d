package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

const archiveJobColumns = `id, sync_job_id, connection_id, stream_name, storage_key, status,
	retry_count, max_retries, started_at, completed_at, created_at, updated_at`

// ScheduleArchiveParams creates a pending archive job for one staged
// object.
type ScheduleArchiveParams struct {
	SyncJobID    *string
	ConnectionID string
	StreamName   string
	StorageKey   string
	MaxRetries   int
}

type ArchiveRepository interface {
	// Schedule inserts a pending archive job unless one already exists for
	// the storage key; it reports whether a new job was created.
	Schedule(ctx context.Context, p ScheduleArchiveParams) (bool, error)
	// ClaimNext atomically moves the oldest claimable job to in_progress.
	// Pending jobs are always claimable; failed jobs only when they still
	// have retries left AND last failed before failedBefore, which spaces
	// retries across scan passes instead of burning them back-to-back.
	// Returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, failedBefore time.Time) (*models.ArchiveJob, error)
	MarkCompleted(ctx context.Context, id string) (models.ArchiveJob, error)
	// MarkFailed transitions the job back to failed and bumps the retry
	// count; permanent forces the retry budget to its limit so the job is
	// never claimed again.
	MarkFailed(ctx context.Context, id string, permanent bool) (models.ArchiveJob, error)
	// ReclaimStale resets in_progress jobs whose start time is older than
	// the cutoff, protecting against workers that crashed mid-archive.
	ReclaimStale(ctx context.Context, startedBefore time.Time) (int64, error)
	Get(ctx context.Context, id string) (models.ArchiveJob, error)
	ListExhausted(ctx context.Context, limit int) ([]models.ArchiveJob, error)
}

type archiveRepository struct {
	db *sql.DB
}

func NewArchiveRepository(db *sql.DB) ArchiveRepository {
	return &archiveRepository{db: db}
}

func (r *archiveRepository) Schedule(ctx context.Context, p ScheduleArchiveParams) (bool, error) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultArchiveMaxRetries
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline.archive_jobs (sync_job_id, connection_id, stream_name, storage_key, max_retries)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (storage_key) DO NOTHING
	`, p.SyncJobID, p.ConnectionID, p.StreamName, p.StorageKey, maxRetries)
	if err != nil {
		return false, errors.Wrap(err, "schedule archive job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *archiveRepository) ClaimNext(ctx context.Context, failedBefore time.Time) (*models.ArchiveJob, error) {
	query := `
		UPDATE pipeline.archive_jobs
		SET status = 'in_progress', started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id
			FROM pipeline.archive_jobs
			WHERE status = 'pending'
			   OR (status = 'failed' AND retry_count < max_retries AND updated_at < $1)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + archiveJobColumns
	job, err := scanArchiveJob(r.db.QueryRowContext(ctx, query, failedBefore))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "claim archive job")
	}
	return &job, nil
}

func (r *archiveRepository) MarkCompleted(ctx context.Context, id string) (models.ArchiveJob, error) {
	query := `
		UPDATE pipeline.archive_jobs
		SET status = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + archiveJobColumns
	job, err := scanArchiveJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ArchiveJob{}, r.describeArchiveState(ctx, id, "in_progress")
		}
		return models.ArchiveJob{}, errors.Wrap(err, "complete archive job")
	}
	return job, nil
}

func (r *archiveRepository) MarkFailed(ctx context.Context, id string, permanent bool) (models.ArchiveJob, error) {
	query := `
		UPDATE pipeline.archive_jobs
		SET status = 'failed',
		    retry_count = CASE WHEN $2 THEN GREATEST(retry_count + 1, max_retries) ELSE retry_count + 1 END,
		    updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + archiveJobColumns
	job, err := scanArchiveJob(r.db.QueryRowContext(ctx, query, id, permanent))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ArchiveJob{}, r.describeArchiveState(ctx, id, "in_progress")
		}
		return models.ArchiveJob{}, errors.Wrap(err, "fail archive job")
	}
	return job, nil
}

func (r *archiveRepository) ReclaimStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	// A reclaim that spends the last retry lands in failed, not pending,
	// so an exhausted job surfaces through ListExhausted instead of
	// getting one extra attempt.
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline.archive_jobs
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    started_at = NULL, retry_count = retry_count + 1, updated_at = now()
		WHERE status = 'in_progress' AND started_at < $1
	`, startedBefore)
	if err != nil {
		return 0, errors.Wrap(err, "reclaim stale archive jobs")
	}
	return res.RowsAffected()
}

func (r *archiveRepository) Get(ctx context.Context, id string) (models.ArchiveJob, error) {
	query := `SELECT ` + archiveJobColumns + ` FROM pipeline.archive_jobs WHERE id = $1`
	job, err := scanArchiveJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ArchiveJob{}, &pipeline.NotFoundError{Entity: "archive job", ID: id}
		}
		return models.ArchiveJob{}, errors.Wrap(err, "get archive job")
	}
	return job, nil
}

func (r *archiveRepository) ListExhausted(ctx context.Context, limit int) ([]models.ArchiveJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+archiveJobColumns+`
		FROM pipeline.archive_jobs
		WHERE status = 'failed' AND retry_count >= max_retries
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list exhausted archive jobs")
	}
	defer rows.Close()

	var jobs []models.ArchiveJob
	for rows.Next() {
		job, err := scanArchiveJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *archiveRepository) describeArchiveState(ctx context.Context, id, expected string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM pipeline.archive_jobs WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return &pipeline.NotFoundError{Entity: "archive job", ID: id}
	}
	if err != nil {
		return errors.Wrap(err, "inspect archive job state")
	}
	return &pipeline.InvalidStateError{Entity: "archive job", ID: id, Expected: expected, Actual: status}
}

func scanArchiveJob(row rowScanner) (models.ArchiveJob, error) {
	var (
		job         models.ArchiveJob
		syncJobID   sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&syncJobID,
		&job.ConnectionID,
		&job.StreamName,
		&job.StorageKey,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return job, err
	}
	job.SyncJobID = strPtr(syncJobID)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}
