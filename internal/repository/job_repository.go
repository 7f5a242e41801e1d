package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

const jobColumns = `id, kind, status, connection_id, stream_name, sync_mode, parent_job_id, stage,
	started_at, completed_at, records_processed, error_class, error_message, metadata, created_at, updated_at`

// EnqueueSyncParams identifies the stream a sync job should cover.
type EnqueueSyncParams struct {
	ConnectionID string
	StreamName   string
	Mode         models.SyncMode
}

// EnqueueChildParams describes the next stage of a chain.
type EnqueueChildParams struct {
	Stage    string
	Metadata json.RawMessage
}

// CompleteParams carries a terminal outcome for a running job.
type CompleteParams struct {
	Status           models.JobStatus
	ErrorClass       *string
	ErrorMessage     *string
	RecordsProcessed int64
	// Cursor, when set on a succeeded sync job, becomes the stream's new
	// watermark in the same transaction as the status transition.
	Cursor *string
}

type JobRepository interface {
	EnqueueSync(ctx context.Context, p EnqueueSyncParams) (models.Job, error)
	EnqueueChild(ctx context.Context, parentJobID string, p EnqueueChildParams) (models.Job, error)
	ClaimNextPending(ctx context.Context, kind models.JobKind) (*models.Job, error)
	Complete(ctx context.Context, jobID string, p CompleteParams) (models.Job, error)
	CancelChain(ctx context.Context, jobID string) (int64, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	List(ctx context.Context, limit, offset int) ([]models.Job, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) EnqueueSync(ctx context.Context, p EnqueueSyncParams) (models.Job, error) {
	// The partial unique index jobs_active_sync_uniq makes check-and-create
	// atomic: a second active sync for the same stream fails the insert.
	query := `
		INSERT INTO pipeline.jobs (kind, status, connection_id, stream_name, sync_mode)
		SELECT 'sync', 'pending', sc.connection_id, sc.stream_name, $3
		FROM pipeline.stream_connections sc
		WHERE sc.connection_id = $1 AND sc.stream_name = $2
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query, p.ConnectionID, p.StreamName, string(p.Mode))
	job, err := scanJob(row)
	if err != nil {
		if uniqueViolation(err, "jobs_active_sync_uniq") {
			return models.Job{}, &pipeline.ConflictError{
				Resource: p.ConnectionID + "/" + p.StreamName,
				Detail:   "an active sync job already exists for this stream",
			}
		}
		if err == sql.ErrNoRows {
			return models.Job{}, &pipeline.NotFoundError{Entity: "stream", ID: p.ConnectionID + "/" + p.StreamName}
		}
		return models.Job{}, errors.Wrap(err, "enqueue sync job")
	}
	return job, nil
}

func (r *jobRepository) EnqueueChild(ctx context.Context, parentJobID string, p EnqueueChildParams) (models.Job, error) {
	// Children spawn only from terminal-successful parents; since a child
	// cannot exist before its parent finished, chains are structurally
	// acyclic.
	query := `
		INSERT INTO pipeline.jobs (kind, status, connection_id, stream_name, parent_job_id, stage, metadata)
		SELECT 'transform', 'pending', pj.connection_id, pj.stream_name, pj.id, $2, $3
		FROM pipeline.jobs pj
		WHERE pj.id = $1 AND pj.status = 'succeeded'
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query, parentJobID, p.Stage, nullableJSON(p.Metadata))
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Job{}, r.describeStateMismatch(ctx, parentJobID, "succeeded")
		}
		return models.Job{}, errors.Wrap(err, "enqueue child job")
	}
	return job, nil
}

func (r *jobRepository) ClaimNextPending(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	// Single-statement claim; SKIP LOCKED keeps concurrent workers from
	// ever selecting the same row.
	query := `
		UPDATE pipeline.jobs
		SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id
			FROM pipeline.jobs
			WHERE status = 'pending' AND kind = $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query, string(kind))
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no pending jobs
		}
		return nil, errors.Wrap(err, "claim next pending job")
	}
	return &job, nil
}

func (r *jobRepository) Complete(ctx context.Context, jobID string, p CompleteParams) (models.Job, error) {
	if !p.Status.Terminal() {
		return models.Job{}, pipeline.Validationf("complete requires a terminal status, got %q", p.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "begin complete transaction")
	}
	defer tx.Rollback()

	query := `
		UPDATE pipeline.jobs
		SET status = $2, completed_at = now(), updated_at = now(),
		    records_processed = $3, error_class = $4, error_message = $5
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns
	row := tx.QueryRowContext(ctx, query, jobID, string(p.Status), p.RecordsProcessed, p.ErrorClass, p.ErrorMessage)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Job{}, r.describeStateMismatch(ctx, jobID, "running")
		}
		return models.Job{}, errors.Wrap(err, "complete job")
	}

	// Watermark advance rides in the same transaction as the transition,
	// so a successful sync and its cursor update are indivisible.
	if sync, ok := job.Sync(); ok && p.Status == models.JobStatusSucceeded {
		_, err := tx.ExecContext(ctx, `
			UPDATE pipeline.stream_connections
			SET last_cursor = COALESCE($3, last_cursor), last_synced_at = now(), updated_at = now()
			WHERE connection_id = $1 AND stream_name = $2
		`, sync.ConnectionID, sync.StreamName, p.Cursor)
		if err != nil {
			return models.Job{}, errors.Wrap(err, "update stream watermark")
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Job{}, errors.Wrap(err, "commit complete transaction")
	}
	return job, nil
}

func (r *jobRepository) CancelChain(ctx context.Context, jobID string) (int64, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT id FROM pipeline.jobs WHERE id = $1
			UNION ALL
			SELECT j.id FROM pipeline.jobs j JOIN chain c ON j.parent_job_id = c.id
		)
		UPDATE pipeline.jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id IN (SELECT id FROM chain) AND status IN ('pending', 'running')
	`
	res, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return 0, errors.Wrap(err, "cancel job chain")
	}
	return res.RowsAffected()
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline.jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Job{}, &pipeline.NotFoundError{Entity: "job", ID: jobID}
		}
		return models.Job{}, errors.Wrap(err, "get job")
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, limit, offset int) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM pipeline.jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// describeStateMismatch turns a zero-row conditional update into the
// precise domain error: missing row vs. wrong state.
func (r *jobRepository) describeStateMismatch(ctx context.Context, jobID, expected string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM pipeline.jobs WHERE id = $1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return &pipeline.NotFoundError{Entity: "job", ID: jobID}
	}
	if err != nil {
		return errors.Wrap(err, "inspect job state")
	}
	return &pipeline.InvalidStateError{Entity: "job", ID: jobID, Expected: expected, Actual: status}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job          models.Job
		connectionID sql.NullString
		streamName   sql.NullString
		syncMode     sql.NullString
		parentJobID  sql.NullString
		stage        sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		errorClass   sql.NullString
		errorMessage sql.NullString
		metadata     []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&connectionID,
		&streamName,
		&syncMode,
		&parentJobID,
		&stage,
		&startedAt,
		&completedAt,
		&job.RecordsProcessed,
		&errorClass,
		&errorMessage,
		&metadata,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return job, err
	}
	if connectionID.Valid {
		job.ConnectionID = &connectionID.String
	}
	if streamName.Valid {
		job.StreamName = &streamName.String
	}
	if syncMode.Valid {
		mode := models.SyncMode(syncMode.String)
		job.SyncMode = &mode
	}
	if parentJobID.Valid {
		job.ParentJobID = &parentJobID.String
	}
	if stage.Valid {
		job.Stage = &stage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if errorClass.Valid {
		job.ErrorClass = &errorClass.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if len(metadata) > 0 {
		job.Metadata = json.RawMessage(metadata)
	}
	return job, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// timePtr is shared by repositories converting sql.NullTime values.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
