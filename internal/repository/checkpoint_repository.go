package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

const checkpointColumns = `id, connection_id, stream_name, transform_name, last_storage_key, last_record_ts,
	last_object_id, records_processed, objects_processed, last_run_at, created_at, updated_at`

// AdvanceParams moves a transform's checkpoint forward. Deltas are added
// to the cumulative counters, never overwritten.
type AdvanceParams struct {
	ConnectionID  string
	StreamName    string
	TransformName string
	NewKey        string
	NewTimestamp  *time.Time
	ObjectID      *string
	DeltaRecords  int64
	DeltaObjects  int64
}

type CheckpointRepository interface {
	// Get returns nil when the transform has never run for the stream.
	Get(ctx context.Context, connectionID, streamName, transformName string) (*models.TransformCheckpoint, error)
	Advance(ctx context.Context, p AdvanceParams) (models.TransformCheckpoint, error)
	// Accumulate folds counter deltas into an existing checkpoint without
	// touching the watermark. No-op when the checkpoint row does not exist.
	Accumulate(ctx context.Context, connectionID, streamName, transformName string, deltaRecords, deltaObjects int64) error
	// Reset removes the checkpoint row. Operator-issued backfill only;
	// the normal advance path never regresses.
	Reset(ctx context.Context, connectionID, streamName, transformName string) error
}

type checkpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(db *sql.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

func (r *checkpointRepository) Get(ctx context.Context, connectionID, streamName, transformName string) (*models.TransformCheckpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM pipeline.transform_checkpoints
		WHERE connection_id = $1 AND stream_name = $2 AND transform_name = $3
	`, connectionID, streamName, transformName)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // never run
		}
		return nil, errors.Wrap(err, "get transform checkpoint")
	}
	return &cp, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, p AdvanceParams) (models.TransformCheckpoint, error) {
	// Upsert guarded by monotonicity: the update only applies when the
	// stored timestamp is strictly older than the new one (or was never
	// set). A guarded-out update returns zero rows, which surfaces as a
	// RegressionError rather than a silent rewind.
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.transform_checkpoints AS tc
			(connection_id, stream_name, transform_name, last_storage_key, last_record_ts,
			 last_object_id, records_processed, objects_processed, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (connection_id, stream_name, transform_name) DO UPDATE
		SET last_storage_key  = EXCLUDED.last_storage_key,
		    last_record_ts    = EXCLUDED.last_record_ts,
		    last_object_id    = EXCLUDED.last_object_id,
		    records_processed = tc.records_processed + EXCLUDED.records_processed,
		    objects_processed = tc.objects_processed + EXCLUDED.objects_processed,
		    last_run_at       = now(),
		    updated_at        = now()
		WHERE tc.last_record_ts IS NULL
		   OR (EXCLUDED.last_record_ts IS NOT NULL AND tc.last_record_ts < EXCLUDED.last_record_ts)
		RETURNING `+checkpointColumns,
		p.ConnectionID, p.StreamName, p.TransformName, p.NewKey, p.NewTimestamp,
		p.ObjectID, p.DeltaRecords, p.DeltaObjects)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.TransformCheckpoint{}, &pipeline.RegressionError{
				Transform: p.TransformName,
				Detail:    "new timestamp is not after the stored checkpoint",
			}
		}
		return models.TransformCheckpoint{}, errors.Wrap(err, "advance transform checkpoint")
	}
	return cp, nil
}

func (r *checkpointRepository) Accumulate(ctx context.Context, connectionID, streamName, transformName string, deltaRecords, deltaObjects int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline.transform_checkpoints
		SET records_processed = records_processed + $4,
		    objects_processed = objects_processed + $5,
		    last_run_at = now(),
		    updated_at  = now()
		WHERE connection_id = $1 AND stream_name = $2 AND transform_name = $3
	`, connectionID, streamName, transformName, deltaRecords, deltaObjects)
	return errors.Wrap(err, "accumulate checkpoint counters")
}

func (r *checkpointRepository) Reset(ctx context.Context, connectionID, streamName, transformName string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM pipeline.transform_checkpoints
		WHERE connection_id = $1 AND stream_name = $2 AND transform_name = $3
	`, connectionID, streamName, transformName)
	return errors.Wrap(err, "reset transform checkpoint")
}

func scanCheckpoint(row rowScanner) (models.TransformCheckpoint, error) {
	var (
		cp           models.TransformCheckpoint
		lastKey      sql.NullString
		lastRecordTS sql.NullTime
		lastObjectID sql.NullString
		lastRunAt    sql.NullTime
	)
	err := row.Scan(
		&cp.ID,
		&cp.ConnectionID,
		&cp.StreamName,
		&cp.TransformName,
		&lastKey,
		&lastRecordTS,
		&lastObjectID,
		&cp.RecordsProcessed,
		&cp.ObjectsProcessed,
		&lastRunAt,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	)
	if err != nil {
		return cp, err
	}
	cp.LastStorageKey = strPtr(lastKey)
	cp.LastRecordTS = timePtr(lastRecordTS)
	cp.LastObjectID = strPtr(lastObjectID)
	cp.LastRunAt = timePtr(lastRunAt)
	return cp, nil
}
