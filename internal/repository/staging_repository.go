package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

const stagedObjectColumns = `id, connection_id, stream_name, storage_key, record_count, size_bytes,
	min_record_ts, max_record_ts, archive_state, created_at`

// PageCursor addresses a position in a stream's creation order. The
// (CreatedAt, ID) pair is a total order even when batches share a commit
// timestamp.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}

type StagingRepository interface {
	Insert(ctx context.Context, obj models.StagedObject) (models.StagedObject, error)
	GetByKey(ctx context.Context, storageKey string) (models.StagedObject, error)
	// ListAfter returns up to limit staged objects for the stream strictly
	// after the page cursor, in creation order. When minTSAfter is set,
	// only objects whose minimum record timestamp is strictly later
	// qualify.
	ListAfter(ctx context.Context, connectionID, streamName string, cursor PageCursor, minTSAfter *time.Time, limit int) ([]models.StagedObject, error)
	MarkArchived(ctx context.Context, storageKey string) error
	// ListUnarchived returns live staged objects created before the cutoff
	// that have no archive job yet.
	ListUnarchived(ctx context.Context, createdBefore time.Time, limit int) ([]models.StagedObject, error)
	PurgeArchived(ctx context.Context, createdBefore time.Time) (int64, error)
}

type stagingRepository struct {
	db *sql.DB
}

func NewStagingRepository(db *sql.DB) StagingRepository {
	return &stagingRepository{db: db}
}

func (r *stagingRepository) Insert(ctx context.Context, obj models.StagedObject) (models.StagedObject, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.staged_objects
			(connection_id, stream_name, storage_key, record_count, size_bytes, min_record_ts, max_record_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+stagedObjectColumns,
		obj.ConnectionID, obj.StreamName, obj.StorageKey, obj.RecordCount, obj.SizeBytes, obj.MinRecordTS, obj.MaxRecordTS)
	out, err := scanStagedObject(row)
	if err != nil {
		if uniqueViolation(err, "staged_objects_storage_key_key") {
			return models.StagedObject{}, &pipeline.DuplicateKeyError{Key: obj.StorageKey}
		}
		return models.StagedObject{}, errors.Wrap(err, "insert staged object")
	}
	return out, nil
}

func (r *stagingRepository) GetByKey(ctx context.Context, storageKey string) (models.StagedObject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stagedObjectColumns+` FROM pipeline.staged_objects WHERE storage_key = $1
	`, storageKey)
	obj, err := scanStagedObject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.StagedObject{}, &pipeline.NotFoundError{Entity: "staged object", ID: storageKey}
		}
		return models.StagedObject{}, errors.Wrap(err, "get staged object")
	}
	return obj, nil
}

func (r *stagingRepository) ListAfter(ctx context.Context, connectionID, streamName string, cursor PageCursor, minTSAfter *time.Time, limit int) ([]models.StagedObject, error) {
	var cursorID interface{}
	if cursor.ID != "" {
		cursorID = cursor.ID
	} else {
		// UUID floor; any real id sorts after it at an equal timestamp.
		cursorID = "00000000-0000-0000-0000-000000000000"
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stagedObjectColumns+`
		FROM pipeline.staged_objects
		WHERE connection_id = $1 AND stream_name = $2
		  AND (created_at, id) > ($3, $4::uuid)
		  AND ($5::timestamptz IS NULL OR min_record_ts > $5)
		ORDER BY created_at ASC, id ASC
		LIMIT $6
	`, connectionID, streamName, cursor.CreatedAt, cursorID, minTSAfter, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list staged objects")
	}
	defer rows.Close()
	return collectStagedObjects(rows)
}

func (r *stagingRepository) MarkArchived(ctx context.Context, storageKey string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline.staged_objects SET archive_state = 'archived' WHERE storage_key = $1
	`, storageKey)
	if err != nil {
		return errors.Wrap(err, "mark staged object archived")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &pipeline.NotFoundError{Entity: "staged object", ID: storageKey}
	}
	return nil
}

func (r *stagingRepository) ListUnarchived(ctx context.Context, createdBefore time.Time, limit int) ([]models.StagedObject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixColumns("so", stagedObjectColumns)+`
		FROM pipeline.staged_objects so
		LEFT JOIN pipeline.archive_jobs aj ON aj.storage_key = so.storage_key
		WHERE so.archive_state = 'live' AND aj.id IS NULL AND so.created_at < $1
		ORDER BY so.created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unarchived staged objects")
	}
	defer rows.Close()
	return collectStagedObjects(rows)
}

func (r *stagingRepository) PurgeArchived(ctx context.Context, createdBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pipeline.staged_objects
		WHERE archive_state = 'archived' AND created_at < $1
	`, createdBefore)
	if err != nil {
		return 0, errors.Wrap(err, "purge archived staged objects")
	}
	return res.RowsAffected()
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectStagedObjects(rows *sql.Rows) ([]models.StagedObject, error) {
	var objects []models.StagedObject
	for rows.Next() {
		obj, err := scanStagedObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func scanStagedObject(row rowScanner) (models.StagedObject, error) {
	var (
		obj   models.StagedObject
		minTS sql.NullTime
		maxTS sql.NullTime
	)
	err := row.Scan(
		&obj.ID,
		&obj.ConnectionID,
		&obj.StreamName,
		&obj.StorageKey,
		&obj.RecordCount,
		&obj.SizeBytes,
		&minTS,
		&maxTS,
		&obj.ArchiveState,
		&obj.CreatedAt,
	)
	if err != nil {
		return obj, err
	}
	obj.MinRecordTS = timePtr(minTS)
	obj.MaxRecordTS = timePtr(maxTS)
	return obj, nil
}
