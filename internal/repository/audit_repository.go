package repository

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
)

const auditColumns = `id, job_id, connection_id, stream_name, mode, started_at, completed_at,
	records_fetched, records_written, records_failed, error_class, error_message,
	cursor_before, cursor_after, created_at`

type AuditRepository interface {
	// Insert appends one audit row. Rows are never updated afterwards.
	Insert(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error)
	List(ctx context.Context, connectionID, streamName string, limit, offset int) ([]models.AuditRecord, error)
}

type auditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Insert(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.sync_audit_log
			(job_id, connection_id, stream_name, mode, started_at, completed_at,
			 records_fetched, records_written, records_failed, error_class, error_message,
			 cursor_before, cursor_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`, rec.JobID, rec.ConnectionID, rec.StreamName, string(rec.Mode), rec.StartedAt, rec.CompletedAt,
		rec.RecordsFetched, rec.RecordsWritten, rec.RecordsFailed, rec.ErrorClass, rec.ErrorMessage,
		rec.CursorBefore, rec.CursorAfter).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return models.AuditRecord{}, errors.Wrap(err, "insert audit record")
	}
	return rec, nil
}

func (r *auditRepository) List(ctx context.Context, connectionID, streamName string, limit, offset int) ([]models.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM pipeline.sync_audit_log
		WHERE ($1 = '' OR connection_id = $1::uuid)
		  AND ($2 = '' OR stream_name = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, connectionID, streamName, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list audit records")
	}
	defer rows.Close()

	records := make([]models.AuditRecord, 0, limit)
	for rows.Next() {
		var (
			rec          models.AuditRecord
			jobID        sql.NullString
			startedAt    sql.NullTime
			completedAt  sql.NullTime
			errorClass   sql.NullString
			errorMessage sql.NullString
			cursorBefore sql.NullString
			cursorAfter  sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&jobID,
			&rec.ConnectionID,
			&rec.StreamName,
			&rec.Mode,
			&startedAt,
			&completedAt,
			&rec.RecordsFetched,
			&rec.RecordsWritten,
			&rec.RecordsFailed,
			&errorClass,
			&errorMessage,
			&cursorBefore,
			&cursorAfter,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.JobID = strPtr(jobID)
		rec.StartedAt = timePtr(startedAt)
		rec.CompletedAt = timePtr(completedAt)
		rec.ErrorClass = strPtr(errorClass)
		rec.ErrorMessage = strPtr(errorMessage)
		rec.CursorBefore = strPtr(cursorBefore)
		rec.CursorAfter = strPtr(cursorAfter)
		records = append(records, rec)
	}
	return records, rows.Err()
}
