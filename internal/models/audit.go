package models

import "time"

// AuditRecord is the immutable, append-only summary of a finished sync.
// It is decoupled from the jobs table, which may be pruned; audit rows are
// never updated once written.
type AuditRecord struct {
	ID             int64      `json:"id" db:"id"`
	JobID          *string    `json:"job_id,omitempty" db:"job_id"`
	ConnectionID   string     `json:"connection_id" db:"connection_id"`
	StreamName     string     `json:"stream_name" db:"stream_name"`
	Mode           SyncMode   `json:"mode" db:"mode"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	RecordsFetched int64      `json:"records_fetched" db:"records_fetched"`
	RecordsWritten int64      `json:"records_written" db:"records_written"`
	RecordsFailed  int64      `json:"records_failed" db:"records_failed"`
	ErrorClass     *string    `json:"error_class,omitempty" db:"error_class"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
	CursorBefore   *string    `json:"cursor_before,omitempty" db:"cursor_before"`
	CursorAfter    *string    `json:"cursor_after,omitempty" db:"cursor_after"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Duration returns the wall-clock sync duration when both stamps exist.
func (a *AuditRecord) Duration() time.Duration {
	if a.StartedAt == nil || a.CompletedAt == nil {
		return 0
	}
	return a.CompletedAt.Sub(*a.StartedAt)
}
