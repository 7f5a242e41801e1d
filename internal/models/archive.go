package models

import "time"

type ArchiveJobStatus string

const (
	ArchiveJobStatusPending    ArchiveJobStatus = "pending"
	ArchiveJobStatusInProgress ArchiveJobStatus = "in_progress"
	ArchiveJobStatusCompleted  ArchiveJobStatus = "completed"
	ArchiveJobStatusFailed     ArchiveJobStatus = "failed"
)

const DefaultArchiveMaxRetries = 3

// ArchiveJob records the lifecycle of moving one staged object to cold
// storage. A failed job is claimable again while RetryCount < MaxRetries;
// after that it is permanently failed and surfaced for operator attention.
type ArchiveJob struct {
	ID           string           `json:"id" db:"id"`
	SyncJobID    *string          `json:"sync_job_id,omitempty" db:"sync_job_id"`
	ConnectionID string           `json:"connection_id" db:"connection_id"`
	StreamName   string           `json:"stream_name" db:"stream_name"`
	StorageKey   string           `json:"storage_key" db:"storage_key"`
	Status       ArchiveJobStatus `json:"status" db:"status"`
	RetryCount   int              `json:"retry_count" db:"retry_count"`
	MaxRetries   int              `json:"max_retries" db:"max_retries"`
	StartedAt    *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether the job has burned through its retry budget.
func (a *ArchiveJob) Exhausted() bool {
	return a.Status == ArchiveJobStatusFailed && a.RetryCount >= a.MaxRetries
}
