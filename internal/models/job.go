package models

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindSync      JobKind = "sync"
	JobKindTransform JobKind = "transform"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: no transition leaves it.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// Job is the unit of scheduled work. The Kind tag selects which optional
// fields are meaningful; use Sync()/Transform() instead of reading the
// kind-specific pointers directly.
type Job struct {
	ID               string          `json:"id" db:"id"`
	Kind             JobKind         `json:"kind" db:"kind"`
	Status           JobStatus       `json:"status" db:"status"`
	ConnectionID     *string         `json:"connection_id,omitempty" db:"connection_id"`
	StreamName       *string         `json:"stream_name,omitempty" db:"stream_name"`
	SyncMode         *SyncMode       `json:"sync_mode,omitempty" db:"sync_mode"`
	ParentJobID      *string         `json:"parent_job_id,omitempty" db:"parent_job_id"`
	Stage            *string         `json:"stage,omitempty" db:"stage"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RecordsProcessed int64           `json:"records_processed" db:"records_processed"`
	ErrorClass       *string         `json:"error_class,omitempty" db:"error_class"`
	ErrorMessage     *string         `json:"error_message,omitempty" db:"error_message"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// SyncDetails is the sync-kind view of a job.
type SyncDetails struct {
	ConnectionID string
	StreamName   string
	Mode         SyncMode
}

// Sync returns the sync-specific fields, reporting false when the job is
// not a sync job or is missing its resource reference.
func (j *Job) Sync() (SyncDetails, bool) {
	if j.Kind != JobKindSync || j.ConnectionID == nil || j.StreamName == nil {
		return SyncDetails{}, false
	}
	d := SyncDetails{ConnectionID: *j.ConnectionID, StreamName: *j.StreamName, Mode: SyncModeIncremental}
	if j.SyncMode != nil {
		d.Mode = *j.SyncMode
	}
	return d, true
}

// TransformDetails is the transform-kind view of a job.
type TransformDetails struct {
	ConnectionID string
	StreamName   string
	Stage        string
}

// Transform returns the transform-specific fields, reporting false when
// the job is not a transform job or has no stage label.
func (j *Job) Transform() (TransformDetails, bool) {
	if j.Kind != JobKindTransform || j.Stage == nil || j.ConnectionID == nil || j.StreamName == nil {
		return TransformDetails{}, false
	}
	return TransformDetails{ConnectionID: *j.ConnectionID, StreamName: *j.StreamName, Stage: *j.Stage}, true
}
