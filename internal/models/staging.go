package models

import "time"

type ArchiveState string

const (
	ArchiveStateLive     ArchiveState = "live"
	ArchiveStateArchived ArchiveState = "archived"
)

// StagedObject is an immutable batch of extracted records written once by
// a sync job. It is never mutated after creation except for the archive
// state flip; rows only disappear when the owning connection is deleted or
// the retention purge removes archived rows.
type StagedObject struct {
	ID           string       `json:"id" db:"id"`
	ConnectionID string       `json:"connection_id" db:"connection_id"`
	StreamName   string       `json:"stream_name" db:"stream_name"`
	StorageKey   string       `json:"storage_key" db:"storage_key"`
	RecordCount  int64        `json:"record_count" db:"record_count"`
	SizeBytes    int64        `json:"size_bytes" db:"size_bytes"`
	MinRecordTS  *time.Time   `json:"min_record_ts,omitempty" db:"min_record_ts"`
	MaxRecordTS  *time.Time   `json:"max_record_ts,omitempty" db:"max_record_ts"`
	ArchiveState ArchiveState `json:"archive_state" db:"archive_state"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// StreamPosition is a checkpoint marker into a stream's staged objects.
// A non-empty Key addresses the last consumed object; otherwise Timestamp,
// when set, marks the last consumed record time. The zero value means
// "from the beginning".
type StreamPosition struct {
	Key       string     `json:"key,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p StreamPosition) IsZero() bool {
	return p.Key == "" && p.Timestamp == nil
}
