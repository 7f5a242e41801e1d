package models

import "time"

// TransformCheckpoint tracks how far one named transform has consumed one
// stream's staged objects. LastObjectID is a weak reference: archival or
// purge of the object nulls it while the key/timestamp marker stays valid.
// Counters are cumulative across runs.
type TransformCheckpoint struct {
	ID               string     `json:"id" db:"id"`
	ConnectionID     string     `json:"connection_id" db:"connection_id"`
	StreamName       string     `json:"stream_name" db:"stream_name"`
	TransformName    string     `json:"transform_name" db:"transform_name"`
	LastStorageKey   *string    `json:"last_storage_key,omitempty" db:"last_storage_key"`
	LastRecordTS     *time.Time `json:"last_record_ts,omitempty" db:"last_record_ts"`
	LastObjectID     *string    `json:"last_object_id,omitempty" db:"last_object_id"`
	RecordsProcessed int64      `json:"records_processed" db:"records_processed"`
	ObjectsProcessed int64      `json:"objects_processed" db:"objects_processed"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Position converts the checkpoint into a staging-store marker.
func (c *TransformCheckpoint) Position() StreamPosition {
	if c == nil {
		return StreamPosition{}
	}
	pos := StreamPosition{Timestamp: c.LastRecordTS}
	if c.LastStorageKey != nil {
		pos.Key = *c.LastStorageKey
	}
	return pos
}
