package models

import (
	"encoding/json"
	"time"
)

type ConnectionStatus string

const (
	ConnectionStatusActive ConnectionStatus = "active"
	ConnectionStatusError  ConnectionStatus = "error"
)

// Connection is one registered external source. The auth material and
// metadata bags are opaque to the core; connector implementations own
// their shape and must validate on read.
type Connection struct {
	ID         string           `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	SourceKind string           `json:"source_kind" db:"source_kind"`
	AuthData   json.RawMessage  `json:"-" db:"auth_data"`
	Status     ConnectionStatus `json:"status" db:"status"`
	Metadata   json.RawMessage  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// StreamConnection is one named stream within a connection. Stream names
// are unique per connection. LastCursor and LastSyncedAt form the stream's
// watermark and are written only by job completion, never by connectors.
type StreamConnection struct {
	ID           string          `json:"id" db:"id"`
	ConnectionID string          `json:"connection_id" db:"connection_id"`
	StreamName   string          `json:"stream_name" db:"stream_name"`
	Enabled      bool            `json:"enabled" db:"enabled"`
	Schedule     string          `json:"schedule" db:"schedule"`
	Config       json.RawMessage `json:"config,omitempty" db:"config"`
	LastCursor   *string         `json:"last_cursor,omitempty" db:"last_cursor"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty" db:"last_synced_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
