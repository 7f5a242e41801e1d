// Package connector defines the boundary between the pipeline core and
// source-specific ingestion code. The core never interprets connection
// auth material or stream config; connectors own both.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

// Record is one fetched source record. Timestamp is the source-side
// event time when the source exposes one; connectors leave it nil
// otherwise and the staging index simply has no temporal extent for
// the batch.
type Record struct {
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// SyncRequest asks a connector for the next page of a stream.
type SyncRequest struct {
	Connection models.Connection
	Stream     models.StreamConnection
	Mode       models.SyncMode
	// Cursor is the opaque resume token from the previous page, or the
	// stream watermark on the first page of an incremental sync. Empty
	// for full syncs and never-synced streams.
	Cursor *string
}

// SyncResult is one page of connector output.
type SyncResult struct {
	Records []Record
	// NextCursor is the resume token covering everything up to and
	// including this page.
	NextCursor *string
	// More is true while the connector has further pages.
	More bool
}

// Connector fetches records from one kind of external source. Fetch is
// called repeatedly, feeding each NextCursor back in, until More is
// false or an error occurs.
type Connector interface {
	Kind() string
	Fetch(ctx context.Context, req SyncRequest) (SyncResult, error)
}

// Failure classifies a connector error so the job layer can record a
// machine-readable class. Connectors return plain errors for anything
// they cannot classify; those default to the server class.
type Failure struct {
	Class pipeline.ErrorClass
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Failf builds a classified connector failure.
func Failf(class pipeline.ErrorClass, format string, args ...interface{}) *Failure {
	return &Failure{Class: class, Err: fmt.Errorf(format, args...)}
}

// Registry maps source kinds to connector implementations. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	byKind map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byKind: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		r.byKind[c.Kind()] = c
	}
	return r
}

// Lookup returns the connector for the source kind.
func (r *Registry) Lookup(sourceKind string) (Connector, error) {
	c, ok := r.byKind[sourceKind]
	if !ok {
		return nil, pipeline.Validationf("no connector registered for source kind %q", sourceKind)
	}
	return c, nil
}

// Kinds lists the registered source kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
