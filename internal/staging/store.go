// Package staging implements the append-only store of immutable record
// batches and their temporal index. Downstream transforms ask "what is
// new since my checkpoint" instead of re-reading connector output.
package staging

import (
	"context"
	"errors"
	"time"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

const defaultPageSize = 100

type Store struct {
	repo repository.StagingRepository
}

func NewStore(repo repository.StagingRepository) *Store {
	return &Store{repo: repo}
}

// AppendParams describes one staged object to record.
type AppendParams struct {
	ConnectionID string
	StreamName   string
	StorageKey   string
	RecordCount  int64
	SizeBytes    int64
	MinRecordTS  *time.Time
	MaxRecordTS  *time.Time
}

// Append records an immutable batch. Validation happens before any state
// change; a key that already exists fails with DuplicateKeyError, which
// is how a retried sync job discovers the batch was already written.
func (s *Store) Append(ctx context.Context, p AppendParams) (models.StagedObject, error) {
	if p.ConnectionID == "" || p.StreamName == "" {
		return models.StagedObject{}, pipeline.Validationf("connection id and stream name are required")
	}
	if p.StorageKey == "" {
		return models.StagedObject{}, pipeline.Validationf("storage key is required")
	}
	if p.RecordCount <= 0 {
		return models.StagedObject{}, pipeline.Validationf("record count must be positive, got %d", p.RecordCount)
	}
	if p.SizeBytes <= 0 {
		return models.StagedObject{}, pipeline.Validationf("size must be positive, got %d", p.SizeBytes)
	}
	if p.MinRecordTS != nil && p.MaxRecordTS != nil && p.MinRecordTS.After(*p.MaxRecordTS) {
		return models.StagedObject{}, pipeline.Validationf("min record timestamp is after max")
	}
	return s.repo.Insert(ctx, models.StagedObject{
		ConnectionID: p.ConnectionID,
		StreamName:   p.StreamName,
		StorageKey:   p.StorageKey,
		RecordCount:  p.RecordCount,
		SizeBytes:    p.SizeBytes,
		MinRecordTS:  p.MinRecordTS,
		MaxRecordTS:  p.MaxRecordTS,
	})
}

// GetByKey looks up a staged object by its storage key.
func (s *Store) GetByKey(ctx context.Context, storageKey string) (models.StagedObject, error) {
	return s.repo.GetByKey(ctx, storageKey)
}

// ObjectsSince returns a restartable iterator over the stream's staged
// objects strictly after the position, in creation order. The iterator
// holds no server-side state: re-running it with an unchanged position
// yields the same sequence.
func (s *Store) ObjectsSince(ctx context.Context, connectionID, streamName string, pos models.StreamPosition, pageSize int) (*Iterator, error) {
	if connectionID == "" || streamName == "" {
		return nil, pipeline.Validationf("connection id and stream name are required")
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	it := &Iterator{
		repo:         s.repo,
		connectionID: connectionID,
		streamName:   streamName,
		pageSize:     pageSize,
	}
	if pos.Key != "" {
		// A key marker pins the scan after that object's slot in the
		// creation order. When the marker object was purged the position
		// degrades to its timestamp, which stays valid as a marker.
		marker, err := s.repo.GetByKey(ctx, pos.Key)
		switch {
		case err == nil:
			it.cursor = repository.PageCursor{CreatedAt: marker.CreatedAt, ID: marker.ID}
			return it, nil
		case isNotFound(err) && pos.Timestamp != nil:
			it.minTSAfter = pos.Timestamp
			return it, nil
		default:
			return nil, err
		}
	}
	if pos.Timestamp != nil {
		// A bare timestamp marker admits only objects whose temporal
		// extent is provably after it; objects without timestamps are
		// skipped (their extent is unknown).
		it.minTSAfter = pos.Timestamp
	}
	return it, nil
}

func isNotFound(err error) bool {
	var nf *pipeline.NotFoundError
	return errors.As(err, &nf)
}

// Iterator pages through staged objects lazily, in the style of sql.Rows.
type Iterator struct {
	repo         repository.StagingRepository
	connectionID string
	streamName   string
	pageSize     int
	cursor       repository.PageCursor
	minTSAfter   *time.Time

	buf  []models.StagedObject
	idx  int
	done bool
	err  error
	cur  models.StagedObject
}

// Next advances to the next staged object, fetching a new page when the
// buffer runs out. It returns false at the end of the sequence or on
// error; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.idx >= len(it.buf) {
		if it.done {
			return false
		}
		page, err := it.repo.ListAfter(ctx, it.connectionID, it.streamName, it.cursor, it.minTSAfter, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		last := page[len(page)-1]
		it.cursor = repository.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		it.buf = page
		it.idx = 0
	}
	it.cur = it.buf[it.idx]
	it.idx++
	return true
}

// Object returns the staged object positioned by the last Next call.
func (it *Iterator) Object() models.StagedObject {
	return it.cur
}

// Err returns the first error encountered while iterating.
func (it *Iterator) Err() error {
	return it.err
}
