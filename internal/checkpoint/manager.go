// Package checkpoint tracks how far each named transform has consumed
// each stream's staged objects. Checkpoints are keyed by transform name
// so independent transforms progress through the same stream at their
// own pace without contending.
package checkpoint

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

type Manager struct {
	repo   repository.CheckpointRepository
	logger zerolog.Logger
}

func NewManager(repo repository.CheckpointRepository, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger.With().Str("component", "checkpoint_manager").Logger(),
	}
}

// Get returns the current checkpoint, or nil when the transform has never
// run for the stream.
func (m *Manager) Get(ctx context.Context, connectionID, streamName, transformName string) (*models.TransformCheckpoint, error) {
	if connectionID == "" || streamName == "" || transformName == "" {
		return nil, pipeline.Validationf("connection id, stream name and transform name are required")
	}
	return m.repo.Get(ctx, connectionID, streamName, transformName)
}

// Advance moves the checkpoint forward. The stored timestamp must be
// strictly older than the new one; anything else fails with
// RegressionError. Counters are additive across calls.
func (m *Manager) Advance(ctx context.Context, p repository.AdvanceParams) (models.TransformCheckpoint, error) {
	if p.ConnectionID == "" || p.StreamName == "" || p.TransformName == "" {
		return models.TransformCheckpoint{}, pipeline.Validationf("connection id, stream name and transform name are required")
	}
	if p.NewKey == "" {
		return models.TransformCheckpoint{}, pipeline.Validationf("new storage key is required")
	}
	if p.DeltaRecords < 0 || p.DeltaObjects < 0 {
		return models.TransformCheckpoint{}, pipeline.Validationf("counter deltas must not be negative")
	}
	cp, err := m.repo.Advance(ctx, p)
	if err != nil {
		return models.TransformCheckpoint{}, err
	}
	m.logger.Debug().
		Str("transform", p.TransformName).
		Str("stream", p.StreamName).
		Str("key", p.NewKey).
		Int64("records", cp.RecordsProcessed).
		Msg("checkpoint advanced")
	return cp, nil
}

// Accumulate adds counter deltas to the checkpoint without moving the
// watermark. Used for objects the transform applied whose temporal
// extent overlaps an already-covered window: they count as work done
// even though the position stands still.
func (m *Manager) Accumulate(ctx context.Context, connectionID, streamName, transformName string, deltaRecords, deltaObjects int64) error {
	if connectionID == "" || streamName == "" || transformName == "" {
		return pipeline.Validationf("connection id, stream name and transform name are required")
	}
	if deltaRecords < 0 || deltaObjects < 0 {
		return pipeline.Validationf("counter deltas must not be negative")
	}
	return m.repo.Accumulate(ctx, connectionID, streamName, transformName, deltaRecords, deltaObjects)
}

// ResetForBackfill removes the checkpoint so the transform re-reads the
// stream from the beginning. This is an operator-issued escape hatch, not
// a normal code path; the advance guard stays strict either way.
func (m *Manager) ResetForBackfill(ctx context.Context, connectionID, streamName, transformName string) error {
	if connectionID == "" || streamName == "" || transformName == "" {
		return pipeline.Validationf("connection id, stream name and transform name are required")
	}
	m.logger.Warn().
		Str("transform", transformName).
		Str("stream", streamName).
		Msg("checkpoint reset for backfill")
	return m.repo.Reset(ctx, connectionID, streamName, transformName)
}
