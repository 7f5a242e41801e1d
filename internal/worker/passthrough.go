package worker

import (
	"context"

	"github.com/datawell/conduit/internal/connector"
	"github.com/datawell/conduit/internal/models"
)

// PassthroughTransform counts records without touching them. Useful as
// the first stage of a chain to validate staged payloads decode, and as
// the simplest reference for writing real transforms.
type PassthroughTransform struct{}

func (PassthroughTransform) Name() string {
	return "passthrough"
}

func (PassthroughTransform) Apply(_ context.Context, _ models.StagedObject, records []connector.Record) (int64, error) {
	return int64(len(records)), nil
}
