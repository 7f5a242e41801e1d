package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/checkpoint"
	"github.com/datawell/conduit/internal/connector"
	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
	"github.com/datawell/conduit/internal/staging"
)

// Transform is one named processing stage. Apply must be idempotent:
// with at-least-once execution the same staged object can be delivered
// again after a crash, and derived writes are expected to key on
// deterministic identities so the replay converges.
type Transform interface {
	Name() string
	Apply(ctx context.Context, obj models.StagedObject, records []connector.Record) (int64, error)
}

// TransformRegistry maps stage labels to transforms. Populated once at
// startup and read-only afterwards.
type TransformRegistry struct {
	byName map[string]Transform
}

func NewTransformRegistry(transforms ...Transform) *TransformRegistry {
	r := &TransformRegistry{byName: make(map[string]Transform, len(transforms))}
	for _, t := range transforms {
		r.byName[t.Name()] = t
	}
	return r
}

func (r *TransformRegistry) Lookup(stage string) (Transform, error) {
	t, ok := r.byName[stage]
	if !ok {
		return nil, pipeline.Validationf("no transform registered for stage %q", stage)
	}
	return t, nil
}

// TransformWorker claims transform jobs and feeds each one the staged
// objects its checkpoint has not yet covered.
type TransformWorker struct {
	manager      *jobs.Manager
	connections  repository.ConnectionRepository
	store        *staging.Store
	checkpoints  *checkpoint.Manager
	registry     *TransformRegistry
	dataDir      string
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewTransformWorker(manager *jobs.Manager, connections repository.ConnectionRepository, store *staging.Store, checkpoints *checkpoint.Manager, registry *TransformRegistry, dataDir string, pollInterval time.Duration, logger zerolog.Logger) *TransformWorker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &TransformWorker{
		manager:      manager,
		connections:  connections,
		store:        store,
		checkpoints:  checkpoints,
		registry:     registry,
		dataDir:      dataDir,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "transform_worker").Logger(),
	}
}

// Run claims and executes transform jobs until the context is cancelled.
func (w *TransformWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.manager.ClaimNextPending(ctx, models.JobKindTransform)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to claim transform job")
			sleep(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, w.pollInterval)
			continue
		}
		w.Execute(ctx, *job)
	}
}

// Execute runs one claimed transform job: iterate the stream's staged
// objects past the checkpoint, apply the stage, advance the checkpoint
// after each object.
func (w *TransformWorker) Execute(ctx context.Context, job models.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()

	details, ok := job.Transform()
	if !ok {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, "job is missing its transform details"))
		return
	}
	logger = logger.With().Str("stage", details.Stage).Str("stream", details.StreamName).Logger()

	tr, err := w.registry.Lookup(details.Stage)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, err.Error()))
		return
	}
	stream, err := w.connections.GetStream(ctx, details.ConnectionID, details.StreamName)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, err.Error()))
		return
	}
	cp, err := w.checkpoints.Get(ctx, details.ConnectionID, details.StreamName, details.Stage)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassServer, err.Error()))
		return
	}

	it, err := w.store.ObjectsSince(ctx, details.ConnectionID, details.StreamName, cp.Position(), 0)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassServer, err.Error()))
		return
	}

	var total int64
	var objects int64
	for it.Next(ctx) {
		if objects%25 == 0 && w.abandoned(ctx, job.ID, logger) {
			return
		}
		obj := it.Object()
		records, err := w.loadRecords(obj.StorageKey)
		if err != nil {
			outcome := jobs.Failed(pipeline.ErrorClassServer, err.Error())
			outcome.RecordsProcessed = total
			w.complete(ctx, job.ID, outcome)
			return
		}
		n, err := tr.Apply(ctx, obj, records)
		if err != nil {
			outcome := jobs.Failed(classify(err), err.Error())
			outcome.RecordsProcessed = total
			w.complete(ctx, job.ID, outcome)
			return
		}
		total += n
		objects++

		_, err = w.checkpoints.Advance(ctx, repository.AdvanceParams{
			ConnectionID:  details.ConnectionID,
			StreamName:    details.StreamName,
			TransformName: details.Stage,
			NewKey:        obj.StorageKey,
			NewTimestamp:  obj.MaxRecordTS,
			ObjectID:      &obj.ID,
			DeltaRecords:  n,
			DeltaObjects:  1,
		})
		if err != nil {
			if isRegression(err) {
				// The object's extent does not move the watermark (it
				// overlaps an already-covered window). The apply was
				// idempotent, so a replay on the next run is harmless;
				// the work still counts toward the cumulative counters.
				if aerr := w.checkpoints.Accumulate(ctx, details.ConnectionID, details.StreamName, details.Stage, n, 1); aerr != nil {
					logger.Warn().Err(aerr).Str("storage_key", obj.StorageKey).Msg("failed to accumulate checkpoint counters")
				}
				logger.Debug().Str("storage_key", obj.StorageKey).Msg("checkpoint unchanged for overlapping object")
				continue
			}
			outcome := jobs.Failed(pipeline.ErrorClassServer, err.Error())
			outcome.RecordsProcessed = total
			w.complete(ctx, job.ID, outcome)
			return
		}
	}
	if err := it.Err(); err != nil {
		outcome := jobs.Failed(pipeline.ErrorClassServer, err.Error())
		outcome.RecordsProcessed = total
		w.complete(ctx, job.ID, outcome)
		return
	}

	completed, err := w.complete(ctx, job.ID, jobs.Succeeded(total))
	if err != nil {
		return
	}
	logger.Info().Int64("records", total).Int64("objects", objects).Msg("transform finished")

	if next := nextStage(stagesFor(stream), details.Stage); next != "" {
		if _, err := w.manager.EnqueueChild(ctx, completed.ID, next, nil); err != nil {
			logger.Error().Err(err).Str("stage", next).Msg("failed to enqueue next transform stage")
		}
	}
}

func (w *TransformWorker) loadRecords(storageKey string) ([]connector.Record, error) {
	payload, err := os.ReadFile(filepath.Join(w.dataDir, storageKey+".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "read staged payload %s", storageKey)
	}
	var records []connector.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, errors.Wrapf(err, "decode staged payload %s", storageKey)
	}
	return records, nil
}

func (w *TransformWorker) abandoned(ctx context.Context, jobID string, logger zerolog.Logger) bool {
	if ctx.Err() != nil {
		return true
	}
	current, err := w.manager.Get(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to re-read job state")
		return false
	}
	if current.Status != models.JobStatusRunning {
		logger.Info().Str("status", string(current.Status)).Msg("job left running state, abandoning execution")
		return true
	}
	return false
}

func (w *TransformWorker) complete(ctx context.Context, jobID string, outcome jobs.Outcome) (models.Job, error) {
	job, err := w.manager.Complete(ctx, jobID, outcome)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to complete transform job")
	}
	return job, err
}

func isRegression(err error) bool {
	var reg *pipeline.RegressionError
	return errors.As(err, &reg)
}
