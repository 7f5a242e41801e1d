package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/connector"
	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
	"github.com/datawell/conduit/internal/staging"
)

// SyncWorker claims sync jobs and pulls their streams through the
// registered connectors, staging each fetched page as an immutable
// object under the stream's data directory.
type SyncWorker struct {
	manager      *jobs.Manager
	connections  repository.ConnectionRepository
	store        *staging.Store
	registry     *connector.Registry
	dataDir      string
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewSyncWorker(manager *jobs.Manager, connections repository.ConnectionRepository, store *staging.Store, registry *connector.Registry, dataDir string, pollInterval time.Duration, logger zerolog.Logger) *SyncWorker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &SyncWorker{
		manager:      manager,
		connections:  connections,
		store:        store,
		registry:     registry,
		dataDir:      dataDir,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "sync_worker").Logger(),
	}
}

// Run claims and executes sync jobs until the context is cancelled.
// Designed to run once per worker slot under an errgroup.
func (w *SyncWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.manager.ClaimNextPending(ctx, models.JobKindSync)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to claim sync job")
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

// Execute runs one claimed sync job to a terminal state. Every page is
// staged under a key derived from (job id, page index), so a re-executed
// job rediscovers its own batches instead of writing them twice.
func (w *SyncWorker) Execute(ctx context.Context, job models.Job) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()

	sync, ok := job.Sync()
	if !ok {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, "job is missing its sync details"))
		return
	}
	logger = logger.With().Str("connection_id", sync.ConnectionID).Str("stream", sync.StreamName).Logger()

	conn, err := w.connections.Get(ctx, sync.ConnectionID)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, err.Error()))
		return
	}
	stream, err := w.connections.GetStream(ctx, sync.ConnectionID, sync.StreamName)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, err.Error()))
		return
	}
	conn2, err := w.registry.Lookup(conn.SourceKind)
	if err != nil {
		w.complete(ctx, job.ID, jobs.Failed(pipeline.ErrorClassClient, err.Error()))
		return
	}

	var cursor *string
	if sync.Mode == models.SyncModeIncremental {
		cursor = stream.LastCursor
	}
	audit := &jobs.SyncAudit{CursorBefore: cursor}

	var (
		fetched int64
		written int64
		page    int
	)
	for {
		if w.abandoned(ctx, job.ID, logger) {
			return
		}
		result, err := conn2.Fetch(ctx, connector.SyncRequest{
			Connection: conn,
			Stream:     stream,
			Mode:       sync.Mode,
			Cursor:     cursor,
		})
		if err != nil {
			outcome := jobs.Failed(classify(err), err.Error())
			outcome.RecordsProcessed = written
			outcome.Audit = audit
			audit.RecordsFetched = fetched
			audit.RecordsWritten = written
			audit.RecordsFailed = fetched - written
			w.complete(ctx, job.ID, outcome)
			return
		}
		fetched += int64(len(result.Records))
		if len(result.Records) > 0 {
			n, err := w.stagePage(ctx, job, sync, page, result.Records, logger)
			if err != nil {
				outcome := jobs.Failed(pipeline.ErrorClassServer, err.Error())
				outcome.RecordsProcessed = written
				outcome.Audit = audit
				audit.RecordsFetched = fetched
				audit.RecordsWritten = written
				audit.RecordsFailed = fetched - written
				w.complete(ctx, job.ID, outcome)
				return
			}
			written += n
			page++
		}
		cursor = result.NextCursor
		if !result.More {
			break
		}
	}

	audit.RecordsFetched = fetched
	audit.RecordsWritten = written
	outcome := jobs.Succeeded(written)
	outcome.Cursor = cursor
	outcome.Audit = audit
	completed, err := w.complete(ctx, job.ID, outcome)
	if err != nil {
		return
	}
	logger.Info().Int64("records", written).Msg("sync finished")

	if stages := stagesFor(stream); len(stages) > 0 {
		if _, err := w.manager.EnqueueChild(ctx, completed.ID, stages[0], nil); err != nil {
			logger.Error().Err(err).Str("stage", stages[0]).Msg("failed to enqueue first transform stage")
		}
	}
}

// stagePage persists one page of records and indexes it. A duplicate
// key means an earlier attempt of this job already staged the page; the
// records still count as written.
func (w *SyncWorker) stagePage(ctx context.Context, job models.Job, sync models.SyncDetails, page int, records []connector.Record, logger zerolog.Logger) (int64, error) {
	key := pipeline.DerivedID(job.ID, strconv.Itoa(page))

	payload, err := json.Marshal(records)
	if err != nil {
		return 0, errors.Wrap(err, "encode staged payload")
	}
	path := filepath.Join(w.dataDir, key+".json")
	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create data dir")
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return 0, errors.Wrap(err, "write staged payload")
	}

	minTS, maxTS := recordExtent(records)
	_, err = w.store.Append(ctx, staging.AppendParams{
		ConnectionID: sync.ConnectionID,
		StreamName:   sync.StreamName,
		StorageKey:   key,
		RecordCount:  int64(len(records)),
		SizeBytes:    int64(len(payload)),
		MinRecordTS:  minTS,
		MaxRecordTS:  maxTS,
	})
	if err != nil {
		var dup *pipeline.DuplicateKeyError
		if errors.As(err, &dup) {
			logger.Debug().Str("storage_key", key).Msg("page already staged by a previous attempt")
			return int64(len(records)), nil
		}
		return 0, err
	}
	return int64(len(records)), nil
}

// abandoned re-reads the job between pages and reports whether it left
// the running state, which happens when an operator cancels the chain
// mid-flight. An abandoned job is dropped without completion.
func (w *SyncWorker) abandoned(ctx context.Context, jobID string, logger zerolog.Logger) bool {
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

func (w *SyncWorker) complete(ctx context.Context, jobID string, outcome jobs.Outcome) (models.Job, error) {
	job, err := w.manager.Complete(ctx, jobID, outcome)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to complete sync job")
	}
	return job, err
}

func classify(err error) pipeline.ErrorClass {
	var failure *connector.Failure
	if errors.As(err, &failure) {
		return failure.Class
	}
	return pipeline.ErrorClassServer
}

func recordExtent(records []connector.Record) (*time.Time, *time.Time) {
	var minTS, maxTS *time.Time
	for _, rec := range records {
		if rec.Timestamp == nil {
			continue
		}
		ts := *rec.Timestamp
		if minTS == nil || ts.Before(*minTS) {
			t := ts
			minTS = &t
		}
		if maxTS == nil || ts.After(*maxTS) {
			t := ts
			maxTS = &t
		}
	}
	return minTS, maxTS
}
