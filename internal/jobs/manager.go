// Package jobs implements the job manager: the state machine governing
// sync and transform jobs. Transitions are pending → running → one of the
// absorbing states succeeded/failed/cancelled, with pending → cancelled
// allowed for cancel-before-claim.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/notification"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

// SyncAudit carries the counters for the append-only audit record written
// when a sync job reaches a terminal state.
type SyncAudit struct {
	RecordsFetched int64
	RecordsWritten int64
	RecordsFailed  int64
	CursorBefore   *string
}

// Outcome is the terminal result a worker reports for a running job.
type Outcome struct {
	Status           models.JobStatus
	ErrorClass       pipeline.ErrorClass
	ErrorMessage     string
	RecordsProcessed int64
	// Cursor becomes the stream's new watermark on a succeeded sync job.
	Cursor *string
	// Audit, when present on a sync job, produces an audit log row.
	Audit *SyncAudit
}

// Succeeded builds a success outcome.
func Succeeded(records int64) Outcome {
	return Outcome{Status: models.JobStatusSucceeded, RecordsProcessed: records}
}

// Failed builds a failure outcome with its machine-readable class.
func Failed(class pipeline.ErrorClass, message string) Outcome {
	return Outcome{Status: models.JobStatusFailed, ErrorClass: class, ErrorMessage: message}
}

type Manager struct {
	repo          repository.JobRepository
	audit         repository.AuditRepository
	notifications notification.Service
	logger        zerolog.Logger
}

func NewManager(repo repository.JobRepository, audit repository.AuditRepository, notifications notification.Service, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:          repo,
		audit:         audit,
		notifications: notifications,
		logger:        logger.With().Str("component", "job_manager").Logger(),
	}
}

// EnqueueSync creates a pending sync job for the stream. It fails with
// ConflictError while another pending or running sync exists for the same
// (connection, stream).
func (m *Manager) EnqueueSync(ctx context.Context, connectionID, streamName string, mode models.SyncMode) (models.Job, error) {
	if connectionID == "" || streamName == "" {
		return models.Job{}, pipeline.Validationf("connection id and stream name are required")
	}
	switch mode {
	case models.SyncModeFull, models.SyncModeIncremental:
	case "":
		mode = models.SyncModeIncremental
	default:
		return models.Job{}, pipeline.Validationf("unknown sync mode %q", mode)
	}
	job, err := m.repo.EnqueueSync(ctx, repository.EnqueueSyncParams{
		ConnectionID: connectionID,
		StreamName:   streamName,
		Mode:         mode,
	})
	if err != nil {
		return models.Job{}, err
	}
	m.logger.Info().Str("job_id", job.ID).Str("stream", streamName).Str("mode", string(mode)).Msg("sync job enqueued")
	return job, nil
}

// EnqueueChild spawns the next stage of a chain. The parent must already
// be terminal-successful; children of unfinished work are rejected with
// InvalidStateError, which also keeps chains acyclic.
func (m *Manager) EnqueueChild(ctx context.Context, parentJobID, stage string, metadata json.RawMessage) (models.Job, error) {
	if parentJobID == "" {
		return models.Job{}, pipeline.Validationf("parent job id is required")
	}
	if stage == "" {
		return models.Job{}, pipeline.Validationf("stage label is required")
	}
	job, err := m.repo.EnqueueChild(ctx, parentJobID, repository.EnqueueChildParams{Stage: stage, Metadata: metadata})
	if err != nil {
		return models.Job{}, err
	}
	m.logger.Info().Str("job_id", job.ID).Str("parent_job_id", parentJobID).Str("stage", stage).Msg("child job enqueued")
	return job, nil
}

// ClaimNextPending atomically moves the oldest pending job of the kind to
// running. Returns nil when nothing is pending. Safe under concurrent
// workers; no two callers receive the same job.
func (m *Manager) ClaimNextPending(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	switch kind {
	case models.JobKindSync, models.JobKindTransform:
	default:
		return nil, pipeline.Validationf("unknown job kind %q", kind)
	}
	return m.repo.ClaimNextPending(ctx, kind)
}

// Complete transitions a running job to the outcome's terminal state.
// On a succeeded sync the stream watermark advances in the same
// transaction; the audit row is written afterwards, best-effort — an
// audit failure never undoes the completion.
func (m *Manager) Complete(ctx context.Context, jobID string, outcome Outcome) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, pipeline.Validationf("job id is required")
	}
	if !outcome.Status.Terminal() {
		return models.Job{}, pipeline.Validationf("outcome status %q is not terminal", outcome.Status)
	}
	params := repository.CompleteParams{
		Status:           outcome.Status,
		RecordsProcessed: outcome.RecordsProcessed,
		Cursor:           outcome.Cursor,
	}
	if outcome.Status == models.JobStatusFailed {
		switch outcome.ErrorClass {
		case pipeline.ErrorClassNetwork, pipeline.ErrorClassRateLimit, pipeline.ErrorClassAuth,
			pipeline.ErrorClassServer, pipeline.ErrorClassClient:
		default:
			return models.Job{}, pipeline.Validationf("failed outcome requires a known error class, got %q", outcome.ErrorClass)
		}
		if outcome.ErrorMessage == "" {
			return models.Job{}, pipeline.Validationf("failed outcome requires an error message")
		}
		class := string(outcome.ErrorClass)
		params.ErrorClass = &class
		params.ErrorMessage = &outcome.ErrorMessage
	}

	job, err := m.repo.Complete(ctx, jobID, params)
	if err != nil {
		return models.Job{}, err
	}

	if sync, ok := job.Sync(); ok {
		if outcome.Audit != nil {
			m.writeAudit(ctx, job, sync, outcome)
		}
		if job.Status == models.JobStatusFailed && m.notifications != nil {
			if err := m.notifications.NotifySyncFailed(ctx, job); err != nil {
				m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish sync failure notification")
			}
		}
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Int64("records", job.RecordsProcessed).
		Msg("job completed")
	return job, nil
}

// CancelChain cancels the job and all of its descendants. Terminal jobs
// are untouched, so cancelling an already-finished chain is a no-op.
func (m *Manager) CancelChain(ctx context.Context, jobID string) (int64, error) {
	if jobID == "" {
		return 0, pipeline.Validationf("job id is required")
	}
	cancelled, err := m.repo.CancelChain(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		m.logger.Info().Str("job_id", jobID).Int64("cancelled", cancelled).Msg("job chain cancelled")
	}
	return cancelled, nil
}

func (m *Manager) Get(ctx context.Context, jobID string) (models.Job, error) {
	return m.repo.Get(ctx, jobID)
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]models.Job, error) {
	return m.repo.List(ctx, limit, offset)
}

func (m *Manager) writeAudit(ctx context.Context, job models.Job, sync models.SyncDetails, outcome Outcome) {
	rec := models.AuditRecord{
		JobID:          &job.ID,
		ConnectionID:   sync.ConnectionID,
		StreamName:     sync.StreamName,
		Mode:           sync.Mode,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		RecordsFetched: outcome.Audit.RecordsFetched,
		RecordsWritten: outcome.Audit.RecordsWritten,
		RecordsFailed:  outcome.Audit.RecordsFailed,
		CursorBefore:   outcome.Audit.CursorBefore,
		CursorAfter:    outcome.Cursor,
		ErrorClass:     job.ErrorClass,
		ErrorMessage:   job.ErrorMessage,
	}
	if _, err := m.audit.Insert(ctx, rec); err != nil {
		// The completion stands; the audit log is best-effort.
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to write audit record")
	}
}
