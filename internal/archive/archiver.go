// Package archive asynchronously moves processed staged objects to cold
// storage. Each move is tracked as an archive job with bounded retries;
// jobs stuck in_progress past a cutoff are reclaimed, which doubles as
// the timeout backstop for crashed workers.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/notification"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

const (
	defaultInterval  = time.Minute
	defaultMinAge    = 15 * time.Minute
	defaultStale     = 30 * time.Minute
	enqueueBatchSize = 200
)

// Config tunes the archiver's background loop.
type Config struct {
	// Interval between scan passes.
	Interval time.Duration
	// MinAge a staged object must reach before it is eligible.
	MinAge time.Duration
	// StaleAfter is how long an in_progress job may run before a crashed
	// worker is assumed and the job is reclaimed.
	StaleAfter time.Duration
	// MaxRetries per archive job.
	MaxRetries int
	// RetentionAge, when positive, purges archived staged-object rows
	// older than this.
	RetentionAge time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MinAge <= 0 {
		c.MinAge = defaultMinAge
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStale
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = models.DefaultArchiveMaxRetries
	}
}

// Archiver runs the archival scan loop.
type Archiver struct {
	repo          repository.ArchiveRepository
	staging       repository.StagingRepository
	backend       Backend
	breaker       *gobreaker.CircuitBreaker
	notifications notification.Service
	cfg           Config
	logger        zerolog.Logger
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func New(repo repository.ArchiveRepository, staging repository.StagingRepository, backend Backend, notifications notification.Service, cfg Config, logger zerolog.Logger) *Archiver {
	cfg.applyDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "archive-backend",
		Timeout: cfg.Interval,
	})
	return &Archiver{
		repo:          repo,
		staging:       staging,
		backend:       backend,
		breaker:       breaker,
		notifications: notifications,
		cfg:           cfg,
		logger:        logger.With().Str("component", "archiver").Logger(),
	}
}

// Start begins the background loop.
func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info().Dur("interval", a.cfg.Interval).Msg("archiver started")
}

// Stop signals the loop to exit and waits for it.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info().Msg("archiver stopped")
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one full scan pass: reclaim stale jobs, enqueue newly
// eligible staged objects, drain the claimable queue, purge retention.
func (a *Archiver) Tick(ctx context.Context) {
	now := time.Now()

	reclaimed, err := a.repo.ReclaimStale(ctx, now.Add(-a.cfg.StaleAfter))
	if err != nil {
		a.logger.Error().Err(err).Msg("stale archive job reclamation failed")
	} else if reclaimed > 0 {
		a.logger.Warn().Int64("reclaimed", reclaimed).Msg("reclaimed stale archive jobs")
	}

	a.enqueueEligible(ctx, now)
	a.drain(ctx, now)

	if a.cfg.RetentionAge > 0 {
		purged, err := a.staging.PurgeArchived(ctx, now.Add(-a.cfg.RetentionAge))
		if err != nil {
			a.logger.Error().Err(err).Msg("retention purge failed")
		} else if purged > 0 {
			a.logger.Info().Int64("purged", purged).Msg("purged archived staged objects")
		}
	}
}

func (a *Archiver) enqueueEligible(ctx context.Context, now time.Time) {
	objects, err := a.staging.ListUnarchived(ctx, now.Add(-a.cfg.MinAge), enqueueBatchSize)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list unarchived staged objects")
		return
	}
	for _, obj := range objects {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.ScheduleArchival(ctx, obj); err != nil {
			a.logger.Error().Err(err).Str("storage_key", obj.StorageKey).Msg("failed to schedule archival")
		}
	}
}

// ScheduleArchival creates a pending archive job for the staged object.
// Scheduling the same key twice is a no-op.
func (a *Archiver) ScheduleArchival(ctx context.Context, obj models.StagedObject) (bool, error) {
	created, err := a.repo.Schedule(ctx, repository.ScheduleArchiveParams{
		ConnectionID: obj.ConnectionID,
		StreamName:   obj.StreamName,
		StorageKey:   obj.StorageKey,
		MaxRetries:   a.cfg.MaxRetries,
	})
	if err != nil {
		return false, err
	}
	if created {
		a.logger.Debug().Str("storage_key", obj.StorageKey).Msg("archival scheduled")
	}
	return created, nil
}

// drain works the claimable queue until it is empty. asOf is the scan
// pass boundary: jobs that fail during this pass are timestamped after
// it and stay unclaimable until the next pass, so a transient backend
// outage costs one retry per pass instead of the whole budget at once.
func (a *Archiver) drain(ctx context.Context, asOf time.Time) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := a.RunPending(ctx, asOf)
		if err != nil {
			a.logger.Error().Err(err).Msg("archive run failed")
			return
		}
		if job == nil {
			return
		}
	}
}

// RunPending claims one claimable archive job, performs the archival
// side effect, and records the outcome. Failed jobs are only claimable
// when their last failure predates asOf. Returns nil when nothing is
// claimable.
func (a *Archiver) RunPending(ctx context.Context, asOf time.Time) (*models.ArchiveJob, error) {
	job, err := a.repo.ClaimNext(ctx, asOf)
	if err != nil || job == nil {
		return nil, err
	}

	obj, err := a.staging.GetByKey(ctx, job.StorageKey)
	if err != nil {
		// The index row is gone; the job can never make progress.
		return a.fail(ctx, job, pipeline.ErrorClassClient, err)
	}

	_, err = a.breaker.Execute(func() (interface{}, error) {
		return nil, a.backend.Archive(ctx, obj)
	})
	if err != nil {
		class := pipeline.ErrorClassServer
		if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
			class = Classify(err)
		}
		return a.fail(ctx, job, class, err)
	}

	completed, err := a.repo.MarkCompleted(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if err := a.staging.MarkArchived(ctx, job.StorageKey); err != nil {
		a.logger.Error().Err(err).Str("storage_key", job.StorageKey).Msg("failed to flag staged object archived")
	}
	a.logger.Info().Str("storage_key", job.StorageKey).Msg("staged object archived")
	return &completed, nil
}

func (a *Archiver) fail(ctx context.Context, job *models.ArchiveJob, class pipeline.ErrorClass, cause error) (*models.ArchiveJob, error) {
	permanent := !class.Retryable()
	failed, err := a.repo.MarkFailed(ctx, job.ID, permanent)
	if err != nil {
		return nil, err
	}
	a.logger.Warn().
		Err(cause).
		Str("storage_key", job.StorageKey).
		Str("error_class", string(class)).
		Int("retry_count", failed.RetryCount).
		Bool("permanent", failed.Exhausted()).
		Msg("archive attempt failed")
	if failed.Exhausted() && a.notifications != nil {
		if nerr := a.notifications.NotifyArchiveExhausted(ctx, failed); nerr != nil {
			a.logger.Warn().Err(nerr).Str("archive_job_id", failed.ID).Msg("failed to publish archive exhaustion notification")
		}
	}
	return &failed, nil
}
