// Package scheduler turns per-stream cron schedules into sync jobs. It
// is deliberately dumb: it only decides "is this stream due" and hands
// the rest to the job manager, whose uniqueness guarantee makes double
// scheduling harmless.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

const defaultInterval = 30 * time.Second

type Scheduler struct {
	connections repository.ConnectionRepository
	manager     *jobs.Manager
	interval    time.Duration
	logger      zerolog.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(connections repository.ConnectionRepository, manager *jobs.Manager, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		connections: connections,
		manager:     manager,
		interval:    interval,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
}

// Stop signals the loop to exit and waits for it.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick enqueues a sync job for every enabled stream that is due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	streams, err := s.connections.ListEnabledStreams(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list enabled streams")
		return
	}
	for _, stream := range streams {
		if ctx.Err() != nil {
			return
		}
		due, err := Due(stream, now)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("connection_id", stream.ConnectionID).
				Str("stream", stream.StreamName).
				Msg("unparseable stream schedule, skipping")
			continue
		}
		if !due {
			continue
		}
		_, err = s.manager.EnqueueSync(ctx, stream.ConnectionID, stream.StreamName, models.SyncModeIncremental)
		switch {
		case err == nil:
			s.logger.Info().
				Str("connection_id", stream.ConnectionID).
				Str("stream", stream.StreamName).
				Msg("scheduled sync enqueued")
		case isConflict(err):
			// A sync is already pending or running; the next pass will
			// pick the stream up again once it finishes.
		default:
			s.logger.Error().Err(err).
				Str("connection_id", stream.ConnectionID).
				Str("stream", stream.StreamName).
				Msg("failed to enqueue scheduled sync")
		}
	}
}

// Due reports whether the stream's schedule has fired since its last
// sync. Streams without a schedule are manual-only and never due.
func Due(stream models.StreamConnection, now time.Time) (bool, error) {
	if stream.Schedule == "" {
		return false, nil
	}
	sched, err := cron.ParseStandard(stream.Schedule)
	if err != nil {
		return false, errors.Wrapf(err, "schedule %q", stream.Schedule)
	}
	base := stream.CreatedAt
	if stream.LastSyncedAt != nil {
		base = *stream.LastSyncedAt
	}
	return !sched.Next(base).After(now), nil
}

func isConflict(err error) bool {
	var conflict *pipeline.ConflictError
	return errors.As(err, &conflict)
}
