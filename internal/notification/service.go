package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/repository"
)

// Event is a notification to publish.
type Event struct {
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifySyncFailed(ctx context.Context, job models.Job) error
	NotifyArchiveExhausted(ctx context.Context, job models.ArchiveJob) error
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, notificationID string) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	message := strings.TrimSpace(evt.Message)
	if title == "" {
		title = string(evt.Event)
	}
	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  message,
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifySyncFailed(ctx context.Context, job models.Job) error {
	sync, ok := job.Sync()
	if !ok {
		return fmt.Errorf("job %s is not a sync job", job.ID)
	}
	reason := "unknown error"
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		reason = *job.ErrorMessage
	}
	metadata := map[string]interface{}{
		"job_id":        job.ID,
		"connection_id": sync.ConnectionID,
		"stream_name":   sync.StreamName,
	}
	if job.ErrorClass != nil {
		metadata["error_class"] = *job.ErrorClass
	}
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventSyncFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Sync failed: %s", sync.StreamName),
		Message:  fmt.Sprintf("Sync job %s for stream %s failed: %s", job.ID, sync.StreamName, reason),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyArchiveExhausted(ctx context.Context, job models.ArchiveJob) error {
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventArchiveExhausted,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Archival gave up: %s", job.StorageKey),
		Message: fmt.Sprintf("Archive job %s for object %s failed %d times and will not be retried.",
			job.ID, job.StorageKey, job.RetryCount),
		Metadata: map[string]interface{}{
			"archive_job_id": job.ID,
			"storage_key":    job.StorageKey,
			"connection_id":  job.ConnectionID,
			"stream_name":    job.StreamName,
			"retry_count":    job.RetryCount,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, limit)
}

func (s *service) MarkRead(ctx context.Context, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, notificationID)
}
