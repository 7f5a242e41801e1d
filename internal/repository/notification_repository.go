package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

type CreateNotificationParams struct {
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type NotificationRepository interface {
	Create(ctx context.Context, p CreateNotificationParams) (models.Notification, error)
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, id string) (models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, event_type, severity, title, message, metadata, created_at, read_at`

func (r *notificationRepository) Create(ctx context.Context, p CreateNotificationParams) (models.Notification, error) {
	var metadata interface{}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "marshal notification metadata")
		}
		metadata = raw
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.notifications (event_type, severity, title, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+notificationColumns,
		string(p.Event), string(p.Severity), p.Title, p.Message, metadata)
	notif, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "create notification")
	}
	return notif, nil
}

func (r *notificationRepository) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM pipeline.notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	return notifications, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, id string) (models.Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE pipeline.notifications
		SET read_at = COALESCE(read_at, now())
		WHERE id = $1
		RETURNING `+notificationColumns, id)
	notif, err := scanNotification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Notification{}, &pipeline.NotFoundError{Entity: "notification", ID: id}
		}
		return models.Notification{}, errors.Wrap(err, "mark notification read")
	}
	return notif, nil
}

func scanNotification(row rowScanner) (models.Notification, error) {
	var (
		notif    models.Notification
		metadata []byte
		readAt   sql.NullTime
	)
	err := row.Scan(
		&notif.ID,
		&notif.EventType,
		&notif.Severity,
		&notif.Title,
		&notif.Message,
		&metadata,
		&notif.CreatedAt,
		&readAt,
	)
	if err != nil {
		return notif, err
	}
	if len(metadata) > 0 {
		notif.Metadata = json.RawMessage(metadata)
	}
	notif.ReadAt = timePtr(readAt)
	return notif, nil
}
