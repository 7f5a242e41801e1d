package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

type ConnectionRepository interface {
	Create(ctx context.Context, conn models.Connection) (models.Connection, error)
	Get(ctx context.Context, id string) (models.Connection, error)
	List(ctx context.Context) ([]models.Connection, error)
	SetStatus(ctx context.Context, id string, status models.ConnectionStatus) error
	// Delete cascades to streams, jobs, staged objects, checkpoints and
	// archive jobs through the schema's foreign keys.
	Delete(ctx context.Context, id string) error

	UpsertStream(ctx context.Context, stream models.StreamConnection) (models.StreamConnection, error)
	GetStream(ctx context.Context, connectionID, streamName string) (models.StreamConnection, error)
	ListStreams(ctx context.Context, connectionID string) ([]models.StreamConnection, error)
	ListEnabledStreams(ctx context.Context) ([]models.StreamConnection, error)
}

type connectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, name, source_kind, auth_data, status, metadata, created_at, updated_at`

func (r *connectionRepository) Create(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if conn.Status == "" {
		conn.Status = models.ConnectionStatusActive
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.connections (name, source_kind, auth_data, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, conn.Name, conn.SourceKind, nullableJSON(conn.AuthData), string(conn.Status), nullableJSON(conn.Metadata)).
		Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return models.Connection{}, errors.Wrap(err, "create connection")
	}
	return conn, nil
}

func (r *connectionRepository) Get(ctx context.Context, id string) (models.Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM pipeline.connections WHERE id = $1`, id)
	conn, err := scanConnection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Connection{}, &pipeline.NotFoundError{Entity: "connection", ID: id}
		}
		return models.Connection{}, errors.Wrap(err, "get connection")
	}
	return conn, nil
}

func (r *connectionRepository) List(ctx context.Context) ([]models.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM pipeline.connections ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	defer rows.Close()

	var connections []models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

func (r *connectionRepository) SetStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline.connections SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return errors.Wrap(err, "set connection status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &pipeline.NotFoundError{Entity: "connection", ID: id}
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pipeline.connections WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete connection")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &pipeline.NotFoundError{Entity: "connection", ID: id}
	}
	return nil
}

const streamColumns = `id, connection_id, stream_name, enabled, schedule, config, last_cursor, last_synced_at, created_at, updated_at`

func (r *connectionRepository) UpsertStream(ctx context.Context, stream models.StreamConnection) (models.StreamConnection, error) {
	// Stream names are unique per connection; upsert keeps the watermark
	// untouched so re-registering a stream never rewinds it.
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO pipeline.stream_connections (connection_id, stream_name, enabled, schedule, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id, stream_name) DO UPDATE
		SET enabled = EXCLUDED.enabled, schedule = EXCLUDED.schedule,
		    config = EXCLUDED.config, updated_at = now()
		RETURNING `+streamColumns,
		stream.ConnectionID, stream.StreamName, stream.Enabled, stream.Schedule, nullableJSON(stream.Config))
	out, err := scanStream(row)
	if err != nil {
		return models.StreamConnection{}, errors.Wrap(err, "upsert stream connection")
	}
	return out, nil
}

func (r *connectionRepository) GetStream(ctx context.Context, connectionID, streamName string) (models.StreamConnection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+`
		FROM pipeline.stream_connections
		WHERE connection_id = $1 AND stream_name = $2
	`, connectionID, streamName)
	stream, err := scanStream(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.StreamConnection{}, &pipeline.NotFoundError{Entity: "stream", ID: connectionID + "/" + streamName}
		}
		return models.StreamConnection{}, errors.Wrap(err, "get stream connection")
	}
	return stream, nil
}

func (r *connectionRepository) ListStreams(ctx context.Context, connectionID string) ([]models.StreamConnection, error) {
	return r.queryStreams(ctx, `
		SELECT `+streamColumns+`
		FROM pipeline.stream_connections
		WHERE connection_id = $1
		ORDER BY stream_name
	`, connectionID)
}

func (r *connectionRepository) ListEnabledStreams(ctx context.Context) ([]models.StreamConnection, error) {
	return r.queryStreams(ctx, `
		SELECT `+streamColumns+`
		FROM pipeline.stream_connections
		WHERE enabled
		ORDER BY connection_id, stream_name
	`)
}

func (r *connectionRepository) queryStreams(ctx context.Context, query string, args ...interface{}) ([]models.StreamConnection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list stream connections")
	}
	defer rows.Close()

	var streams []models.StreamConnection
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	return streams, rows.Err()
}

func scanConnection(row rowScanner) (models.Connection, error) {
	var (
		conn     models.Connection
		authData []byte
		metadata []byte
	)
	err := row.Scan(&conn.ID, &conn.Name, &conn.SourceKind, &authData, &conn.Status, &metadata, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return conn, err
	}
	if len(authData) > 0 {
		conn.AuthData = json.RawMessage(authData)
	}
	if len(metadata) > 0 {
		conn.Metadata = json.RawMessage(metadata)
	}
	return conn, nil
}

func scanStream(row rowScanner) (models.StreamConnection, error) {
	var (
		stream       models.StreamConnection
		config       []byte
		lastCursor   sql.NullString
		lastSyncedAt sql.NullTime
	)
	err := row.Scan(
		&stream.ID,
		&stream.ConnectionID,
		&stream.StreamName,
		&stream.Enabled,
		&stream.Schedule,
		&config,
		&lastCursor,
		&lastSyncedAt,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return stream, err
	}
	if len(config) > 0 {
		stream.Config = json.RawMessage(config)
	}
	stream.LastCursor = strPtr(lastCursor)
	stream.LastSyncedAt = timePtr(lastSyncedAt)
	return stream, nil
}
