package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
)

var stagedColumnNames = []string{
	"id", "connection_id", "stream_name", "storage_key", "record_count", "size_bytes",
	"min_record_ts", "max_record_ts", "archive_state", "created_at",
}

func TestInsertDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO pipeline.staged_objects").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "staged_objects_storage_key_key"})

	repo := NewStagingRepository(db)
	_, err = repo.Insert(context.Background(), models.StagedObject{
		ConnectionID: "c1", StreamName: "orders", StorageKey: "k1", RecordCount: 5, SizeBytes: 100,
	})

	var dup *pipeline.DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "k1", dup.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAfterPassesCursorTuple(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	createdAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM pipeline.staged_objects").
		WillReturnRows(sqlmock.NewRows(stagedColumnNames).AddRow(
			"o2", "c1", "orders", "k2", int64(3), int64(64), nil, nil, "live", createdAt.Add(time.Minute),
		))

	repo := NewStagingRepository(db)
	objects, err := repo.ListAfter(context.Background(), "c1", "orders",
		PageCursor{CreatedAt: createdAt, ID: "o1"}, nil, 10)

	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "k2", objects[0].StorageKey)
	assert.Equal(t, models.ArchiveStateLive, objects[0].ArchiveState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAdvanceRegression(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO pipeline.transform_checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewCheckpointRepository(db)
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = repo.Advance(context.Background(), AdvanceParams{
		ConnectionID: "c1", StreamName: "orders", TransformName: "normalize",
		NewKey: "k1", NewTimestamp: &ts, DeltaRecords: 5, DeltaObjects: 1,
	})

	var reg *pipeline.RegressionError
	require.True(t, errors.As(err, &reg))
	assert.Equal(t, "normalize", reg.Transform)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAccumulateUpdatesCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE pipeline.transform_checkpoints").
		WithArgs("c1", "orders", "normalize", int64(5), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewCheckpointRepository(db)
	err = repo.Accumulate(context.Background(), "c1", "orders", "normalize", 5, 1)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveClaimNextPassesFailureCutoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE pipeline.archive_jobs").
		WithArgs(cutoff).
		WillReturnError(sql.ErrNoRows)

	repo := NewArchiveRepository(db)
	job, err := repo.ClaimNext(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveScheduleIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO pipeline.archive_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewArchiveRepository(db)
	created, err := repo.Schedule(context.Background(), ScheduleArchiveParams{
		ConnectionID: "c1", StreamName: "orders", StorageKey: "k1", MaxRetries: 3,
	})

	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
