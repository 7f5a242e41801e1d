package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/notification"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	lastSynced := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	recentSync := time.Date(2024, 6, 1, 12, 15, 0, 0, time.UTC)

	cases := []struct {
		name    string
		stream  models.StreamConnection
		due     bool
		wantErr bool
	}{
		{
			name:   "hourly schedule overdue",
			stream: models.StreamConnection{Schedule: "0 * * * *", LastSyncedAt: &lastSynced},
			due:    true,
		},
		{
			name:   "hourly schedule not yet due",
			stream: models.StreamConnection{Schedule: "0 * * * *", LastSyncedAt: &recentSync},
			due:    false,
		},
		{
			name:   "never synced falls back to creation time",
			stream: models.StreamConnection{Schedule: "0 * * * *", CreatedAt: lastSynced},
			due:    true,
		},
		{
			name:   "empty schedule is manual only",
			stream: models.StreamConnection{Schedule: "", LastSyncedAt: &lastSynced},
			due:    false,
		},
		{
			name:    "garbage schedule",
			stream:  models.StreamConnection{Schedule: "whenever", LastSyncedAt: &lastSynced},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due, err := Due(tc.stream, now)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.due, due)
		})
	}
}

type fakeConnectionRepo struct {
	streams []models.StreamConnection
}

func (f *fakeConnectionRepo) Create(_ context.Context, conn models.Connection) (models.Connection, error) {
	return conn, nil
}
func (f *fakeConnectionRepo) Get(_ context.Context, id string) (models.Connection, error) {
	return models.Connection{ID: id}, nil
}
func (f *fakeConnectionRepo) List(_ context.Context) ([]models.Connection, error) { return nil, nil }
func (f *fakeConnectionRepo) SetStatus(_ context.Context, _ string, _ models.ConnectionStatus) error {
	return nil
}
func (f *fakeConnectionRepo) Delete(_ context.Context, _ string) error { return nil }
func (f *fakeConnectionRepo) UpsertStream(_ context.Context, stream models.StreamConnection) (models.StreamConnection, error) {
	return stream, nil
}
func (f *fakeConnectionRepo) GetStream(_ context.Context, _, _ string) (models.StreamConnection, error) {
	return models.StreamConnection{}, nil
}
func (f *fakeConnectionRepo) ListStreams(_ context.Context, _ string) ([]models.StreamConnection, error) {
	return nil, nil
}
func (f *fakeConnectionRepo) ListEnabledStreams(_ context.Context) ([]models.StreamConnection, error) {
	return f.streams, nil
}

type fakeJobRepo struct {
	enqueued   []repository.EnqueueSyncParams
	enqueueErr error
}

func (f *fakeJobRepo) EnqueueSync(_ context.Context, p repository.EnqueueSyncParams) (models.Job, error) {
	if f.enqueueErr != nil {
		return models.Job{}, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, p)
	return models.Job{ID: "j1", Kind: models.JobKindSync, Status: models.JobStatusPending}, nil
}
func (f *fakeJobRepo) EnqueueChild(_ context.Context, _ string, _ repository.EnqueueChildParams) (models.Job, error) {
	return models.Job{}, nil
}
func (f *fakeJobRepo) ClaimNextPending(_ context.Context, _ models.JobKind) (*models.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) Complete(_ context.Context, _ string, _ repository.CompleteParams) (models.Job, error) {
	return models.Job{}, nil
}
func (f *fakeJobRepo) CancelChain(_ context.Context, _ string) (int64, error) { return 0, nil }
func (f *fakeJobRepo) Get(_ context.Context, jobID string) (models.Job, error) {
	return models.Job{ID: jobID}, nil
}
func (f *fakeJobRepo) List(_ context.Context, _, _ int) ([]models.Job, error) { return nil, nil }

type noopAudit struct{}

func (noopAudit) Insert(_ context.Context, rec models.AuditRecord) (models.AuditRecord, error) {
	return rec, nil
}
func (noopAudit) List(_ context.Context, _, _ string, _, _ int) ([]models.AuditRecord, error) {
	return nil, nil
}

func newTestScheduler(streams []models.StreamConnection, jobRepo *fakeJobRepo) *Scheduler {
	var notif notification.Service
	manager := jobs.NewManager(jobRepo, noopAudit{}, notif, zerolog.Nop())
	return New(&fakeConnectionRepo{streams: streams}, manager, time.Minute, zerolog.Nop())
}

func TestTickEnqueuesDueStreams(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	recent := time.Now()
	streams := []models.StreamConnection{
		{ConnectionID: "c1", StreamName: "orders", Schedule: "0 * * * *", LastSyncedAt: &lastSynced},
		{ConnectionID: "c1", StreamName: "users", Schedule: "0 * * * *", LastSyncedAt: &recent},
		{ConnectionID: "c2", StreamName: "events", Schedule: ""},
	}
	jobRepo := &fakeJobRepo{}
	s := newTestScheduler(streams, jobRepo)

	s.Tick(context.Background(), time.Now())

	require.Len(t, jobRepo.enqueued, 1)
	assert.Equal(t, "orders", jobRepo.enqueued[0].StreamName)
	assert.Equal(t, models.SyncModeIncremental, jobRepo.enqueued[0].Mode)
}

func TestTickToleratesActiveSyncConflict(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	streams := []models.StreamConnection{
		{ConnectionID: "c1", StreamName: "orders", Schedule: "0 * * * *", LastSyncedAt: &lastSynced},
	}
	jobRepo := &fakeJobRepo{enqueueErr: &pipeline.ConflictError{Resource: "c1/orders", Detail: "active sync"}}
	s := newTestScheduler(streams, jobRepo)

	// Must not panic or spin; the conflict means the work already exists.
	s.Tick(context.Background(), time.Now())
	assert.Empty(t, jobRepo.enqueued)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(nil, &fakeJobRepo{})
	s.Start(context.Background())
	s.Stop()
}
