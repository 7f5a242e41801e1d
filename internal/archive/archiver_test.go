package archive

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/notification"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeArchiveRepo struct {
	jobs      map[string]*models.ArchiveJob
	order     []string
	reclaimed int64
}

func newFakeArchiveRepo() *fakeArchiveRepo {
	return &fakeArchiveRepo{jobs: make(map[string]*models.ArchiveJob)}
}

func (f *fakeArchiveRepo) Schedule(_ context.Context, p repository.ScheduleArchiveParams) (bool, error) {
	for _, job := range f.jobs {
		if job.StorageKey == p.StorageKey {
			return false, nil
		}
	}
	id := "aj-" + p.StorageKey
	f.jobs[id] = &models.ArchiveJob{
		ID: id, ConnectionID: p.ConnectionID, StreamName: p.StreamName, StorageKey: p.StorageKey,
		Status: models.ArchiveJobStatusPending, MaxRetries: p.MaxRetries,
	}
	f.order = append(f.order, id)
	return true, nil
}

func (f *fakeArchiveRepo) ClaimNext(_ context.Context, failedBefore time.Time) (*models.ArchiveJob, error) {
	for _, id := range f.order {
		job := f.jobs[id]
		claimable := job.Status == models.ArchiveJobStatusPending ||
			(job.Status == models.ArchiveJobStatusFailed && job.RetryCount < job.MaxRetries &&
				job.UpdatedAt.Before(failedBefore))
		if claimable {
			now := time.Now()
			job.Status = models.ArchiveJobStatusInProgress
			job.StartedAt = &now
			out := *job
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeArchiveRepo) MarkCompleted(_ context.Context, id string) (models.ArchiveJob, error) {
	job := f.jobs[id]
	if job == nil || job.Status != models.ArchiveJobStatusInProgress {
		return models.ArchiveJob{}, &pipeline.InvalidStateError{Entity: "archive job", ID: id, Expected: "in_progress"}
	}
	now := time.Now()
	job.Status = models.ArchiveJobStatusCompleted
	job.CompletedAt = &now
	return *job, nil
}

func (f *fakeArchiveRepo) MarkFailed(_ context.Context, id string, permanent bool) (models.ArchiveJob, error) {
	job := f.jobs[id]
	if job == nil || job.Status != models.ArchiveJobStatusInProgress {
		return models.ArchiveJob{}, &pipeline.InvalidStateError{Entity: "archive job", ID: id, Expected: "in_progress"}
	}
	job.Status = models.ArchiveJobStatusFailed
	if permanent && job.RetryCount+1 < job.MaxRetries {
		job.RetryCount = job.MaxRetries
	} else {
		job.RetryCount++
	}
	job.UpdatedAt = time.Now()
	return *job, nil
}

func (f *fakeArchiveRepo) ReclaimStale(_ context.Context, startedBefore time.Time) (int64, error) {
	var n int64
	for _, job := range f.jobs {
		if job.Status == models.ArchiveJobStatusInProgress && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			job.RetryCount++
			if job.RetryCount >= job.MaxRetries {
				job.Status = models.ArchiveJobStatusFailed
			} else {
				job.Status = models.ArchiveJobStatusPending
			}
			job.StartedAt = nil
			job.UpdatedAt = time.Now()
			n++
		}
	}
	f.reclaimed += n
	return n, nil
}

func (f *fakeArchiveRepo) Get(_ context.Context, id string) (models.ArchiveJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.ArchiveJob{}, &pipeline.NotFoundError{Entity: "archive job", ID: id}
	}
	return *job, nil
}

func (f *fakeArchiveRepo) ListExhausted(_ context.Context, _ int) ([]models.ArchiveJob, error) {
	var out []models.ArchiveJob
	for _, job := range f.jobs {
		if job.Exhausted() {
			out = append(out, *job)
		}
	}
	return out, nil
}

type fakeStagingRepo struct {
	objects  map[string]models.StagedObject
	archived []string
}

func newFakeStagingRepo(keys ...string) *fakeStagingRepo {
	f := &fakeStagingRepo{objects: make(map[string]models.StagedObject)}
	for _, key := range keys {
		f.objects[key] = models.StagedObject{
			ID: key + "-id", ConnectionID: "c1", StreamName: "orders", StorageKey: key,
			RecordCount: 10, SizeBytes: 256, ArchiveState: models.ArchiveStateLive,
			CreatedAt: time.Now().Add(-time.Hour),
		}
	}
	return f
}

func (f *fakeStagingRepo) Insert(_ context.Context, obj models.StagedObject) (models.StagedObject, error) {
	f.objects[obj.StorageKey] = obj
	return obj, nil
}

func (f *fakeStagingRepo) GetByKey(_ context.Context, storageKey string) (models.StagedObject, error) {
	obj, ok := f.objects[storageKey]
	if !ok {
		return models.StagedObject{}, &pipeline.NotFoundError{Entity: "staged object", ID: storageKey}
	}
	return obj, nil
}

func (f *fakeStagingRepo) ListAfter(_ context.Context, _, _ string, _ repository.PageCursor, _ *time.Time, _ int) ([]models.StagedObject, error) {
	return nil, nil
}

func (f *fakeStagingRepo) MarkArchived(_ context.Context, storageKey string) error {
	obj, ok := f.objects[storageKey]
	if !ok {
		return &pipeline.NotFoundError{Entity: "staged object", ID: storageKey}
	}
	obj.ArchiveState = models.ArchiveStateArchived
	f.objects[storageKey] = obj
	f.archived = append(f.archived, storageKey)
	return nil
}

func (f *fakeStagingRepo) ListUnarchived(_ context.Context, createdBefore time.Time, _ int) ([]models.StagedObject, error) {
	var out []models.StagedObject
	for _, obj := range f.objects {
		if obj.ArchiveState == models.ArchiveStateLive && obj.CreatedAt.Before(createdBefore) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStagingRepo) PurgeArchived(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeBackend struct {
	archived []string
	err      error
}

func (f *fakeBackend) Archive(_ context.Context, obj models.StagedObject) error {
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, obj.StorageKey)
	return nil
}

type fakeNotifications struct {
	exhausted []string
}

func (f *fakeNotifications) Publish(_ context.Context, _ notification.Event) (models.Notification, error) {
	return models.Notification{}, nil
}
func (f *fakeNotifications) NotifySyncFailed(_ context.Context, _ models.Job) error { return nil }
func (f *fakeNotifications) NotifyArchiveExhausted(_ context.Context, job models.ArchiveJob) error {
	f.exhausted = append(f.exhausted, job.StorageKey)
	return nil
}
func (f *fakeNotifications) ListRecent(_ context.Context, _ int) ([]models.Notification, error) {
	return nil, nil
}
func (f *fakeNotifications) MarkRead(_ context.Context, _ string) (models.Notification, error) {
	return models.Notification{}, nil
}

func newTestArchiver(repo *fakeArchiveRepo, staging *fakeStagingRepo, backend Backend, notif notification.Service) *Archiver {
	return New(repo, staging, backend, notif, Config{MaxRetries: 2}, zerolog.Nop())
}

func TestRunPendingArchivesObject(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	backend := &fakeBackend{}
	a := newTestArchiver(repo, staging, backend, &fakeNotifications{})

	created, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)
	assert.True(t, created)

	job, err := a.RunPending(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.ArchiveJobStatusCompleted, job.Status)
	assert.Equal(t, []string{"k1"}, backend.archived)
	assert.Equal(t, []string{"k1"}, staging.archived)
}

func TestRunPendingNothingClaimable(t *testing.T) {
	a := newTestArchiver(newFakeArchiveRepo(), newFakeStagingRepo(), &fakeBackend{}, &fakeNotifications{})

	job, err := a.RunPending(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestScheduleArchivalIsIdempotent(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	a := newTestArchiver(repo, staging, &fakeBackend{}, &fakeNotifications{})

	created, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)
	assert.True(t, created)

	created, err = a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRetryableFailureLeavesJobClaimable(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	backend := &fakeBackend{err: &BackendError{Class: pipeline.ErrorClassNetwork, Err: errors.New("timeout")}}
	a := newTestArchiver(repo, staging, backend, &fakeNotifications{})

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)

	pass := time.Now()
	job, err := a.RunPending(context.Background(), pass)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.ArchiveJobStatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.False(t, job.Exhausted())

	// Not claimable again within the same pass.
	job, err = a.RunPending(context.Background(), pass)
	require.NoError(t, err)
	assert.Nil(t, job)

	// A later pass picks it back up.
	backend.err = nil
	job, err = a.RunPending(context.Background(), pass.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.ArchiveJobStatusCompleted, job.Status)
}

func TestTickSpendsOneRetryPerPass(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	backend := &fakeBackend{err: &BackendError{Class: pipeline.ErrorClassNetwork, Err: errors.New("backend unreachable")}}
	notif := &fakeNotifications{}
	a := New(repo, staging, backend, notif, Config{MaxRetries: 3}, zerolog.Nop())

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)

	a.Tick(context.Background())

	job := repo.jobs["aj-k1"]
	assert.Equal(t, models.ArchiveJobStatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.False(t, job.Exhausted())
	assert.Empty(t, notif.exhausted)

	// The outage clears before the next pass; the job completes there.
	backend.err = nil
	earlier := time.Now().Add(-time.Minute)
	job.UpdatedAt = earlier
	a.Tick(context.Background())

	assert.Equal(t, models.ArchiveJobStatusCompleted, repo.jobs["aj-k1"].Status)
}

func TestPermanentFailureExhaustsAndNotifies(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	backend := &fakeBackend{err: &BackendError{Class: pipeline.ErrorClassClient, Err: errors.New("payload missing")}}
	notif := &fakeNotifications{}
	a := newTestArchiver(repo, staging, backend, notif)

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)

	job, err := a.RunPending(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.True(t, job.Exhausted())
	assert.Equal(t, []string{"k1"}, notif.exhausted)

	// Nothing claimable afterwards, even on a much later pass.
	next, err := a.RunPending(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMissingStagedObjectFailsPermanently(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	notif := &fakeNotifications{}
	a := newTestArchiver(repo, staging, &fakeBackend{}, notif)

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)
	delete(staging.objects, "k1")

	job, err := a.RunPending(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Exhausted())
}

func TestTickReclaimsStaleJobs(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	a := newTestArchiver(repo, staging, &fakeBackend{}, &fakeNotifications{})

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)

	// Simulate a worker that claimed the job and crashed long ago.
	job, err := repo.ClaimNext(context.Background(), time.Now())
	require.NoError(t, err)
	stale := time.Now().Add(-2 * time.Hour)
	repo.jobs[job.ID].StartedAt = &stale

	a.Tick(context.Background())

	assert.Equal(t, int64(1), repo.reclaimed)
	// The reclaimed job was re-claimed and completed within the same tick.
	assert.Equal(t, models.ArchiveJobStatusCompleted, repo.jobs[job.ID].Status)
}

func TestReclaimOnSpentBudgetSurfacesExhaustion(t *testing.T) {
	repo := newFakeArchiveRepo()
	staging := newFakeStagingRepo("k1")
	a := newTestArchiver(repo, staging, &fakeBackend{}, &fakeNotifications{})

	_, err := a.ScheduleArchival(context.Background(), staging.objects["k1"])
	require.NoError(t, err)

	// A stale claim on a job whose reclaim spends the last retry.
	job, err := repo.ClaimNext(context.Background(), time.Now())
	require.NoError(t, err)
	stale := time.Now().Add(-2 * time.Hour)
	repo.jobs[job.ID].StartedAt = &stale
	repo.jobs[job.ID].RetryCount = repo.jobs[job.ID].MaxRetries - 1

	a.Tick(context.Background())

	reclaimed := repo.jobs[job.ID]
	assert.Equal(t, models.ArchiveJobStatusFailed, reclaimed.Status)
	assert.True(t, reclaimed.Exhausted())

	exhausted, err := repo.ListExhausted(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "k1", exhausted[0].StorageKey)
}

func TestStartStop(t *testing.T) {
	a := newTestArchiver(newFakeArchiveRepo(), newFakeStagingRepo(), &fakeBackend{}, &fakeNotifications{})

	a.Start(context.Background())
	a.Stop()
}
