package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawell/conduit/internal/connector"
	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/staging"
)

// scriptedConnector plays back a fixed sequence of pages.
type scriptedConnector struct {
	pages []connector.SyncResult
	err   error
	calls int
}

func (c *scriptedConnector) Kind() string { return "scripted" }

func (c *scriptedConnector) Fetch(_ context.Context, req connector.SyncRequest) (connector.SyncResult, error) {
	if c.err != nil {
		return connector.SyncResult{}, c.err
	}
	if c.calls >= len(c.pages) {
		return connector.SyncResult{}, nil
	}
	page := c.pages[c.calls]
	c.calls++
	return page, nil
}

func recordsAt(ts time.Time, n int) []connector.Record {
	records := make([]connector.Record, n)
	for i := range records {
		t := ts.Add(time.Duration(i) * time.Second)
		records[i] = connector.Record{Timestamp: &t, Payload: json.RawMessage(`{"n":` + strconv.Itoa(i) + `}`)}
	}
	return records
}

type syncFixture struct {
	jobRepo     *fakeJobRepo
	stagingRepo *fakeStagingRepo
	worker      *SyncWorker
	dataDir     string
	job         models.Job
}

func newSyncFixture(t *testing.T, conn connector.Connector, streamConfig string) *syncFixture {
	t.Helper()

	connID, stream := "c1", "orders"
	mode := models.SyncModeIncremental
	jobRepo := newFakeJobRepo()
	job := models.Job{
		ID: "sync-job-1", Kind: models.JobKindSync, Status: models.JobStatusRunning,
		ConnectionID: &connID, StreamName: &stream, SyncMode: &mode,
	}
	jobRepo.jobs[job.ID] = job

	connections := &fakeConnectionRepo{
		connection: models.Connection{ID: connID, SourceKind: conn.Kind(), Status: models.ConnectionStatusActive},
		stream: models.StreamConnection{
			ConnectionID: connID, StreamName: stream, Enabled: true,
			Config: json.RawMessage(streamConfig),
		},
	}

	stagingRepo := &fakeStagingRepo{}
	dataDir := t.TempDir()
	w := NewSyncWorker(newTestManager(jobRepo), connections, staging.NewStore(stagingRepo),
		connector.NewRegistry(conn), dataDir, time.Millisecond, zerolog.Nop())

	return &syncFixture{jobRepo: jobRepo, stagingRepo: stagingRepo, worker: w, dataDir: dataDir, job: job}
}

func TestSyncExecuteStagesPagesAndSucceeds(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cursor1, cursor2 := "page-1", "page-2"
	conn := &scriptedConnector{pages: []connector.SyncResult{
		{Records: recordsAt(base, 2), NextCursor: &cursor1, More: true},
		{Records: recordsAt(base.Add(time.Hour), 3), NextCursor: &cursor2, More: false},
	}}
	fx := newSyncFixture(t, conn, `{}`)

	fx.worker.Execute(context.Background(), fx.job)

	done := fx.jobRepo.jobs[fx.job.ID]
	assert.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Equal(t, int64(5), done.RecordsProcessed)

	require.Len(t, fx.stagingRepo.objects, 2)
	for page, obj := range fx.stagingRepo.objects {
		assert.Equal(t, pipeline.DerivedID(fx.job.ID, strconv.Itoa(page)), obj.StorageKey)
		payload, err := os.ReadFile(filepath.Join(fx.dataDir, obj.StorageKey+".json"))
		require.NoError(t, err)
		var records []connector.Record
		require.NoError(t, json.Unmarshal(payload, &records))
		assert.Equal(t, obj.RecordCount, int64(len(records)))
	}
	assert.NotNil(t, fx.stagingRepo.objects[0].MinRecordTS)
	assert.NotNil(t, fx.stagingRepo.objects[0].MaxRecordTS)
}

func TestSyncExecuteChainsFirstTransformStage(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	conn := &scriptedConnector{pages: []connector.SyncResult{
		{Records: recordsAt(base, 1), More: false},
	}}
	fx := newSyncFixture(t, conn, `{"stages":["passthrough","aggregate"]}`)

	fx.worker.Execute(context.Background(), fx.job)

	require.Len(t, fx.jobRepo.children, 1)
	assert.Equal(t, fx.job.ID, fx.jobRepo.children[0].Parent)
	assert.Equal(t, "passthrough", fx.jobRepo.children[0].Stage)
}

func TestSyncExecuteClassifiedFailure(t *testing.T) {
	conn := &scriptedConnector{err: connector.Failf(pipeline.ErrorClassAuth, "token expired")}
	fx := newSyncFixture(t, conn, `{}`)

	fx.worker.Execute(context.Background(), fx.job)

	done := fx.jobRepo.jobs[fx.job.ID]
	assert.Equal(t, models.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorClass)
	assert.Equal(t, "auth", *done.ErrorClass)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "token expired")
}

func TestSyncExecuteRetryTreatsStagedPageAsWritten(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	conn := &scriptedConnector{pages: []connector.SyncResult{
		{Records: recordsAt(base, 2), More: false},
	}}
	fx := newSyncFixture(t, conn, `{}`)

	// A previous attempt of the same job already staged page 0.
	ts := base
	_, err := fx.stagingRepo.Insert(context.Background(), models.StagedObject{
		ConnectionID: "c1", StreamName: "orders",
		StorageKey: pipeline.DerivedID(fx.job.ID, "0"), RecordCount: 2, SizeBytes: 64,
		MinRecordTS: &ts, MaxRecordTS: &ts,
	})
	require.NoError(t, err)

	fx.worker.Execute(context.Background(), fx.job)

	done := fx.jobRepo.jobs[fx.job.ID]
	assert.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Equal(t, int64(2), done.RecordsProcessed)
	assert.Len(t, fx.stagingRepo.objects, 1)
}

func TestSyncExecuteAbandonsCancelledJob(t *testing.T) {
	conn := &scriptedConnector{pages: []connector.SyncResult{{More: false}}}
	fx := newSyncFixture(t, conn, `{}`)

	// Cancelled before the worker gets going.
	job := fx.jobRepo.jobs[fx.job.ID]
	job.Status = models.JobStatusCancelled
	fx.jobRepo.jobs[fx.job.ID] = job

	fx.worker.Execute(context.Background(), fx.job)

	assert.Equal(t, models.JobStatusCancelled, fx.jobRepo.jobs[fx.job.ID].Status)
	assert.Zero(t, conn.calls)
}
