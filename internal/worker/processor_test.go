package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibreflow/boq-import/internal/catalog"
	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/parser"
	"github.com/fibreflow/boq-import/internal/queue"
	"github.com/fibreflow/boq-import/internal/s3storage"
	"github.com/fibreflow/boq-import/internal/validation"
)

const boqCSV = `Item Code,Description,UOM,Qty
FBC-50-SM,Fiber Optic Cable 50 Core,meter,1200
ECC-4C-16,Electrical Control Cable 4 Core,meter,300
`

type objects map[string][]byte

func (o objects) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := o[key]
	if !ok {
		return nil, s3storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type snapshots struct {
	mu   sync.Mutex
	jobs []*model.ImportJob
}

func (s *snapshots) RecordJob(_ context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job.Clone())
	return nil
}

func (s *snapshots) statuses() []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Status)
	}
	return out
}

type saver struct{ err error }

func (s saver) Save(_ context.Context, mapping model.MappingResult, _ model.ProcurementContext, _ model.ImportConfig, _ model.FileInfo) (model.SaveResult, error) {
	if s.err != nil {
		return model.SaveResult{}, s.err
	}
	return model.SaveResult{BOQID: "boq-1", Version: "v1", ItemsCreated: mapping.Total()}, nil
}

func newWorker(saveErr error) (*Processor, *jobs.Manager, *snapshots) {
	rec := &snapshots{}
	m := jobs.NewManager(jobs.WithHistorySink(rec))
	proc := importer.NewProcessor(m, parser.New(0), validation.New(),
		catalog.NewMapper(catalog.DefaultStatic(), nil), saver{err: saveErr}, nil)
	store := objects{"imports/job-1/boq.csv": []byte(boqCSV)}
	return NewProcessor(m, proc, store, rec, nil), m, rec
}

func importTask(t *testing.T, objectKey string) *asynq.Task {
	t.Helper()
	task, err := queue.NewImportTask(queue.ImportPayload{
		JobID:     "job-1",
		ObjectKey: objectKey,
		FileName:  "boq.csv",
		FileSize:  int64(len(boqCSV)),
		Context:   model.ProcurementContext{ProjectID: "p-1", UserID: "u-1"},
	}, time.Minute)
	require.NoError(t, err)
	return task
}

func TestHandleImport(t *testing.T) {
	w, m, rec := newWorker(nil)
	require.NoError(t, w.HandleImport(context.Background(), importTask(t, "imports/job-1/boq.csv")))

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.Metadata.AutoMappedItems)

	statuses := rec.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, model.StatusParsing, statuses[0])
	assert.Contains(t, statuses, model.StatusSaving)
	assert.Equal(t, model.StatusCompleted, statuses[len(statuses)-1])

	// asynq may deliver a task twice; the second delivery is a no-op.
	before := len(statuses)
	require.NoError(t, w.HandleImport(context.Background(), importTask(t, "imports/job-1/boq.csv")))
	assert.Len(t, rec.statuses(), before)
}

func TestHandleImportFailureSkipsRetry(t *testing.T) {
	w, m, rec := newWorker(errors.New("unique violation"))
	err := w.HandleImport(context.Background(), importTask(t, "imports/job-1/boq.csv"))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "saving: unique violation")

	job, gerr := m.Get("job-1")
	require.NoError(t, gerr)
	assert.Equal(t, model.StatusFailed, job.Status)
	statuses := rec.statuses()
	assert.Equal(t, model.StatusFailed, statuses[len(statuses)-1])
}

func TestHandleImportMissingObject(t *testing.T) {
	w, m, _ := newWorker(nil)
	err := w.HandleImport(context.Background(), importTask(t, "imports/job-1/gone.csv"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	job, gerr := m.Get("job-1")
	require.NoError(t, gerr)
	assert.Contains(t, job.Error, "object not found")
}

func TestHandleImportBadPayload(t *testing.T) {
	w, _, _ := newWorker(nil)
	err := w.HandleImport(context.Background(), asynq.NewTask(queue.ImportTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
