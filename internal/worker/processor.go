// Package worker runs queued BOQ imports inside an asynq server.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/queue"
)

const recordTimeout = 5 * time.Second

// Opener reads uploads back from object storage.
type Opener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Recorder persists job snapshots so the API process can report progress.
type Recorder interface {
	RecordJob(ctx context.Context, job *model.ImportJob) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	jobs     *jobs.Manager
	importer *importer.Processor
	store    Opener
	recorder Recorder
	logger   *zap.Logger
}

// NewProcessor constructs a worker processor. The manager should carry the
// same recorder as its history sink so finished jobs are persisted too.
func NewProcessor(manager *jobs.Manager, proc *importer.Processor, store Opener, recorder Recorder, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{jobs: manager, importer: proc, store: store, recorder: recorder, logger: logger}
}

// Handler registers the import task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ImportTask, p.HandleImport)
	return mux
}

// HandleImport runs one import task. Errors are wrapped with SkipRetry: a
// failed import is terminal and is retried through the API instead.
func (p *Processor) HandleImport(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeImport(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := p.logger.With(zap.String("job_id", payload.JobID))

	if _, err := p.jobs.Register(payload.JobID, payload.File()); err != nil {
		if errors.Is(err, jobs.ErrJobExists) {
			log.Warn("duplicate delivery ignored")
			return nil
		}
		return fmt.Errorf("register job: %w: %w", err, asynq.SkipRetry)
	}

	key := payload.ObjectKey
	err = p.importer.Process(ctx, importer.Request{
		JobID: payload.JobID,
		File:  payload.File(),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return p.store.Open(ctx, key)
		},
		Context:    payload.Context,
		Config:     payload.Config,
		OnProgress: p.record,
	})
	if err != nil {
		if errors.Is(err, importer.ErrCancelled) {
			return nil
		}
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log.Info("queued import processed")
	return nil
}

// record mirrors every in-flight checkpoint into the job table. Terminal
// snapshots are written by the manager's history sink.
func (p *Processor) record(job *model.ImportJob, stage model.JobStatus, percent int, message string) {
	if p.recorder == nil || job.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := p.recorder.RecordJob(ctx, job); err != nil {
		p.logger.Warn("record job progress",
			zap.String("job_id", job.ID),
			zap.String("stage", string(stage)),
			zap.Int("progress", percent),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug(message, zap.String("job_id", job.ID), zap.Int("progress", percent))
}
