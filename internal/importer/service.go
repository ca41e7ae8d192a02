package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/parser"
	"github.com/fibreflow/boq-import/internal/queue"
	"github.com/fibreflow/boq-import/internal/s3storage"
)

var (
	// ErrUnsupportedFormat is returned for uploads outside the extension whitelist.
	ErrUnsupportedFormat = parser.ErrUnsupportedFormat
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("empty file")
	// ErrFileTooLarge is returned when an upload exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidRequest wraps a bad procurement context or import config.
	ErrInvalidRequest = errors.New("invalid import request")
	// ErrRetryUnsupported is returned when the original upload was not retained.
	ErrRetryUnsupported = errors.New("retry unavailable: upload was not retained")
	// ErrNotRetryable is returned when retrying a job that did not fail.
	ErrNotRetryable = errors.New("only failed imports can be retried")
	// ErrUploadUnavailable is returned when the original file cannot be served.
	ErrUploadUnavailable = errors.New("original upload was not retained")
	// ErrJobNotFound is returned for ids unknown to both memory and storage.
	ErrJobNotFound = jobs.ErrJobNotFound
)

const (
	ModeLocal = "local"
	ModeQueue = "queue"
)

// ObjectStore retains raw uploads. *s3storage.Storage satisfies it.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Enqueuer hands imports to out-of-process workers. *queue.Client satisfies it.
type Enqueuer interface {
	EnqueueImport(ctx context.Context, payload queue.ImportPayload) error
}

// JobStore is the persisted job table. *repository.JobRepository satisfies it.
type JobStore interface {
	RecordJob(ctx context.Context, job *model.ImportJob) error
	Get(ctx context.Context, id string) (*model.ImportJob, error)
	ListActive(ctx context.Context) ([]*model.ImportJob, error)
	ListHistory(ctx context.Context, limit int) ([]*model.ImportJob, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options are the service-level limits, usually filled from config.
type Options struct {
	Mode              string
	AllowedExtensions []string
	MaxUploadBytes    int64
	HistoryMaxSize    int
	HistoryRetention  time.Duration
	// MinMappingConfidence applies when a request leaves it unset.
	MinMappingConfidence float64
}

// Upload is a file the API has already written to local disk.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
	Path        string
}

// Service is the entry point used by the HTTP API. In local mode it runs
// imports on an in-process Pool; in queue mode it stores the upload in
// object storage and enqueues an asynq task.
type Service struct {
	jobs     *jobs.Manager
	pool     *Pool
	store    ObjectStore
	queue    Enqueuer
	history  JobStore
	opts     Options
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
	progress ProgressFunc
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithObjectStore retains uploads so failed jobs can be retried.
func WithObjectStore(store ObjectStore) ServiceOption {
	return func(s *Service) { s.store = store }
}

// WithQueue sets the enqueuer used in queue mode.
func WithQueue(q Enqueuer) ServiceOption {
	return func(s *Service) { s.queue = q }
}

// WithJobStore reads jobs back from Postgres when they are not in memory.
func WithJobStore(store JobStore) ServiceOption {
	return func(s *Service) { s.history = store }
}

// WithProgress observes every local job.
func WithProgress(fn ProgressFunc) ServiceOption {
	return func(s *Service) { s.progress = fn }
}

// NewService builds a Service. pool may be nil in queue mode.
func NewService(manager *jobs.Manager, pool *Pool, opts Options, logger *zap.Logger, options ...ServiceOption) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	s := &Service{
		jobs:   manager,
		pool:   pool,
		opts:   opts,
		logger: logger,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(s)
	}
	switch opts.Mode {
	case ModeLocal:
		if pool == nil {
			return nil, errors.New("local mode requires a worker pool")
		}
	case ModeQueue:
		if s.queue == nil || s.store == nil {
			return nil, errors.New("queue mode requires a queue and an object store")
		}
	default:
		return nil, fmt.Errorf("unknown import mode %q", opts.Mode)
	}
	return s, nil
}

// StartImport checks the upload and starts a job for it. The temp file at
// up.Path belongs to the service from here on.
func (s *Service) StartImport(ctx context.Context, up Upload, pctx model.ProcurementContext, cfg model.ImportConfig) (*model.ImportJob, error) {
	if err := s.check(up, pctx, &cfg); err != nil {
		removeFile(up.Path)
		return nil, err
	}
	file := model.FileInfo{Name: filepath.Base(up.Name), Size: up.Size}
	if s.opts.Mode == ModeQueue {
		defer removeFile(up.Path)
		id := s.newID()
		if err := s.retain(ctx, id, file, up, pctx, cfg); err != nil {
			return nil, err
		}
		return s.enqueue(ctx, queue.ImportPayload{
			JobID:     id,
			ObjectKey: s3storage.ObjectKey(id, file.Name),
			FileName:  file.Name,
			FileSize:  file.Size,
			Context:   pctx,
			Config:    cfg,
		})
	}

	job := s.jobs.Create(file)
	if s.store != nil {
		if err := s.retain(ctx, job.ID, file, up, pctx, cfg); err != nil {
			s.logger.Warn("upload not retained, retry disabled", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	path := up.Path
	task := Task{
		Request: Request{
			JobID:      job.ID,
			File:       file,
			Open:       func(context.Context) (io.ReadCloser, error) { return os.Open(path) },
			Context:    pctx,
			Config:     cfg,
			OnProgress: s.progress,
		},
		Cleanup: func() { removeFile(path) },
	}
	if err := s.pool.Submit(task); err != nil {
		return s.current(job), err
	}
	return job, nil
}

// Retry starts a new job for a failed one, reading the upload back from
// object storage.
func (s *Service) Retry(ctx context.Context, jobID string) (*model.ImportJob, error) {
	prev, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, jobID, prev.Status)
	}
	if s.store == nil {
		return nil, ErrRetryUnsupported
	}
	payload, err := s.loadRequest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	file := payload.File()
	if s.opts.Mode == ModeQueue {
		payload.JobID = s.newID()
		if err := s.putRequest(ctx, payload); err != nil {
			return nil, err
		}
		return s.enqueue(ctx, payload)
	}

	job := s.jobs.Create(file)
	payload.JobID = job.ID
	if err := s.putRequest(ctx, payload); err != nil {
		s.logger.Warn("retry request not retained", zap.String("job_id", job.ID), zap.Error(err))
	}
	key := payload.ObjectKey
	task := Task{Request: Request{
		JobID:      job.ID,
		File:       file,
		Open:       func(ctx context.Context) (io.ReadCloser, error) { return s.store.Open(ctx, key) },
		Context:    payload.Context,
		Config:     payload.Config,
		OnProgress: s.progress,
	}}
	if err := s.pool.Submit(task); err != nil {
		return s.current(job), err
	}
	s.logger.Info("import retried", zap.String("job_id", job.ID), zap.String("retry_of", jobID))
	return job, nil
}

// OpenUpload streams the retained original file of a job.
func (s *Service) OpenUpload(ctx context.Context, jobID string) (io.ReadCloser, model.FileInfo, error) {
	if s.store == nil {
		return nil, model.FileInfo{}, ErrUploadUnavailable
	}
	payload, err := s.loadRequest(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrRetryUnsupported) {
			err = ErrUploadUnavailable
		}
		return nil, model.FileInfo{}, err
	}
	rc, err := s.store.Open(ctx, payload.ObjectKey)
	if err != nil {
		if errors.Is(err, s3storage.ErrObjectNotFound) {
			err = ErrUploadUnavailable
		}
		return nil, model.FileInfo{}, err
	}
	return rc, payload.File(), nil
}

// Get looks a job up in memory first and in the job store second.
func (s *Service) Get(ctx context.Context, id string) (*model.ImportJob, error) {
	job, err := s.jobs.Get(id)
	if err == nil {
		return job, nil
	}
	if s.history == nil {
		return nil, err
	}
	job, serr := s.history.Get(ctx, id)
	if serr != nil {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// Active lists jobs that have not finished.
func (s *Service) Active(ctx context.Context) ([]*model.ImportJob, error) {
	if s.opts.Mode == ModeQueue && s.history != nil {
		return s.history.ListActive(ctx)
	}
	return s.jobs.Active(), nil
}

// History lists finished jobs, most recent first.
func (s *Service) History(ctx context.Context, limit int) ([]*model.ImportJob, error) {
	if s.opts.Mode == ModeQueue && s.history != nil {
		return s.history.ListHistory(ctx, limit)
	}
	return s.jobs.History(limit), nil
}

// Stats aggregates over active and finished jobs.
func (s *Service) Stats(ctx context.Context) (model.ImportStats, error) {
	if s.opts.Mode == ModeQueue && s.history != nil {
		active, err := s.history.ListActive(ctx)
		if err != nil {
			return model.ImportStats{}, err
		}
		history, err := s.history.ListHistory(ctx, s.opts.HistoryMaxSize)
		if err != nil {
			return model.ImportStats{}, err
		}
		return jobs.Summarize(len(active), history), nil
	}
	return s.jobs.Stats(), nil
}

// Cancel cancels a job running in this process. Jobs owned by queue workers
// cannot be cancelled and report false.
func (s *Service) Cancel(id string) bool {
	return s.jobs.Cancel(id)
}

// RunJanitor trims history every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Service) cleanup(ctx context.Context) {
	trimmed := s.jobs.CleanupHistory(s.opts.HistoryMaxSize)
	pruned := 0
	if s.opts.HistoryRetention > 0 {
		pruned = s.jobs.PruneOlderThan(s.opts.HistoryRetention)
		if s.history != nil {
			if _, err := s.history.DeleteCompletedBefore(ctx, s.now().Add(-s.opts.HistoryRetention)); err != nil {
				s.logger.Warn("prune persisted jobs", zap.Error(err))
			}
		}
	}
	if trimmed+pruned > 0 {
		s.logger.Debug("history trimmed", zap.Int("trimmed", trimmed), zap.Int("pruned", pruned))
	}
}

func (s *Service) check(up Upload, pctx model.ProcurementContext, cfg *model.ImportConfig) error {
	ext := strings.ToLower(filepath.Ext(up.Name))
	if !s.allowed(ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if _, err := parser.DetectFormat(up.Name); err != nil {
		return err
	}
	if up.Size <= 0 {
		return ErrEmptyFile
	}
	if s.opts.MaxUploadBytes > 0 && up.Size > s.opts.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, up.Size, s.opts.MaxUploadBytes)
	}
	if err := pctx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if cfg.MinMappingConfidence <= 0 {
		cfg.MinMappingConfidence = s.opts.MinMappingConfidence
	}
	*cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) allowed(ext string) bool {
	if len(s.opts.AllowedExtensions) == 0 {
		return true
	}
	for _, a := range s.opts.AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// enqueue records the job as queued and hands it to the queue workers.
// The upload must already be in object storage.
func (s *Service) enqueue(ctx context.Context, payload queue.ImportPayload) (*model.ImportJob, error) {
	job := &model.ImportJob{
		ID:        payload.JobID,
		FileName:  payload.FileName,
		FileSize:  payload.FileSize,
		Status:    model.StatusQueued,
		CreatedAt: s.now(),
	}
	s.recordJob(ctx, job)
	if err := s.queue.EnqueueImport(ctx, payload); err != nil {
		now := s.now()
		job.Status = model.StatusFailed
		job.Error = err.Error()
		job.CompletedAt = &now
		s.recordJob(ctx, job)
		return job, err
	}
	s.logger.Info("import enqueued", zap.String("job_id", job.ID), zap.String("object_key", payload.ObjectKey))
	return job, nil
}

// retain stores the upload and its request next to each other.
func (s *Service) retain(ctx context.Context, id string, file model.FileInfo, up Upload, pctx model.ProcurementContext, cfg model.ImportConfig) error {
	f, err := os.Open(up.Path)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	key := s3storage.ObjectKey(id, file.Name)
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Upload(ctx, key, f, up.Size, contentType); err != nil {
		return err
	}
	return s.putRequest(ctx, queue.ImportPayload{
		JobID:     id,
		ObjectKey: key,
		FileName:  file.Name,
		FileSize:  file.Size,
		Context:   pctx,
		Config:    cfg,
	})
}

func (s *Service) putRequest(ctx context.Context, payload queue.ImportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode import request: %w", err)
	}
	return s.store.Upload(ctx, s3storage.RequestKey(payload.JobID), bytes.NewReader(data), int64(len(data)), "application/json")
}

func (s *Service) loadRequest(ctx context.Context, jobID string) (queue.ImportPayload, error) {
	var payload queue.ImportPayload
	rc, err := s.store.Open(ctx, s3storage.RequestKey(jobID))
	if err != nil {
		if errors.Is(err, s3storage.ErrObjectNotFound) {
			return payload, ErrRetryUnsupported
		}
		return payload, fmt.Errorf("load import request: %w", err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode import request: %w", err)
	}
	if payload.ObjectKey == "" {
		return payload, ErrRetryUnsupported
	}
	return payload, nil
}

func (s *Service) recordJob(ctx context.Context, job *model.ImportJob) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordJob(ctx, job); err != nil {
		s.logger.Warn("record queued job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Service) current(job *model.ImportJob) *model.ImportJob {
	if latest, err := s.jobs.Get(job.ID); err == nil {
		return latest
	}
	return job
}

func removeFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
