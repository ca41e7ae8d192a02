// Package jobs is the authoritative in-memory registry of import jobs. Active
// jobs live in a map keyed by id; once a job reaches a terminal state it is
// moved (not copied) into an append-only history list.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/model"
)

var (
	// ErrJobNotFound is returned for ids that are neither active nor in history.
	ErrJobNotFound = errors.New("import job not found")
	// ErrJobTerminal is returned when a finished job is asked to change.
	ErrJobTerminal = errors.New("import job already finished")
	// ErrJobExists is returned by Register for an id that is already known.
	ErrJobExists = errors.New("import job already exists")
	// ErrInvalidTransition is returned for a status move backwards through
	// the pipeline.
	ErrInvalidTransition = errors.New("invalid import job transition")
)

// HistorySink receives every job that is moved to history.
type HistorySink interface {
	RecordJob(ctx context.Context, job *model.ImportJob) error
}

// Manager tracks job status and lifecycle transitions. The RWMutex lets
// status polling from the API proceed concurrently while the pool writes.
type Manager struct {
	mu      sync.RWMutex
	active  map[string]*model.ImportJob
	history []*model.ImportJob

	now    func() time.Time
	newID  func() string
	sink   HistorySink
	logger *zap.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the uuid-based id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithHistorySink persists finished jobs outside the process.
func WithHistorySink(sink HistorySink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		active: make(map[string]*model.ImportJob),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates a queued job for file and returns a copy of it.
func (m *Manager) Create(file model.FileInfo) *model.ImportJob {
	job := &model.ImportJob{
		ID:        m.newID(),
		FileName:  file.Name,
		FileSize:  file.Size,
		Status:    model.StatusQueued,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	m.active[job.ID] = job
	m.mu.Unlock()
	return job.Clone()
}

// Register adds a queued job under an id assigned elsewhere, e.g. by the
// API process that enqueued it.
func (m *Manager) Register(id string, file model.FileInfo) (*model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return nil, ErrJobExists
	}
	for _, h := range m.history {
		if h.ID == id {
			return nil, ErrJobExists
		}
	}
	job := &model.ImportJob{
		ID:        id,
		FileName:  file.Name,
		FileSize:  file.Size,
		Status:    model.StatusQueued,
		CreatedAt: m.now(),
	}
	m.active[id] = job
	return job.Clone(), nil
}

// UpdateProgress moves a job to status with the given progress. Progress is
// clamped to [0,100], never decreases, and only reaches 100 on completion.
// Status only moves forward (see JobStatus.CanMoveTo); anything else yields
// ErrInvalidTransition and leaves the job untouched. An unknown id changes
// nothing and yields ErrJobNotFound, which callers are free to ignore.
func (m *Manager) UpdateProgress(id string, status model.JobStatus, progress int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.activeLocked(id)
	if err != nil {
		return err
	}
	if !job.Status.CanMoveTo(status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, job.Status, status)
	}
	now := m.now()
	if status != model.StatusQueued && !status.Terminal() && job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Status = status
	job.Progress = clampProgress(job.Progress, progress, status)
	if errMsg != "" {
		job.Error = errMsg
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	return nil
}

// UpdateMetadata applies fn to the metadata of an active, non-terminal job.
func (m *Manager) UpdateMetadata(id string, fn func(md *model.JobMetadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.activeLocked(id)
	if err != nil {
		return err
	}
	fn(&job.Metadata)
	return nil
}

// SetResult attaches the persisted outcome to an active job.
func (m *Manager) SetResult(id string, result model.SaveResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.activeLocked(id)
	if err != nil {
		return err
	}
	job.Result = &result
	return nil
}

// Cancel marks a job cancelled and moves it to history. It returns false
// when the job is unknown or has already finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	job, ok := m.active[id]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	job.Status = model.StatusCancelled
	job.CompletedAt = &now
	moved := m.moveLocked(id)
	m.mu.Unlock()

	m.record(moved)
	return true
}

// MoveToHistory relocates a job from the active set into history. Lookups
// by id keep working afterwards.
func (m *Manager) MoveToHistory(id string) error {
	m.mu.Lock()
	if _, ok := m.active[id]; !ok {
		m.mu.Unlock()
		if m.inHistory(id) {
			return nil
		}
		return ErrJobNotFound
	}
	moved := m.moveLocked(id)
	m.mu.Unlock()

	m.record(moved)
	return nil
}

// Get returns a copy of the job, searching active jobs first and history
// second.
func (m *Manager) Get(id string) (*model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.active[id]; ok {
		return job.Clone(), nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i].Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

// IsCancelled reports whether the job was cancelled.
func (m *Manager) IsCancelled(id string) bool {
	job, err := m.Get(id)
	return err == nil && job.Status == model.StatusCancelled
}

// Active returns copies of all active jobs, oldest first.
func (m *Manager) Active() []*model.ImportJob {
	m.mu.RLock()
	out := make([]*model.ImportJob, 0, len(m.active))
	for _, job := range m.active {
		out = append(out, job.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns copies of finished jobs, most recently completed first.
// A limit <= 0 returns everything.
func (m *Manager) History(limit int) []*model.ImportJob {
	m.mu.RLock()
	out := make([]*model.ImportJob, 0, len(m.history))
	for _, job := range m.history {
		out = append(out, job.Clone())
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LoadHistory seeds history with jobs persisted by a previous process. Jobs
// that are not terminal or whose id is already known are ignored.
func (m *Manager) LoadHistory(loaded []*model.ImportJob) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := make(map[string]struct{}, len(m.history)+len(m.active))
	for _, job := range m.history {
		known[job.ID] = struct{}{}
	}
	for id := range m.active {
		known[id] = struct{}{}
	}
	n := 0
	for _, job := range loaded {
		if job == nil || !job.Status.Terminal() {
			continue
		}
		if _, dup := known[job.ID]; dup {
			continue
		}
		known[job.ID] = struct{}{}
		m.history = append(m.history, job.Clone())
		n++
	}
	return n
}

// CleanupHistory keeps the maxSize most recently completed jobs and returns
// how many were discarded.
func (m *Manager) CleanupHistory(maxSize int) int {
	if maxSize < 0 {
		maxSize = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) <= maxSize {
		return 0
	}
	sortNewestFirst(m.history)
	removed := len(m.history) - maxSize
	kept := make([]*model.ImportJob, maxSize)
	copy(kept, m.history[:maxSize])
	m.history = kept
	return removed
}

// PruneOlderThan drops history entries created more than age ago.
func (m *Manager) PruneOlderThan(age time.Duration) int {
	cutoff := m.now().Add(-age)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	for _, job := range m.history {
		if job.CreatedAt.After(cutoff) {
			kept = append(kept, job)
		}
	}
	removed := len(m.history) - len(kept)
	for i := len(kept); i < len(m.history); i++ {
		m.history[i] = nil
	}
	m.history = kept
	return removed
}

// Stats aggregates counters over active and historical jobs.
func (m *Manager) Stats() model.ImportStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Summarize(len(m.active), m.history)
}

// Summarize builds ImportStats from an active count and finished jobs, e.g.
// jobs read back from the import_jobs table by a queue-mode API process.
func Summarize(active int, history []*model.ImportJob) model.ImportStats {
	stats := model.ImportStats{
		ActiveJobs: active,
		TotalJobs:  active + len(history),
	}
	var totalProcessing time.Duration
	reasons := make(map[string]int)
	for _, job := range history {
		switch job.Status {
		case model.StatusCompleted:
			stats.CompletedJobs++
			if job.StartedAt != nil && job.CompletedAt != nil {
				totalProcessing += job.CompletedAt.Sub(*job.StartedAt)
			}
			if job.Result != nil {
				stats.TotalItemsImported += job.Result.ItemsCreated
			}
			stats.TotalAutoMapped += job.Metadata.AutoMappedItems
			stats.TotalExceptions += job.Metadata.ExceptionsCount
		case model.StatusFailed:
			stats.FailedJobs++
			if job.Error != "" {
				reason := strings.TrimSpace(strings.SplitN(job.Error, ":", 2)[0])
				reasons[reason]++
			}
		case model.StatusCancelled:
			stats.CancelledJobs++
		}
	}
	if stats.CompletedJobs > 0 {
		stats.AverageProcessingTimeMs = (totalProcessing / time.Duration(stats.CompletedJobs)).Milliseconds()
	}
	stats.TopFailureReasons = topReasons(reasons, 5)
	return stats
}

func (m *Manager) activeLocked(id string) (*model.ImportJob, error) {
	job, ok := m.active[id]
	if !ok {
		for _, h := range m.history {
			if h.ID == id {
				return nil, ErrJobTerminal
			}
		}
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrJobTerminal
	}
	return job, nil
}

func (m *Manager) moveLocked(id string) *model.ImportJob {
	job := m.active[id]
	delete(m.active, id)
	m.history = append(m.history, job)
	return job.Clone()
}

func (m *Manager) inHistory(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.history {
		if job.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) record(job *model.ImportJob) {
	if m.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sink.RecordJob(ctx, job); err != nil {
		m.logger.Warn("persist job history failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func clampProgress(current, next int, status model.JobStatus) int {
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if next < current {
		next = current
	}
	if status == model.StatusCompleted {
		return 100
	}
	if next >= 100 {
		next = 99
	}
	return next
}

func sortNewestFirst(list []*model.ImportJob) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := completedOrCreated(list[i]), completedOrCreated(list[j])
		if a.Equal(b) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return a.After(b)
	})
}

func completedOrCreated(job *model.ImportJob) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.CreatedAt
}

func topReasons(counts map[string]int, n int) []model.FailureReason {
	out := make([]model.FailureReason, 0, len(counts))
	for reason, count := range counts {
		out = append(out, model.FailureReason{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Reason < out[j].Reason
		}
		return out[i].Count > out[j].Count
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
