package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibreflow/boq-import/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(opts ...Option) *Manager {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	seq := 0
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("imp-%03d", seq)
		}),
	}
	return NewManager(append(base, opts...)...)
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []*model.ImportJob
	err  error
}

func (s *recordingSink) RecordJob(_ context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return s.err
}

func TestCreateStartsQueued(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.xlsx", Size: 2048})

	assert.Equal(t, "imp-001", job.ID)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Len(t, m.Active(), 1)
}

func TestRegister(t *testing.T) {
	m := newTestManager()
	job, err := m.Register("queued-elsewhere", model.FileInfo{Name: "boq.csv", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)

	_, err = m.Register("queued-elsewhere", model.FileInfo{})
	assert.ErrorIs(t, err, ErrJobExists)

	require.NoError(t, m.UpdateProgress(job.ID, model.StatusFailed, 0, "boom"))
	require.NoError(t, m.MoveToHistory(job.ID))
	_, err = m.Register("queued-elsewhere", model.FileInfo{})
	assert.ErrorIs(t, err, ErrJobExists, "history ids are reserved too")
}

func TestCreateReturnsCopy(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	job.Status = model.StatusFailed

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestUpdateProgressStampsTimes(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})

	require.NoError(t, m.UpdateProgress(job.ID, model.StatusParsing, 5, ""))
	got, _ := m.Get(job.ID)
	require.NotNil(t, got.StartedAt)
	started := *got.StartedAt
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, m.UpdateProgress(job.ID, model.StatusValidating, 30, ""))
	got, _ = m.Get(job.ID)
	assert.Equal(t, started, *got.StartedAt, "startedAt is only set once")

	require.NoError(t, m.UpdateProgress(job.ID, model.StatusCompleted, 100, ""))
	got, _ = m.Get(job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 100, got.Progress)
}

func TestUpdateProgressAttachesError(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusParsing, 5, ""))
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusFailed, 5, "parse: bad header"))

	got, _ := m.Get(job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "parse: bad header", got.Error)
	assert.Equal(t, 5, got.Progress)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateProgressUnknownIDIsNoop(t *testing.T) {
	m := newTestManager()
	m.Create(model.FileInfo{Name: "boq.csv"})

	err := m.UpdateProgress("missing", model.StatusParsing, 5, "")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Len(t, m.Active(), 1)
	assert.Empty(t, m.History(0))
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusMapping, 60, ""))
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusMapping, 40, ""))

	got, _ := m.Get(job.ID)
	assert.Equal(t, 60, got.Progress)
}

func TestUpdateProgressHundredOnlyWhenCompleted(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusSaving, 150, ""))

	got, _ := m.Get(job.ID)
	assert.Equal(t, 99, got.Progress)
}

func TestUpdateProgressRejectsBackwardMoves(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusMapping, 50, ""))

	for _, back := range []model.JobStatus{model.StatusParsing, model.StatusQueued, model.StatusValidating} {
		err := m.UpdateProgress(job.ID, back, 55, "")
		assert.ErrorIs(t, err, ErrInvalidTransition, back)
	}
	err := m.UpdateProgress(job.ID, model.JobStatus("paused"), 55, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, _ := m.Get(job.ID)
	assert.Equal(t, model.StatusMapping, got.Status)
	assert.Equal(t, 50, got.Progress)

	require.NoError(t, m.UpdateProgress(job.ID, model.StatusMapping, 60, ""))
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusFailed, 60, "mapping: timeout"))
	got, _ = m.Get(job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	m := newTestManager()
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusFailed, 10, "boom"))

	err := m.UpdateProgress(job.ID, model.StatusSaving, 90, "")
	assert.ErrorIs(t, err, ErrJobTerminal)

	require.NoError(t, m.MoveToHistory(job.ID))
	err = m.UpdateProgress(job.ID, model.StatusCompleted, 100, "")
	assert.ErrorIs(t, err, ErrJobTerminal)

	got, _ := m.Get(job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(m *Manager, id string)
		want    bool
		status  model.JobStatus
	}{
		{
			name:    "queued job is cancelled",
			prepare: func(m *Manager, id string) {},
			want:    true,
			status:  model.StatusCancelled,
		},
		{
			name: "running job is cancelled",
			prepare: func(m *Manager, id string) {
				_ = m.UpdateProgress(id, model.StatusMapping, 60, "")
			},
			want:   true,
			status: model.StatusCancelled,
		},
		{
			name: "completed job is untouched",
			prepare: func(m *Manager, id string) {
				_ = m.UpdateProgress(id, model.StatusCompleted, 100, "")
				_ = m.MoveToHistory(id)
			},
			want:   false,
			status: model.StatusCompleted,
		},
		{
			name: "failed job still active is untouched",
			prepare: func(m *Manager, id string) {
				_ = m.UpdateProgress(id, model.StatusFailed, 20, "boom")
			},
			want:   false,
			status: model.StatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			job := m.Create(model.FileInfo{Name: "boq.csv"})
			tt.prepare(m, job.ID)
			before, _ := m.Get(job.ID)

			assert.Equal(t, tt.want, m.Cancel(job.ID))

			got, err := m.Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			if !tt.want {
				assert.Equal(t, before, got)
			} else {
				assert.NotNil(t, got.CompletedAt)
				assert.Empty(t, m.Active())
				assert.Len(t, m.History(0), 1)
			}
		})
	}
}

func TestCancelUnknown(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.Cancel("nope"))
}

func TestMoveToHistoryTransfersOwnership(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(WithHistorySink(sink))
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	require.NoError(t, m.UpdateProgress(job.ID, model.StatusCompleted, 100, ""))
	require.NoError(t, m.MoveToHistory(job.ID))

	assert.Empty(t, m.Active())
	history := m.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, job.ID, history[0].ID)

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	// a second move is a no-op and does not duplicate the entry
	require.NoError(t, m.MoveToHistory(job.ID))
	assert.Len(t, m.History(0), 1)
	assert.Len(t, sink.jobs, 1)
}

func TestMoveToHistoryUnknown(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.MoveToHistory("nope"), ErrJobNotFound)
}

func TestSinkFailureDoesNotAffectHistory(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	m := newTestManager(WithHistorySink(sink))
	job := m.Create(model.FileInfo{Name: "boq.csv"})
	assert.True(t, m.Cancel(job.ID))
	assert.Len(t, m.History(0), 1)
}

func finishJobs(t *testing.T, m *Manager, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := m.Create(model.FileInfo{Name: fmt.Sprintf("boq-%d.csv", i)})
		require.NoError(t, m.UpdateProgress(job.ID, model.StatusCompleted, 100, ""))
		require.NoError(t, m.MoveToHistory(job.ID))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestCleanupHistoryKeepsMostRecent(t *testing.T) {
	m := newTestManager()
	ids := finishJobs(t, m, 5)

	removed := m.CleanupHistory(2)
	assert.Equal(t, 3, removed)

	history := m.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, ids[4], history[0].ID)
	assert.Equal(t, ids[3], history[1].ID)

	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCleanupHistoryProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("cleanup leaves min(n, size) newest entries", prop.ForAll(
		func(size, keep int) bool {
			m := newTestManager()
			ids := finishJobs(t, m, size)
			m.CleanupHistory(keep)
			history := m.History(0)
			want := keep
			if size < keep {
				want = size
			}
			if len(history) != want {
				return false
			}
			for i, job := range history {
				if job.ID != ids[size-1-i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 25),
	))
	properties.TestingRun(t)
}

func TestHistoryLimit(t *testing.T) {
	m := newTestManager()
	ids := finishJobs(t, m, 4)
	history := m.History(2)
	require.Len(t, history, 2)
	assert.Equal(t, ids[3], history[0].ID)
}

func TestPruneOlderThan(t *testing.T) {
	m := newTestManager()
	finishJobs(t, m, 3)
	// the fake clock advances a second per call, so everything is older than 1ms
	assert.Equal(t, 3, m.PruneOlderThan(time.Millisecond))
	assert.Empty(t, m.History(0))
}

func TestLoadHistory(t *testing.T) {
	m := newTestManager()
	done := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	loaded := []*model.ImportJob{
		{ID: "old-1", Status: model.StatusCompleted, CompletedAt: &done},
		{ID: "old-2", Status: model.StatusParsing},
		{ID: "old-1", Status: model.StatusCompleted, CompletedAt: &done},
		nil,
	}
	assert.Equal(t, 1, m.LoadHistory(loaded))
	got, err := m.Get("old-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestStats(t *testing.T) {
	m := newTestManager()
	ok := m.Create(model.FileInfo{Name: "a.csv"})
	require.NoError(t, m.UpdateProgress(ok.ID, model.StatusParsing, 5, ""))
	require.NoError(t, m.UpdateMetadata(ok.ID, func(md *model.JobMetadata) {
		md.AutoMappedItems = 8
		md.ExceptionsCount = 2
	}))
	require.NoError(t, m.SetResult(ok.ID, model.SaveResult{BOQID: "b1", ItemsCreated: 10}))
	require.NoError(t, m.UpdateProgress(ok.ID, model.StatusCompleted, 100, ""))
	require.NoError(t, m.MoveToHistory(ok.ID))

	for i := 0; i < 2; i++ {
		bad := m.Create(model.FileInfo{Name: "b.csv"})
		require.NoError(t, m.UpdateProgress(bad.ID, model.StatusFailed, 90, "save stage: connection refused"))
		require.NoError(t, m.MoveToHistory(bad.ID))
	}
	m.Cancel(m.Create(model.FileInfo{Name: "c.csv"}).ID)
	m.Create(model.FileInfo{Name: "d.csv"})

	stats := m.Stats()
	assert.Equal(t, 5, stats.TotalJobs)
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.Equal(t, 2, stats.FailedJobs)
	assert.Equal(t, 1, stats.CancelledJobs)
	assert.Equal(t, 10, stats.TotalItemsImported)
	assert.Equal(t, 8, stats.TotalAutoMapped)
	assert.Equal(t, 2, stats.TotalExceptions)
	assert.Positive(t, stats.AverageProcessingTimeMs)
	require.Len(t, stats.TopFailureReasons, 1)
	assert.Equal(t, model.FailureReason{Reason: "save stage", Count: 2}, stats.TopFailureReasons[0])
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := m.Create(model.FileInfo{Name: "boq.csv"})
			_ = m.UpdateProgress(job.ID, model.StatusParsing, 5, "")
			_, _ = m.Get(job.ID)
			_ = m.UpdateProgress(job.ID, model.StatusCompleted, 100, "")
			_ = m.MoveToHistory(job.ID)
			_ = m.Stats()
		}()
	}
	wg.Wait()
	assert.Empty(t, m.Active())
	assert.Len(t, m.History(0), 32)
}

func TestSummarizePersistedJobs(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Second)
	history := []*model.ImportJob{
		{ID: "a", Status: model.StatusCompleted, StartedAt: &start, CompletedAt: &end, Result: &model.SaveResult{ItemsCreated: 3}},
		{ID: "b", Status: model.StatusFailed, Error: "parsing: read csv: bad quote"},
	}
	stats := Summarize(2, history)
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 2, stats.ActiveJobs)
	assert.Equal(t, int64(4000), stats.AverageProcessingTimeMs)
	assert.Equal(t, 3, stats.TotalItemsImported)
	assert.Equal(t, []model.FailureReason{{Reason: "parsing", Count: 1}}, stats.TopFailureReasons)
}
