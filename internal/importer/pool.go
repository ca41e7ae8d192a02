package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
)

// ErrQueueFull is returned by Submit when every slot in the queue is taken.
var ErrQueueFull = errors.New("processing queue full")

const shutdownMessage = "server shut down before processing"

// Task is a queued import. Cleanup, when set, runs after the job finishes
// or is dropped.
type Task struct {
	Request
	Cleanup func()
}

func (t Task) done() {
	if t.Cleanup != nil {
		t.Cleanup()
	}
}

// Pool runs imports on a fixed number of goroutines fed by a buffered
// channel.
type Pool struct {
	proc    *Processor
	jobs    *jobs.Manager
	queue   chan Task
	workers int
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool builds a Pool. queueSize <= 0 ties the buffer to the worker count.
func NewPool(proc *Processor, manager *jobs.Manager, workers, queueSize int, timeout time.Duration, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		proc:    proc,
		jobs:    manager,
		queue:   make(chan Task, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches the workers. They exit when ctx is cancelled. Calling Start
// more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Submit queues task without blocking. When the queue is full the job is
// failed and moved to history so the API reflects reality.
func (p *Pool) Submit(task Task) error {
	select {
	case p.queue <- task:
		return nil
	default:
	}
	p.logger.Warn("processing queue full, dropping job", zap.String("job_id", task.JobID))
	p.reject(task, ErrQueueFull.Error())
	return ErrQueueFull
}

// Wait blocks until every worker has exited, then fails whatever is still
// queued.
func (p *Pool) Wait() {
	p.wg.Wait()
	for {
		select {
		case task := <-p.queue:
			p.reject(task, shutdownMessage)
		default:
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			p.run(ctx, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer task.done()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	// Process logs and records its own failures.
	_ = p.proc.Process(ctx, task.Request)
}

func (p *Pool) reject(task Task, reason string) {
	defer task.done()
	if err := p.jobs.UpdateProgress(task.JobID, model.StatusFailed, 0, reason); err != nil {
		return
	}
	_ = p.jobs.MoveToHistory(task.JobID)
}
