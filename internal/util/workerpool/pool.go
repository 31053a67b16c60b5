package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of I/O-bound work.
type Task struct {
	ID string
	Fn func(context.Context) error
}

type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool is a bounded set of goroutines that run blocking storage and economy calls
// away from the tick loop.
type Pool struct {
	name   string
	queue  chan Task
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// SubmitWait blocks until task is accepted or ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Go is Submit for callers that do not need a task id.
func (p *Pool) Go(fn func(context.Context) error) error {
	return p.Submit(Task{ID: p.name, Fn: fn})
}

// Stop lets in-flight tasks finish; queued tasks that were not picked up are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
		}
		p.cancel()
	})
	return err
}

type Stats struct {
	Name      string
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
