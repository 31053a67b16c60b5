// Package tick runs the single latency-critical goroutine that owns user-facing side effects.
// Work that may block on storage or the economy never runs here; results are posted back.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrStopped = errors.New("tick loop stopped")

type loopKey struct{}

// WithLoop marks ctx as executing on the latency-critical loop.
func WithLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, loopKey{}, true)
}

// OnLoop reports whether ctx was handed out by the loop (or marked by WithLoop).
func OnLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}

type Loop struct {
	tasks  chan func(context.Context)
	stop   chan struct{}
	once   sync.Once
	logger *zap.Logger

	executed atomic.Uint64
	running  atomic.Bool
}

func New(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tasks:  make(chan func(context.Context), queueSize),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("tick loop already running")
	}
	defer l.running.Store(false)
	loopCtx := WithLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case fn := <-l.tasks:
			l.exec(loopCtx, fn)
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick task panicked", zap.Any("panic", r))
		}
	}()
	fn(ctx)
	l.executed.Add(1)
}

// Post enqueues fn without blocking. It returns false when the queue is full or the loop stopped.
func (l *Loop) Post(fn func(context.Context)) bool {
	if l == nil || fn == nil {
		return false
	}
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		l.logger.Warn("tick queue full; dropping task")
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func(context.Context)) error {
	if OnLoop(ctx) {
		fn(ctx)
		return nil
	}
	done := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(done)
		fn(c)
	}
	select {
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case l.tasks <- wrapped:
	}
	select {
	case <-done:
		return nil
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Stop() { l.once.Do(func() { close(l.stop) }) }

func (l *Loop) Executed() uint64 { return l.executed.Load() }
