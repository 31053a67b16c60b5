package upkeep

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type SchedulerConfig struct {
	Every        time.Duration
	StartupSweep bool
}

// Scheduler triggers sweeps on a fixed period. Stop prevents further sweeps and waits for the
// one in flight, which always runs to completion.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig
	logger *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func NewScheduler(e *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	return &Scheduler{engine: e, cfg: cfg, logger: e.logger}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("upkeep scheduler already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	if s.cfg.StartupSweep {
		s.run(ctx)
	}
	ticker := time.NewTicker(s.cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	rep, err := s.engine.Sweep(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrSweepRunning):
	case err != nil:
		s.logger.Error("upkeep sweep failed", zap.Error(err), zap.Any("due", rep.Due), zap.Any("grace", rep.Grace))
	}
}

// Stop is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
}
