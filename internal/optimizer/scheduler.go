package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the optimizer periodically in the background.
//
// Thread Safety: Start and Stop are safe for concurrent use. The running
// state is protected by a mutex.
type Scheduler struct {
	optimizer *Optimizer
	interval  time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between runs. Default 1 hour.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

// WithRunTimeout bounds a single run. Default 10 minutes.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// NewScheduler creates a Scheduler. It does not start automatically.
func NewScheduler(o *Optimizer, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if o == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		optimizer: o,
		interval:  time.Hour,
		timeout:   10 * time.Minute,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Start begins scheduled runs. Starting a running scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("optimizer scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("optimizer scheduler stopped")
	return nil
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(ctx)
		case <-stop:
			return
		}
	}
}

// safeRun recovers from a panicking run so the scheduler keeps going.
func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("optimizer run panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce runs every pass once with the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) []PassResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.optimizer.RunAll(ctx)
	if err != nil {
		s.logger.Error("optimizer run failed", zap.Error(err))
	}
	return results
}
