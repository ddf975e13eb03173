package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiredHandler is called for each discarded confirmation, typically to
// resolve its execution record as unknown.
type ExpiredHandler func(ctx context.Context, p Pending)

// Sweeper periodically replays deferred events, expires pending
// confirmations and closes idle conversations.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	idleAfter time.Duration
	onExpired ExpiredHandler

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep interval. Default 15s.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithIdleTimeout closes conversations idle for longer than d. Zero disables.
func WithIdleTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.idleAfter = d
	}
}

// WithExpiredHandler sets the callback for discarded confirmations.
func WithExpiredHandler(h ExpiredHandler) SweeperOption {
	return func(s *Sweeper) {
		s.onExpired = h
	}
}

// NewSweeper creates a Sweeper. It does not start automatically.
func NewSweeper(m *Manager, logger *zap.Logger, opts ...SweeperOption) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		manager:  m,
		interval: 15 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Replayed int
	Expired  int
	Idle     int
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("conversation sweeper started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("conversation sweeper stopped")
	return nil
}

func (s *Sweeper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweeper goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeSweep()
		case <-stop:
			return
		}
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RunOnce(ctx, s.manager.Now()); err != nil {
		s.logger.Error("conversation sweep failed", zap.Error(err))
	}
}

// RunOnce performs one sweep at now.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	replayed, err := s.manager.DrainQueued(ctx, 500)
	if err != nil {
		return res, err
	}
	res.Replayed = replayed

	expired, err := s.manager.ExpireConfirmations(ctx, now)
	if err != nil {
		return res, err
	}
	res.Expired = len(expired)
	for _, p := range expired {
		s.logger.Info("confirmation expired, pending action discarded",
			zap.String("conversation.id", p.ConversationID),
			zap.String("pattern.id", p.PatternID),
			zap.String("execution.id", p.ExecutionID))
		if s.onExpired != nil {
			s.onExpired(ctx, p)
		}
	}

	if s.idleAfter > 0 {
		n, err := s.manager.CloseIdle(ctx, now.Add(-s.idleAfter), 500)
		if err != nil {
			return res, err
		}
		res.Idle = n
	}

	if res.Replayed > 0 || res.Expired > 0 || res.Idle > 0 {
		s.logger.Debug("conversation sweep complete",
			zap.Int("replayed", res.Replayed),
			zap.Int("expired", res.Expired),
			zap.Int("idle", res.Idle))
	}
	return res, nil
}
