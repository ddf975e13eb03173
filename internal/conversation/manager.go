// Package conversation owns conversation state.
//
// All work for one conversation runs under a per-conversation lock held in
// process, while the state itself lives in the durable repository with
// optimistic versioning, so a restart loses the lock but never the state.
// Events that cannot acquire the lock are persisted to a deferred queue and
// replayed, in arrival order, by the next holder or the sweeper. A queued
// event is removed only after its replay commits.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"go.uber.org/zap"
)

// Errors.
var (
	ErrInvalidTransition   = errors.New("invalid conversation transition")
	ErrConfirmationExpired = errors.New("confirmation window has expired")
	ErrLockTimeout         = errors.New("timed out acquiring conversation lock")

	// ErrDeferred reports that an event was queued for a later lock holder.
	ErrDeferred = errors.New("event deferred: conversation busy")
)

// Handler processes one event payload under the conversation lock.
type Handler func(ctx context.Context, tx *Tx, payload []byte) error

// Options configures a Manager.
type Options struct {
	Detector BoundaryDetector

	// Handler replays deferred events. Nil leaves queued events in place.
	Handler Handler

	// LockTimeout bounds one lock attempt. Default 2s.
	LockTimeout time.Duration

	// LockAttempts is the number of lock attempts before deferring. Default 3.
	LockAttempts int

	// ReplayAttempts is how many times a deferred event is replayed before it
	// is dropped. Default 3.
	ReplayAttempts int

	Logger *zap.Logger
	Now    func() time.Time
}

// Manager serializes work per conversation and persists state transitions.
type Manager struct {
	repo     store.ConversationRepository
	locks    *keyedMutex
	detector BoundaryDetector
	handler  Handler
	timeout  time.Duration
	attempts int
	replays  int
	logger   *zap.Logger
	now      func() time.Time

	failMu   sync.Mutex
	failures map[int64]int
}

// NewManager creates a Manager.
func NewManager(repo store.ConversationRepository, opts Options) *Manager {
	if opts.Detector == nil {
		opts.Detector = NewAdaptive()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 3
	}
	if opts.ReplayAttempts <= 0 {
		opts.ReplayAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:     repo,
		locks:    newKeyedMutex(),
		detector: opts.Detector,
		handler:  opts.Handler,
		timeout:  opts.LockTimeout,
		attempts: opts.LockAttempts,
		replays:  opts.ReplayAttempts,
		logger:   logger,
		now:      opts.Now,
		failures: make(map[int64]int),
	}
}

// SetHandler sets the deferred-event handler. Call before serving events.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// Now returns the manager's clock.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Load returns the active state for a conversation, or nil if there is none.
func (m *Manager) Load(ctx context.Context, conversationID string) (*pattern.ConversationState, error) {
	st, err := m.repo.LoadActiveConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

// Submit processes payload with the handler under the conversation lock. If
// the lock cannot be acquired the payload is queued and ErrDeferred returned.
func (m *Manager) Submit(ctx context.Context, conversationID string, payload []byte) error {
	if m.handler == nil {
		return errors.New("conversation manager has no handler")
	}
	unlock, err := m.acquire(ctx, conversationID)
	if errors.Is(err, ErrLockTimeout) {
		if qerr := m.repo.EnqueueEvent(ctx, conversationID, payload); qerr != nil {
			return errors.Join(err, fmt.Errorf("queueing deferred event: %w", qerr))
		}
		m.logger.Warn("conversation busy, event deferred", zap.String("conversation.id", conversationID))
		return ErrDeferred
	}
	if err != nil {
		return err
	}
	defer unlock()

	m.drain(ctx, conversationID)
	err = m.inTx(ctx, conversationID, func(ctx context.Context, tx *Tx) error {
		return m.handler(ctx, tx, payload)
	})
	m.drain(ctx, conversationID)
	return err
}

// WithLock runs fn in a transaction under the conversation lock. Deferred
// events are replayed before and after fn.
func (m *Manager) WithLock(ctx context.Context, conversationID string, fn func(ctx context.Context, tx *Tx) error) error {
	unlock, err := m.acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	m.drain(ctx, conversationID)
	err = m.inTx(ctx, conversationID, fn)
	m.drain(ctx, conversationID)
	return err
}

// DrainQueued replays deferred events for up to limit conversations that have
// any, and returns how many events were replayed. Conversations whose lock is
// held are skipped; the holder drains them on release.
func (m *Manager) DrainQueued(ctx context.Context, limit int) (int, error) {
	if m.handler == nil {
		return 0, nil
	}
	ids, err := m.repo.ListQueuedConversations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing queued conversations: %w", err)
	}
	replayed := 0
	for _, id := range ids {
		lockCtx, cancel := context.WithTimeout(ctx, m.timeout)
		unlock, err := m.locks.Lock(lockCtx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return replayed, ctx.Err()
			}
			continue
		}
		replayed += m.drain(ctx, id)
		unlock()
	}
	return replayed, nil
}

func (m *Manager) acquire(ctx context.Context, conversationID string) (func(), error) {
	for attempt := 1; attempt <= m.attempts; attempt++ {
		lockCtx, cancel := context.WithTimeout(ctx, m.timeout)
		unlock, err := m.locks.Lock(lockCtx, conversationID)
		cancel()
		if err == nil {
			return unlock, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Debug("conversation lock attempt timed out",
			zap.String("conversation.id", conversationID),
			zap.Int("attempt", attempt))
	}
	return nil, ErrLockTimeout
}

// drain replays queued events in order and returns how many committed. An
// event that fails stays queued and stops the pass so later events do not
// overtake it. After ReplayAttempts failures it is dropped.
func (m *Manager) drain(ctx context.Context, conversationID string) int {
	if m.handler == nil {
		return 0
	}
	queued, err := m.repo.PendingEvents(ctx, conversationID)
	if err != nil {
		m.logger.Error("reading deferred events", zap.String("conversation.id", conversationID), zap.Error(err))
		return 0
	}
	replayed := 0
	for _, ev := range queued {
		payload := ev.Payload
		err := m.inTx(ctx, conversationID, func(ctx context.Context, tx *Tx) error {
			return m.handler(ctx, tx, payload)
		})
		if err != nil {
			if !m.replayFailed(ev.Seq) {
				m.logger.Warn("replaying deferred event, will retry",
					zap.String("conversation.id", conversationID), zap.Int64("seq", ev.Seq), zap.Error(err))
				return replayed
			}
			m.logger.Error("dropping deferred event after repeated failures",
				zap.String("conversation.id", conversationID), zap.Int64("seq", ev.Seq), zap.Error(err))
		} else {
			m.clearFailures(ev.Seq)
			replayed++
		}
		if err := m.repo.AckEvent(ctx, conversationID, ev.Seq); err != nil {
			m.logger.Error("acknowledging deferred event",
				zap.String("conversation.id", conversationID), zap.Int64("seq", ev.Seq), zap.Error(err))
			return replayed
		}
	}
	return replayed
}

// replayFailed counts a failed replay and reports whether the event has used
// up its attempts.
func (m *Manager) replayFailed(seq int64) bool {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures[seq]++
	if m.failures[seq] < m.replays {
		return false
	}
	delete(m.failures, seq)
	return true
}

func (m *Manager) clearFailures(seq int64) {
	m.failMu.Lock()
	delete(m.failures, seq)
	m.failMu.Unlock()
}

// inTx loads the active state, runs fn and commits whatever fn changed, even
// when fn fails, since its side effects may already have happened.
func (m *Manager) inTx(ctx context.Context, conversationID string, fn func(ctx context.Context, tx *Tx) error) error {
	st, err := m.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	tx := &Tx{m: m, conversationID: conversationID, state: st}
	fnErr := fn(ctx, tx)
	if err := tx.commit(ctx); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

// ExpireConfirmations closes every confirmation whose window has passed and
// returns the discarded pending actions. No action is ever executed here.
func (m *Manager) ExpireConfirmations(ctx context.Context, now time.Time) ([]Pending, error) {
	states, err := m.repo.ListExpiredConfirmations(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired confirmations: %w", err)
	}
	var expired []Pending
	for _, st := range states {
		err := m.WithLock(ctx, st.ConversationID, func(ctx context.Context, tx *Tx) error {
			if p, ok := tx.Expire(now); ok {
				expired = append(expired, p)
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("skipping expired confirmation",
				zap.String("conversation.id", st.ConversationID), zap.Error(err))
		}
	}
	return expired, nil
}

// CloseIdle closes conversations with no activity since before. Escalated
// conversations wait for a human and pending confirmations for the expiry
// sweep, so both are left open.
func (m *Manager) CloseIdle(ctx context.Context, before time.Time, limit int) (int, error) {
	states, err := m.repo.ListIdleConversations(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("listing idle conversations: %w", err)
	}
	closed := 0
	for _, st := range states {
		err := m.WithLock(ctx, st.ConversationID, func(ctx context.Context, tx *Tx) error {
			cur := tx.State()
			if cur == nil || !cur.LastActivityAt.Before(before) {
				return nil
			}
			if cur.Phase == pattern.PhaseEscalated || cur.Phase == pattern.PhaseAwaitingConfirmation {
				return nil
			}
			if _, err := tx.Close("idle"); err != nil {
				return err
			}
			closed++
			return nil
		})
		if err != nil {
			m.logger.Warn("skipping idle conversation",
				zap.String("conversation.id", st.ConversationID), zap.Error(err))
		}
	}
	return closed, nil
}
