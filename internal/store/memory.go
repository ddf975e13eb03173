package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// MemoryStore is an in-memory Privileged store for tests and ephemeral runs.
type MemoryStore struct {
	mu            sync.RWMutex
	patterns      map[string]*pattern.Pattern
	executions    map[string]*pattern.ExecutionRecord
	execOrder     []string
	conversations map[string]*pattern.ConversationState
	gold          []*pattern.GoldStandard
	experiments   map[string]*pattern.Experiment
	events        map[string][]DeferredEvent
	eventSeq      int64
	closed        bool
}

var _ Privileged = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:      make(map[string]*pattern.Pattern),
		executions:    make(map[string]*pattern.ExecutionRecord),
		conversations: make(map[string]*pattern.ConversationState),
		experiments:   make(map[string]*pattern.Experiment),
		events:        make(map[string][]DeferredEvent),
	}
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns a pattern by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// GetBySignature returns the matchable pattern with the given signature.
func (s *MemoryStore) GetBySignature(ctx context.Context, signature string) (*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, p := range s.patterns {
		if p.Signature == signature && p.Matchable() {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("signature %s: %w", signature, ErrNotFound)
}

// List returns patterns ordered by creation time.
func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.Pattern
	for _, p := range s.patterns {
		if !matchesFilter(p, f) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func matchesFilter(p *pattern.Pattern, f ListFilter) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.MatchableOnly && !p.Matchable() {
		return false
	}
	if f.WithEmbedding && len(p.Embedding) == 0 {
		return false
	}
	if f.UnusedSince != nil {
		last := p.CreatedAt
		if p.LastUsedAt != nil {
			last = *p.LastUsedAt
		}
		if last.After(*f.UnusedSince) {
			return false
		}
	}
	return true
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

// Create stores a new pattern.
func (s *MemoryStore) Create(ctx context.Context, p *pattern.Pattern) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.patterns[p.ID]; ok {
		return fmt.Errorf("pattern %s already exists", p.ID)
	}
	for _, other := range s.patterns {
		if other.Signature == p.Signature && other.Status != pattern.StatusDeprecated {
			return ErrDuplicateSignature
		}
	}
	c := p.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	s.patterns[p.ID] = c
	p.Version = c.Version
	return nil
}

// UpdateTemplates changes non-guarded fields.
func (s *MemoryStore) UpdateTemplates(ctx context.Context, id string, u TemplateUpdate) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	next := p.Clone()
	applyTemplateUpdate(next, u)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}
	next.UpdatedAt = time.Now().UTC()
	s.patterns[id] = next
	return next.Clone(), nil
}

func applyTemplateUpdate(p *pattern.Pattern, u TemplateUpdate) {
	if u.ResponseTemplate != nil {
		p.ResponseTemplate = *u.ResponseTemplate
	}
	if u.ClearAction {
		p.Action = nil
	} else if u.Action != nil {
		a := u.Action.Clone()
		p.Action = &a
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.GoldStandard {
		p.FromGoldStandard = true
	}
}

// SetEmbedding stores the trigger embedding.
func (s *MemoryStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	p.Embedding = append([]float32(nil), vec...)
	return nil
}

// MarkUsed increments usage and sets last_used_at.
func (s *MemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	p.UsageCount++
	t := at.UTC()
	p.LastUsedAt = &t
	return nil
}

// RecordExecution stores a new execution record.
func (s *MemoryStore) RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	if !rec.ActionTaken.Valid() {
		return pattern.ErrInvalidActionTaken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.patterns[rec.PatternID]; !ok {
		return fmt.Errorf("pattern %s: %w", rec.PatternID, ErrNotFound)
	}
	if _, ok := s.executions[rec.ID]; ok {
		return fmt.Errorf("execution %s already exists", rec.ID)
	}
	c := *rec
	s.executions[rec.ID] = &c
	s.execOrder = append(s.execOrder, rec.ID)
	return nil
}

// UpdateExecutionAction rewrites the action taken for a record.
func (s *MemoryStore) UpdateExecutionAction(ctx context.Context, id string, taken pattern.ActionTaken, reason string) error {
	if !taken.Valid() {
		return pattern.ErrInvalidActionTaken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	rec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	rec.ActionTaken = taken
	rec.Reason = reason
	return nil
}

// GetExecution returns an execution record.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	c := *rec
	return &c, nil
}

// ListExecutions returns records newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*pattern.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.ExecutionRecord
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		rec := s.executions[s.execOrder[i]]
		if f.PatternID != "" && rec.PatternID != f.PatternID {
			continue
		}
		if f.ConversationID != "" && rec.ConversationID != f.ConversationID {
			continue
		}
		if f.UnresolvedOnly && rec.Resolved() {
			continue
		}
		c := *rec
		out = append(out, &c)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ResolveExecution back-fills an outcome once.
func (s *MemoryStore) ResolveExecution(ctx context.Context, id string, outcome pattern.Outcome, at time.Time) (*pattern.ExecutionRecord, error) {
	if !outcome.Valid() {
		return nil, pattern.ErrInvalidOutcome
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if rec.Resolved() {
		return nil, ErrAlreadyResolved
	}
	t := at.UTC()
	rec.Outcome = outcome
	rec.ResolvedAt = &t
	c := *rec
	return &c, nil
}

// FlagGoldStandard stores a gold-standard row, superseding the current one.
func (s *MemoryStore) FlagGoldStandard(ctx context.Context, gs *pattern.GoldStandard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, g := range s.gold {
		if g.ConversationID == gs.ConversationID && g.SupersededBy == "" {
			g.SupersededBy = gs.ID
		}
	}
	c := *gs
	s.gold = append(s.gold, &c)
	return nil
}

// ListGoldStandard returns current rows newest first.
func (s *MemoryStore) ListGoldStandard(ctx context.Context, limit int) ([]*pattern.GoldStandard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.GoldStandard
	for i := len(s.gold) - 1; i >= 0; i-- {
		if s.gold[i].SupersededBy != "" {
			continue
		}
		c := *s.gold[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Counts summarizes the store.
func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, p := range s.patterns {
		c.Patterns++
		if p.Matchable() {
			c.Matchable++
		}
		if p.AutoExecutable {
			c.AutoExecutable++
		}
		switch p.Status {
		case pattern.StatusVerified:
			c.Verified++
		case pattern.StatusDeprecated:
			c.Deprecated++
		}
	}
	for _, rec := range s.executions {
		c.Executions++
		if !rec.Resolved() {
			c.Unresolved++
		}
	}
	for _, g := range s.gold {
		if g.SupersededBy == "" {
			c.GoldStandard++
		}
	}
	for _, st := range s.conversations {
		if st.Phase.Active() {
			c.ActiveConversations++
		}
	}
	for _, e := range s.experiments {
		if e.Active {
			c.ActiveExperiments++
		}
	}
	return c, nil
}

// CompareAndSwap applies guarded state if the version matches.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, u ConfidenceUpdate) (*pattern.Pattern, error) {
	if u.Confidence < 0 || u.Confidence > 1 {
		return nil, pattern.ErrInvalidConfidence
	}
	if !u.Status.Valid() {
		return nil, pattern.ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	if p.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if r := u.Resolve; r != nil {
		if !r.Outcome.Valid() {
			return nil, pattern.ErrInvalidOutcome
		}
		rec, ok := s.executions[r.ExecutionID]
		if !ok {
			return nil, fmt.Errorf("execution %s: %w", r.ExecutionID, ErrNotFound)
		}
		if rec.Resolved() {
			return nil, ErrAlreadyResolved
		}
		t := r.At.UTC()
		rec.Outcome = r.Outcome
		rec.ResolvedAt = &t
	}
	p.Confidence = u.Confidence
	p.AutoExecutable = u.AutoExecutable
	p.Status = u.Status
	p.SuccessCount += u.SuccessDelta
	p.FailureCount += u.FailureDelta
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return p.Clone(), nil
}

// MergeInto folds a duplicate pattern into a canonical one.
func (s *MemoryStore) MergeInto(ctx context.Context, canonicalID, duplicateID string) error {
	if canonicalID == duplicateID {
		return fmt.Errorf("%w: cannot merge a pattern into itself", ErrInvalidMerge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	canon, ok := s.patterns[canonicalID]
	if !ok {
		return fmt.Errorf("pattern %s: %w", canonicalID, ErrNotFound)
	}
	dup, ok := s.patterns[duplicateID]
	if !ok {
		return fmt.Errorf("pattern %s: %w", duplicateID, ErrNotFound)
	}
	if !canon.Matchable() || dup.MergedInto != "" || dup.Status == pattern.StatusDeprecated {
		return fmt.Errorf("%w: %s into %s", ErrInvalidMerge, duplicateID, canonicalID)
	}

	for _, rec := range s.executions {
		if rec.PatternID == duplicateID {
			rec.PatternID = canonicalID
		}
	}
	for _, g := range s.gold {
		if g.PatternID == duplicateID {
			g.PatternID = canonicalID
		}
	}
	for _, e := range s.experiments {
		if e.PatternID == duplicateID && e.Active {
			e.Active = false
		}
	}

	now := time.Now().UTC()
	canon.UsageCount += dup.UsageCount
	canon.SuccessCount += dup.SuccessCount
	canon.FailureCount += dup.FailureCount
	canon.FromGoldStandard = canon.FromGoldStandard || dup.FromGoldStandard
	if dup.LastUsedAt != nil && (canon.LastUsedAt == nil || dup.LastUsedAt.After(*canon.LastUsedAt)) {
		t := *dup.LastUsedAt
		canon.LastUsedAt = &t
	}
	canon.Version++
	canon.UpdatedAt = now

	dup.Status = pattern.StatusDeprecated
	dup.AutoExecutable = false
	dup.MergedInto = canonicalID
	dup.Version++
	dup.UpdatedAt = now
	return nil
}

// LoadActiveConversation returns the non-closed state.
func (s *MemoryStore) LoadActiveConversation(ctx context.Context, conversationID string) (*pattern.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, st := range s.conversations {
		if st.ConversationID == conversationID && st.Phase.Active() {
			return st.Clone(), nil
		}
	}
	return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
}

// SaveConversation inserts or version-checked updates a state.
func (s *MemoryStore) SaveConversation(ctx context.Context, st *pattern.ConversationState) error {
	if !st.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", st.Phase)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if st.Phase.Active() {
		for id, other := range s.conversations {
			if id != st.ID && other.ConversationID == st.ConversationID && other.Phase.Active() {
				return ErrActiveConversationExists
			}
		}
	}
	existing, ok := s.conversations[st.ID]
	switch {
	case st.Version == 0 && ok:
		return ErrVersionConflict
	case st.Version != 0 && (!ok || existing.Version != st.Version):
		return ErrVersionConflict
	}
	c := st.Clone()
	c.Version = st.Version + 1
	s.conversations[st.ID] = c
	st.Version = c.Version
	return nil
}

// ListExpiredConfirmations returns states whose confirmation window has passed.
func (s *MemoryStore) ListExpiredConfirmations(ctx context.Context, now time.Time) ([]*pattern.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.ConversationState
	for _, st := range s.conversations {
		if st.Phase == pattern.PhaseAwaitingConfirmation && st.ExpiresAt != nil && !st.ExpiresAt.After(now) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

// ListIdleConversations returns active states idle since before.
func (s *MemoryStore) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*pattern.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.ConversationState
	for _, st := range s.conversations {
		if st.Phase.Active() && st.LastActivityAt.Before(before) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return page(out, 0, limit), nil
}

// EnqueueEvent defers an event for a conversation.
func (s *MemoryStore) EnqueueEvent(ctx context.Context, conversationID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.eventSeq++
	s.events[conversationID] = append(s.events[conversationID], DeferredEvent{
		Seq:     s.eventSeq,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// PendingEvents returns the deferred events for a conversation.
func (s *MemoryStore) PendingEvents(ctx context.Context, conversationID string) ([]DeferredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	queued := s.events[conversationID]
	if len(queued) == 0 {
		return nil, nil
	}
	out := make([]DeferredEvent, len(queued))
	copy(out, queued)
	return out, nil
}

// AckEvent removes a replayed event.
func (s *MemoryStore) AckEvent(ctx context.Context, conversationID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	queued := s.events[conversationID]
	for i, ev := range queued {
		if ev.Seq != seq {
			continue
		}
		queued = append(queued[:i:i], queued[i+1:]...)
		if len(queued) == 0 {
			delete(s.events, conversationID)
		} else {
			s.events[conversationID] = queued
		}
		return nil
	}
	return nil
}

// ListQueuedConversations returns conversations with deferred events.
func (s *MemoryStore) ListQueuedConversations(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return s.events[out[i]][0].Seq < s.events[out[j]][0].Seq })
	return page(out, 0, limit), nil
}

// SaveExperiment inserts or replaces an experiment.
func (s *MemoryStore) SaveExperiment(ctx context.Context, e *pattern.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if e.Active {
		for id, other := range s.experiments {
			if id != e.ID && other.PatternID == e.PatternID && other.Active {
				return fmt.Errorf("pattern %s already has an active experiment", e.PatternID)
			}
		}
	}
	c := *e
	s.experiments[e.ID] = &c
	return nil
}

// ActiveExperiment returns the running experiment for a pattern.
func (s *MemoryStore) ActiveExperiment(ctx context.Context, patternID string) (*pattern.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, e := range s.experiments {
		if e.PatternID == patternID && e.Active {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("experiment for %s: %w", patternID, ErrNotFound)
}

// ListActiveExperiments returns all running experiments.
func (s *MemoryStore) ListActiveExperiments(ctx context.Context) ([]*pattern.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*pattern.Experiment
	for _, e := range s.experiments {
		if e.Active {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// RecordVariantOutcome adds a trial to a variant.
func (s *MemoryStore) RecordVariantOutcome(ctx context.Context, experimentID, variant string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("experiment %s: %w", experimentID, ErrNotFound)
	}
	v, ok := e.VariantByName(variant)
	if !ok {
		return fmt.Errorf("unknown variant %q", variant)
	}
	v.Trials++
	if success {
		v.Successes++
	}
	return nil
}
