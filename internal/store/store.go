// Package store persists patterns, execution records, conversation state,
// gold-standard interactions and experiments.
//
// Access is split by privilege. Components other than the confidence engine
// and the optimizer only ever see Store, which exposes no way to change a
// pattern's confidence, auto-executable flag or status. The privileged
// ConfidenceWriter is handed to those two components at wiring time.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Store errors.
var (
	ErrNotFound                 = errors.New("not found")
	ErrDuplicateSignature       = errors.New("an active pattern with this signature already exists")
	ErrVersionConflict          = errors.New("version conflict")
	ErrAlreadyResolved          = errors.New("execution outcome already resolved")
	ErrActiveConversationExists = errors.New("conversation already has an active state")
	ErrInvalidMerge             = errors.New("invalid merge")
	ErrClosed                   = errors.New("store is closed")
)

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Category pattern.Category
	Status   pattern.Status

	// MatchableOnly returns enabled, non-deprecated, non-merged patterns.
	MatchableOnly bool

	// WithEmbedding returns only patterns that have an embedding.
	WithEmbedding bool

	// UnusedSince returns patterns whose last use (or creation, if never used)
	// is at or before this time.
	UnusedSince *time.Time

	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	PatternID      string
	ConversationID string
	UnresolvedOnly bool
	Limit          int
}

// TemplateUpdate changes the non-guarded fields of a pattern. Nil fields are left alone.
type TemplateUpdate struct {
	ResponseTemplate *string
	Action           *pattern.Action
	ClearAction      bool
	Category         *pattern.Category
	Enabled          *bool

	// GoldStandard marks the pattern as backed by a flagged exemplar. It can
	// only be set, never cleared.
	GoldStandard bool
}

// ConfidenceUpdate is the guarded state applied by CompareAndSwap.
type ConfidenceUpdate struct {
	Confidence     float64
	AutoExecutable bool
	Status         pattern.Status

	// SuccessDelta and FailureDelta are added to the pattern's counters.
	SuccessDelta int64
	FailureDelta int64

	// Resolve, when set, resolves an execution record in the same write. The
	// swap fails with ErrAlreadyResolved, changing nothing, if the record was
	// resolved already.
	Resolve *Resolution
}

// Resolution is an execution outcome written together with a confidence swap.
type Resolution struct {
	ExecutionID string
	Outcome     pattern.Outcome
	At          time.Time
}

// Counts summarizes the store for status reporting.
type Counts struct {
	Patterns            int64 `json:"patterns"`
	Matchable           int64 `json:"matchable"`
	AutoExecutable      int64 `json:"auto_executable"`
	Verified            int64 `json:"verified"`
	Deprecated          int64 `json:"deprecated"`
	Executions          int64 `json:"executions"`
	Unresolved          int64 `json:"unresolved"`
	GoldStandard        int64 `json:"gold_standard"`
	ActiveConversations int64 `json:"active_conversations"`
	ActiveExperiments   int64 `json:"active_experiments"`
}

// PatternReader is the read side of the pattern store.
type PatternReader interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)

	// GetBySignature returns the matchable pattern with the given signature.
	GetBySignature(ctx context.Context, signature string) (*pattern.Pattern, error)

	List(ctx context.Context, f ListFilter) ([]*pattern.Pattern, error)
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*pattern.ExecutionRecord, error)

	// ListGoldStandard returns current (not superseded) gold-standard rows, newest first.
	ListGoldStandard(ctx context.Context, limit int) ([]*pattern.GoldStandard, error)

	Counts(ctx context.Context) (Counts, error)
}

// PatternWriter is the non-privileged write side. Nothing here can change
// confidence, auto-executable or status.
type PatternWriter interface {
	Create(ctx context.Context, p *pattern.Pattern) error
	UpdateTemplates(ctx context.Context, id string, u TemplateUpdate) (*pattern.Pattern, error)
	SetEmbedding(ctx context.Context, id string, vec []float32) error

	// MarkUsed increments usage_count and sets last_used_at.
	MarkUsed(ctx context.Context, id string, at time.Time) error

	RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error

	// UpdateExecutionAction rewrites what was done for a recorded execution,
	// used once an effect recorded ahead of time has succeeded or failed.
	UpdateExecutionAction(ctx context.Context, id string, taken pattern.ActionTaken, reason string) error

	// ResolveExecution back-fills the outcome of an unresolved record.
	// A record can be resolved once; later calls return ErrAlreadyResolved.
	ResolveExecution(ctx context.Context, id string, outcome pattern.Outcome, at time.Time) (*pattern.ExecutionRecord, error)

	// FlagGoldStandard stores a new gold-standard row and supersedes any current
	// row for the same conversation.
	FlagGoldStandard(ctx context.Context, gs *pattern.GoldStandard) error
}

// ConfidenceWriter is the privileged mutator of guarded pattern state.
type ConfidenceWriter interface {
	// CompareAndSwap applies u only if the pattern's version equals expectedVersion,
	// bumping the version. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, u ConfidenceUpdate) (*pattern.Pattern, error)

	// MergeInto folds duplicateID into canonicalID: executions and counters move
	// to the canonical pattern and the duplicate is deprecated.
	MergeInto(ctx context.Context, canonicalID, duplicateID string) error
}

// ConversationRepository persists conversation state. Only the conversation
// package writes through it.
type ConversationRepository interface {
	// LoadActiveConversation returns the non-closed state for a conversation.
	LoadActiveConversation(ctx context.Context, conversationID string) (*pattern.ConversationState, error)

	// SaveConversation inserts a state with Version 0 or updates one whose stored
	// version equals st.Version. On success st.Version is incremented.
	SaveConversation(ctx context.Context, st *pattern.ConversationState) error

	// ListExpiredConfirmations returns states awaiting confirmation with expires_at <= now.
	ListExpiredConfirmations(ctx context.Context, now time.Time) ([]*pattern.ConversationState, error)

	// ListIdleConversations returns active states with no activity since before.
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*pattern.ConversationState, error)

	// EnqueueEvent defers an event that could not acquire the conversation lock.
	EnqueueEvent(ctx context.Context, conversationID string, payload []byte) error

	// PendingEvents returns deferred events in arrival order without removing them.
	PendingEvents(ctx context.Context, conversationID string) ([]DeferredEvent, error)

	// AckEvent removes one deferred event once it has been replayed.
	AckEvent(ctx context.Context, conversationID string, seq int64) error

	// ListQueuedConversations returns conversations with deferred events,
	// oldest first.
	ListQueuedConversations(ctx context.Context, limit int) ([]string, error)
}

// DeferredEvent is a queued event payload. Seq orders events and identifies
// the row to acknowledge.
type DeferredEvent struct {
	Seq     int64
	Payload []byte
}

// ExperimentRepository persists A/B experiments.
type ExperimentRepository interface {
	// SaveExperiment inserts or replaces an experiment.
	SaveExperiment(ctx context.Context, e *pattern.Experiment) error

	// ActiveExperiment returns the running experiment for a pattern.
	ActiveExperiment(ctx context.Context, patternID string) (*pattern.Experiment, error)

	ListActiveExperiments(ctx context.Context) ([]*pattern.Experiment, error)

	// RecordVariantOutcome adds one trial to a variant.
	RecordVariantOutcome(ctx context.Context, experimentID, variant string, success bool) error
}

// Store is the non-privileged store handed to most components.
type Store interface {
	PatternReader
	PatternWriter
	ConversationRepository
	ExperimentRepository
	Close() error
}

// Privileged adds the confidence mutators.
type Privileged interface {
	Store
	ConfidenceWriter
}
