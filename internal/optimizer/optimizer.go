// Package optimizer runs the background maintenance passes over the pattern
// store: confidence decay for unused patterns, merging of near-duplicate
// patterns, and promotion of A/B experiment winners.
//
// Passes never run on the request path. Every pass isolates failures per
// item: an error on one pattern is logged and recorded in the PassResult,
// and the pass moves on to the next item.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/render"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("patternd.optimizer")

// Pass names.
const (
	PassDecay      = "decay"
	PassMerge      = "merge"
	PassExperiment = "experiment"
)

// listBatch is the page size for store scans.
const listBatch = 500

// ErrNoExperiment is returned when a pattern has no running experiment.
var ErrNoExperiment = errors.New("no active experiment")

// Store is the privileged store slice the optimizer needs.
type Store interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)
	List(ctx context.Context, f store.ListFilter) ([]*pattern.Pattern, error)
	UpdateTemplates(ctx context.Context, id string, u store.TemplateUpdate) (*pattern.Pattern, error)
	MergeInto(ctx context.Context, canonicalID, duplicateID string) error

	SaveExperiment(ctx context.Context, e *pattern.Experiment) error
	ActiveExperiment(ctx context.Context, patternID string) (*pattern.Experiment, error)
	ListActiveExperiments(ctx context.Context) ([]*pattern.Experiment, error)
	RecordVariantOutcome(ctx context.Context, experimentID, variant string, success bool) error
}

// Decayer applies one decay step. Implemented by the confidence engine.
type Decayer interface {
	Decay(ctx context.Context, patternID string, now time.Time) (*pattern.Pattern, bool, error)
}

// thresholdSource is implemented by decayers that own the decay window.
type thresholdSource interface {
	Thresholds() pattern.Thresholds
}

// Options configures an Optimizer.
type Options struct {
	// DecayWindow is the inactivity period before decay applies. Zero takes
	// the decayer's window when it exposes Thresholds, else 30 days.
	DecayWindow time.Duration

	// MergeThreshold is the minimum embedding cosine for a merge. Default 0.92.
	MergeThreshold float64

	// ExperimentFraction is the share of traffic routed to a challenger. Default 0.2.
	ExperimentFraction float64

	// MinSamples is the minimum trials per arm before a winner is chosen. Default 30.
	MinSamples int64

	// MinLift is the success-rate gap required to promote an arm. Default 0.05.
	MinLift float64

	// MaxSamples closes an inconclusive experiment once both arms reach it,
	// keeping the control. Default 10 x MinSamples.
	MaxSamples int64

	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// SkippedItem is an item a pass could not process.
type SkippedItem struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// PassResult summarizes one pass.
type PassResult struct {
	Pass      string        `json:"pass"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Skipped   []SkippedItem `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Optimizer runs maintenance passes.
type Optimizer struct {
	store   Store
	decayer Decayer
	index   vectorindex.Index
	opts    Options
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Optimizer. index may be nil when no semantic index is used.
func New(s Store, d Decayer, index vectorindex.Index, opts Options) (*Optimizer, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("decayer cannot be nil")
	}
	if opts.DecayWindow <= 0 {
		if ts, ok := d.(thresholdSource); ok {
			opts.DecayWindow = ts.Thresholds().DecayWindow
		}
	}
	if opts.DecayWindow <= 0 {
		opts.DecayWindow = pattern.DefaultThresholds().DecayWindow
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = 0.92
	}
	if opts.ExperimentFraction <= 0 || opts.ExperimentFraction >= 1 {
		opts.ExperimentFraction = 0.2
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 30
	}
	if opts.MinLift <= 0 {
		opts.MinLift = 0.05
	}
	if opts.MaxSamples < opts.MinSamples {
		opts.MaxSamples = 10 * opts.MinSamples
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		store:   s,
		decayer: d,
		index:   index,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger,
		now:     opts.Now,
	}, nil
}

// RunAll runs the decay, merge and experiment passes in order. A pass that
// cannot list its inputs does not stop the others; the errors are joined.
func (o *Optimizer) RunAll(ctx context.Context) ([]PassResult, error) {
	now := o.now()
	var results []PassResult
	var errs []error
	for _, run := range []func(context.Context) (*PassResult, error){
		func(ctx context.Context) (*PassResult, error) { return o.DecayPass(ctx, now) },
		o.MergePass,
		func(ctx context.Context) (*PassResult, error) { return o.ExperimentPass(ctx, now) },
	} {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r, err := run(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, *r)
	}
	return results, errors.Join(errs...)
}

// DecayPass applies one decay step to every live pattern unused for the decay window.
func (o *Optimizer) DecayPass(ctx context.Context, now time.Time) (*PassResult, error) {
	ctx, span := tracer.Start(ctx, "optimizer.DecayPass")
	defer span.End()

	res := &PassResult{Pass: PassDecay}
	start := time.Now()
	cutoff := now.Add(-o.opts.DecayWindow)

	for offset := 0; ; offset += listBatch {
		batch, err := o.store.List(ctx, store.ListFilter{UnusedSince: &cutoff, Limit: listBatch, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing unused patterns: %w", err)
		}
		for _, p := range batch {
			if p.Status == pattern.StatusDeprecated {
				continue
			}
			res.Processed++
			_, changed, err := o.decayer.Decay(ctx, p.ID, now)
			if err != nil {
				o.skip(res, p.ID, err)
				continue
			}
			if changed {
				res.Changed++
			}
		}
		if len(batch) < listBatch {
			break
		}
	}

	o.finish(res, start)
	span.SetAttributes(attribute.Int("changed", res.Changed))
	return res, nil
}

// MergePass folds near-duplicate patterns into a canonical one. Candidates
// are live patterns with embeddings; a pair merges when their cosine is at
// least MergeThreshold and their templates are compatible. The canonical
// pattern keeps its id and receives the duplicate's executions and counters.
func (o *Optimizer) MergePass(ctx context.Context) (*PassResult, error) {
	ctx, span := tracer.Start(ctx, "optimizer.MergePass")
	defer span.End()

	res := &PassResult{Pass: PassMerge}
	start := time.Now()

	var all []*pattern.Pattern
	for offset := 0; ; offset += listBatch {
		batch, err := o.store.List(ctx, store.ListFilter{MatchableOnly: true, WithEmbedding: true, Limit: listBatch, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing merge candidates: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < listBatch {
			break
		}
	}

	// Best first, so the earlier pattern of any pair is the canonical one.
	sort.SliceStable(all, func(i, j int) bool { return preferred(all[i], all[j]) })

	shapes := make([]*shape, len(all))
	for i, p := range all {
		s, err := shapeOf(p)
		if err != nil {
			o.skip(res, p.ID, err)
			continue
		}
		shapes[i] = s
	}

	merged := make(map[string]bool)
	for i, canon := range all {
		if merged[canon.ID] || shapes[i] == nil {
			continue
		}
		res.Processed++
		for j := i + 1; j < len(all); j++ {
			dup := all[j]
			if merged[dup.ID] || shapes[j] == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sim := vectorindex.Cosine(canon.Embedding, dup.Embedding)
			if sim < o.opts.MergeThreshold || !shapes[i].compatible(shapes[j]) {
				continue
			}
			if err := o.store.MergeInto(ctx, canon.ID, dup.ID); err != nil {
				o.skip(res, dup.ID, fmt.Errorf("merging into %s: %w", canon.ID, err))
				continue
			}
			merged[dup.ID] = true
			res.Changed++
			o.logger.Info("merged duplicate pattern",
				zap.String("canonical_id", canon.ID),
				zap.String("duplicate_id", dup.ID),
				zap.Float64("similarity", sim))

			if o.index != nil {
				if err := o.index.Delete(ctx, dup.ID); err != nil {
					o.logger.Warn("failed to remove merged pattern from index",
						zap.String("pattern_id", dup.ID),
						zap.Error(err))
				}
			}
		}
	}

	o.finish(res, start)
	span.SetAttributes(attribute.Int("changed", res.Changed))
	return res, nil
}

// preferred reports whether a should be canonical over b: higher confidence,
// then gold-standard origin, then older, then lower id.
func preferred(a, b *pattern.Pattern) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.FromGoldStandard != b.FromGoldStandard {
		return a.FromGoldStandard
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// shape is what two patterns must share to be merged.
type shape struct {
	category pattern.Category
	action   pattern.ActionType
	vars     []string
}

func shapeOf(p *pattern.Pattern) (*shape, error) {
	vars, err := render.Variables(p.ResponseTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	s := &shape{category: p.Category, action: pattern.ActionNone}
	if p.HasAction() {
		s.action = p.Action.Type
		_, err := p.Action.TransformStrings(func(v string) (string, error) {
			names, err := render.Variables(v)
			vars = append(vars, names...)
			return v, err
		})
		if err != nil {
			return nil, fmt.Errorf("parsing action: %w", err)
		}
	}
	slices.Sort(vars)
	s.vars = slices.Compact(vars)
	return s, nil
}

func (s *shape) compatible(other *shape) bool {
	return s.category == other.category &&
		s.action == other.action &&
		slices.Equal(s.vars, other.vars)
}

func (o *Optimizer) skip(res *PassResult, id string, err error) {
	res.Skipped = append(res.Skipped, SkippedItem{ID: id, Err: err.Error()})
	o.logger.Warn("optimizer skipped item",
		zap.String("pass", res.Pass),
		zap.String("id", id),
		zap.Error(err))
}

func (o *Optimizer) finish(res *PassResult, start time.Time) {
	res.Duration = time.Since(start)
	o.metrics.observe(res)
	o.logger.Info("optimizer pass completed",
		zap.String("pass", res.Pass),
		zap.Int("processed", res.Processed),
		zap.Int("changed", res.Changed),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", res.Duration))
}
