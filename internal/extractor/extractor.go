// Package extractor turns raw customer text into a canonical signature and
// typed entities.
//
// Rule-based recognizers run first. The LLM collaborator is consulted only
// when rules are inconclusive, under a short deadline; any failure leaves the
// rule-based result in place, so extraction never blocks message handling.
package extractor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/llm"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"go.uber.org/zap"
)

// ErrEmptyText is returned when text normalizes to nothing.
var ErrEmptyText = errors.New("text is empty after normalization")

const llmInstructions = `Extract facts from this customer support message for a golf simulator facility.
Fields: "name" (the customer's own first name), "location" (facility or branch name),
"bay" (bay or simulator number), "time" (clock time), "date" (calendar date, YYYY-MM-DD).`

// Options configures an Extractor.
type Options struct {
	// Locations are known place names recognized anywhere in a message.
	Locations []string

	// LLM is the fallback collaborator. Nil disables the fallback.
	LLM llm.Extractor

	// LLMTimeout bounds the fallback call. Default 2s.
	LLMTimeout time.Duration

	// ExpectedTypes: the fallback runs when rules found none of these.
	// Default: every entity type, i.e. the fallback runs when rules found nothing.
	ExpectedTypes []EntityType

	// LongText: messages longer than this always consult the fallback. Default 280.
	LongText int

	// Now supplies the reference time for relative dates. Default time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// Result is the extraction of one message.
type Result struct {
	// Normalized is the normalized text, used for embedding.
	Normalized string

	// Canonical is Normalized with entity values replaced by typed placeholders.
	Canonical string

	// Signature is the hash of Canonical.
	Signature string

	Entities Entities
	Category pattern.Category

	// UsedLLM reports whether the fallback contributed entities.
	UsedLLM bool
}

// Context merges the message's entities over prior conversation context.
func (r *Result) Context(prior map[string]any) map[string]any {
	return r.Entities.Merge(prior)
}

// Extractor derives signatures and entities. Safe for concurrent use.
type Extractor struct {
	opts   Options
	logger *zap.Logger
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 2 * time.Second
	}
	if len(opts.ExpectedTypes) == 0 {
		opts.ExpectedTypes = []EntityType{EntityNumber, EntityTime, EntityDate, EntityLocation, EntityName}
	}
	if opts.LongText <= 0 {
		opts.LongText = 280
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{opts: opts, logger: logger}
}

// Extract runs the recognizers over text.
func (x *Extractor) Extract(ctx context.Context, text string) (*Result, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return nil, ErrEmptyText
	}

	c := &collector{entities: Entities{}}
	canonical := x.rules(text, normalized, c)

	res := &Result{
		Normalized: normalized,
		Entities:   c.entities,
		Category:   Categorize(normalized),
	}

	// The signature stays rules-only so it does not depend on LLM availability.
	if x.needsFallback(normalized, c.entities) {
		res.UsedLLM = len(x.fallback(ctx, text, c)) > 0
	}

	res.Canonical = canonical
	res.Signature = Signature(canonical)
	return res, nil
}

// Canonicalize returns the canonical text and signature using rules only.
// The learning path uses it to key patterns without paying for the fallback.
func (x *Extractor) Canonicalize(text string) (canonical, signature string, entities Entities) {
	normalized := Normalize(text)
	c := &collector{entities: Entities{}}
	canonical = x.rules(text, normalized, c)
	return canonical, Signature(canonical), c.entities
}

func (x *Extractor) rules(raw, normalized string, c *collector) string {
	now := x.opts.Now()
	canonical := extractDates(normalized, now, c)
	canonical = extractTimes(canonical, c)
	canonical = extractIdentifiers(canonical, c)
	for _, loc := range extractLocations(raw, normalized, x.opts.Locations, c) {
		canonical = replaceWords(canonical, loc, placeholderLocation)
	}
	for _, name := range extractNames(raw, c) {
		canonical = replaceWords(canonical, name, placeholderName)
	}
	return canonical
}

func (x *Extractor) needsFallback(normalized string, found Entities) bool {
	if x.opts.LLM == nil {
		return false
	}
	if len(normalized) > x.opts.LongText {
		return true
	}
	for _, t := range x.opts.ExpectedTypes {
		if found.Has(t) {
			return false
		}
	}
	return true
}

// fallback consults the LLM and adds entities the rules did not find.
func (x *Extractor) fallback(ctx context.Context, text string, c *collector) []Entity {
	ctx, cancel := context.WithTimeout(ctx, x.opts.LLMTimeout)
	defer cancel()

	fields, err := x.opts.LLM.Extract(ctx, text, llmInstructions)
	if err != nil {
		x.logger.Debug("llm extraction unavailable, using rules only", zap.Error(err))
		return nil
	}

	var added []Entity
	for key, raw := range fields {
		key = strings.ToLower(strings.TrimSpace(key))
		if _, exists := c.entities[key]; exists || key == "" {
			continue
		}
		e, ok := typedEntity(key, raw)
		if !ok {
			continue
		}
		c.entities[key] = e
		added = append(added, e)
	}
	return added
}

// typedEntity converts an LLM-reported field into a typed entity.
func typedEntity(key, raw string) (Entity, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Entity{}, false
	}
	e := Entity{Raw: raw, Source: "llm"}
	switch key {
	case "time":
		v, ok := ParseClock(raw)
		if !ok {
			return Entity{}, false
		}
		e.Type, e.Value = EntityTime, v
	case "date":
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return Entity{}, false
		}
		e.Type, e.Value = EntityDate, t.Format(dateLayout)
	case "name":
		e.Type, e.Value = EntityName, raw
	case "location":
		e.Type, e.Value = EntityLocation, raw
	default:
		if n, err := strconv.Atoi(raw); err == nil {
			e.Type, e.Value = EntityNumber, n
		} else {
			e.Type, e.Value = EntityText, raw
		}
	}
	return e, true
}
