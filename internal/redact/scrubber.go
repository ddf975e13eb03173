// Package redact detects and removes secrets from operator-authored text
// before it can become a learned response template.
//
// Detection combines the gitleaks ruleset with local rules for secrets that
// show up in conversation rather than in code: door codes, card numbers and
// passwords spelled out in prose.
package redact

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRegex indicates a rule or allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// DefaultMarker replaces each redacted span.
const DefaultMarker = "[REDACTED]"

// Finding locates a detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Result is the outcome of a scrub.
type Result struct {
	// Text is the input with every finding replaced by the marker.
	Text     string    `json:"text"`
	Findings []Finding `json:"findings,omitempty"`
}

// Found reports whether anything was redacted.
func (r Result) Found() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rule ids that fired, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Options configures a Scrubber.
type Options struct {
	// Rules are the local rules. Nil means DefaultRules.
	Rules []Rule

	// Allowlist suppresses matching findings from both rule sets.
	Allowlist *Allowlist

	// DisableGitleaks skips the gitleaks ruleset.
	DisableGitleaks bool

	// Marker replaces redacted spans. Default DefaultMarker.
	Marker string

	Logger *zap.Logger
}

// Scrubber redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	rules  []*compiledRule
	allow  []*regexp.Regexp
	stop   []string
	marker string
	logger *zap.Logger

	// gitleaks detectors are not documented as concurrency-safe.
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a Scrubber.
func New(opts Options) (*Scrubber, error) {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	if opts.Allowlist == nil {
		opts.Allowlist = &Allowlist{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rules, err := compileRules(opts.Rules)
	if err != nil {
		return nil, err
	}
	s := &Scrubber{
		rules:  rules,
		stop:   opts.Allowlist.StopWords,
		marker: opts.Marker,
		logger: logger,
	}
	for _, p := range opts.Allowlist.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		s.allow = append(s.allow, re)
	}

	if !opts.DisableGitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("creating gitleaks detector: %w", err)
		}
		applyAllowlist(&d.Config, s.allow, s.stop)
		s.detector = d
	}
	return s, nil
}

// Scrub redacts every finding from text.
func (s *Scrubber) Scrub(text string) Result {
	var spans []Finding
	if s.detector != nil {
		spans = append(spans, s.gitleaks(text)...)
	}
	for _, r := range s.rules {
		if !r.applies(text) {
			continue
		}
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, Finding{RuleID: r.ID, Description: r.Description, Start: m[0], End: m[1]})
		}
	}
	if len(spans) == 0 {
		return Result{Text: text}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	var b strings.Builder
	cursor := 0
	for _, f := range mergeSpans(spans) {
		b.WriteString(text[cursor:f.Start])
		b.WriteString(s.marker)
		cursor = f.End
	}
	b.WriteString(text[cursor:])

	s.logger.Debug("redacted secrets", zap.Int("findings", len(spans)))
	return Result{Text: b.String(), Findings: spans}
}

// gitleaks runs the gitleaks ruleset and locates each reported secret in text.
func (s *Scrubber) gitleaks(text string) []Finding {
	s.mu.Lock()
	found := s.detector.DetectString(text)
	s.mu.Unlock()

	var out []Finding
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.allowed(secret) {
			continue
		}
		for from := 0; ; {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, Finding{RuleID: f.RuleID, Description: f.Description, Start: start, End: start + len(secret)})
			from = start + len(secret)
		}
	}
	return out
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	lower := strings.ToLower(match)
	for _, w := range s.stop {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// mergeSpans collapses overlapping spans. Input must be sorted by Start.
func mergeSpans(spans []Finding) []Finding {
	merged := []Finding{spans[0]}
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.Start <= last.End {
			if cur.End > last.End {
				last.End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

func applyAllowlist(cfg *gitleaksConfig.Config, regexes []*regexp.Regexp, stop []string) {
	if len(regexes) == 0 && len(stop) == 0 {
		return
	}
	al := &gitleaksConfig.Allowlist{Description: "patternd allowlist"}
	for _, re := range regexes {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	al.StopWords = append(al.StopWords, stop...)
	cfg.Allowlists = append(cfg.Allowlists, al)
}
