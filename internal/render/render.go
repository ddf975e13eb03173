// Package render fills response and action templates.
//
// Placeholders:
//
//	{{name}}               required; rendering fails when name is missing
//	{{name|default}}       literal default when name is missing
//	{{name|format:spec}}   applies a format to the resolved value
//	{{a.b}}                nested lookup through maps
//
// Rendering is total or failed. A partially substituted string is never returned.
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Errors returned while parsing or rendering.
var (
	ErrMalformedTemplate = errors.New("malformed template")
	ErrUnknownFormat     = errors.New("unknown format")
	ErrFormatValue       = errors.New("value cannot be formatted")
)

// MissingVariableError names the first required variable that could not be resolved.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required template variable %q", e.Name)
}

type segment struct {
	literal string

	// Placeholder fields; name is empty for literal segments.
	name       string
	hasDefault bool
	def        string
	format     string
}

// Template is a parsed template.
type Template struct {
	src      string
	segments []segment
}

// Parse validates and parses a template. Unknown formats are rejected here so
// that bad templates fail when they are created, not when they are first used.
func Parse(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if strings.Contains(rest, "}}") {
				return nil, fmt.Errorf("%w: unmatched }}", ErrMalformedTemplate)
			}
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if strings.Contains(rest[:open], "}}") {
			return nil, fmt.Errorf("%w: unmatched }}", ErrMalformedTemplate)
		}
		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated {{", ErrMalformedTemplate)
		}
		seg, err := parsePlaceholder(rest[:end])
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, seg)
		rest = rest[end+2:]
	}
}

func parsePlaceholder(body string) (segment, error) {
	if strings.Contains(body, "{{") {
		return segment{}, fmt.Errorf("%w: nested {{", ErrMalformedTemplate)
	}
	name, mod, hasMod := strings.Cut(body, "|")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return segment{}, fmt.Errorf("%w: invalid variable name %q", ErrMalformedTemplate, name)
	}
	seg := segment{name: name}
	if !hasMod {
		return seg, nil
	}
	if spec, ok := strings.CutPrefix(strings.TrimSpace(mod), "format:"); ok {
		spec = strings.TrimSpace(spec)
		if err := checkFormat(spec); err != nil {
			return segment{}, err
		}
		seg.format = spec
		return seg, nil
	}
	seg.hasDefault = true
	seg.def = mod
	return seg, nil
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.src
}

// Variables lists referenced variable names in first-use order.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.segments {
		if s.name == "" || seen[s.name] {
			continue
		}
		seen[s.name] = true
		out = append(out, s.name)
	}
	return out
}

// Required lists variables that have no default.
func (t *Template) Required() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range t.segments {
		if s.name == "" || s.hasDefault || seen[s.name] {
			continue
		}
		seen[s.name] = true
		out = append(out, s.name)
	}
	return out
}

// Execute renders the template. Entities take precedence over context.
func (t *Template) Execute(entities, context map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(t.src))
	for _, s := range t.segments {
		if s.name == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := lookup(s.name, entities, context)
		if !ok {
			if s.hasDefault {
				b.WriteString(s.def)
				continue
			}
			return "", &MissingVariableError{Name: s.name}
		}
		out, err := formatValue(v, s.format)
		if err != nil {
			return "", fmt.Errorf("variable %q: %w", s.name, err)
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

// Render parses and executes src in one step.
func Render(src string, entities, context map[string]any) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Execute(entities, context)
}

// Variables lists the variable names referenced by src.
func Variables(src string) ([]string, error) {
	t, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return t.Variables(), nil
}

// RenderAction renders every string parameter of a, and validates the result.
// The returned action is a copy; a is not modified.
func RenderAction(a pattern.Action, entities, context map[string]any) (pattern.Action, error) {
	out, err := a.TransformStrings(func(s string) (string, error) {
		return Render(s, entities, context)
	})
	if err != nil {
		return pattern.Action{}, err
	}
	if err := out.Validate(); err != nil {
		return pattern.Action{}, fmt.Errorf("rendered action: %w", err)
	}
	return out, nil
}

// lookup resolves name against each source in order. A literal key wins over
// a dotted path so flattened keys like "customer.name" work too.
func lookup(name string, sources ...map[string]any) (any, bool) {
	for _, src := range sources {
		if src == nil {
			continue
		}
		if v, ok := src[name]; ok && v != nil {
			return v, true
		}
		if strings.Contains(name, ".") {
			if v, ok := walk(src, strings.Split(name, ".")); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func walk(cur any, path []string) (any, bool) {
	for _, key := range path {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
