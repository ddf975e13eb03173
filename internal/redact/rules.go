package redact

import (
	"fmt"
	"regexp"
)

// Rule is a local detection rule applied alongside the gitleaks ruleset.
// Local rules cover conversational secrets gitleaks does not know about,
// such as door codes and card numbers typed by an operator.
type Rule struct {
	ID          string   `koanf:"id" toml:"id"`
	Description string   `koanf:"description" toml:"description"`
	Pattern     string   `koanf:"pattern" toml:"pattern"`
	Keywords    []string `koanf:"keywords" toml:"keywords"`
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultRules returns the built-in local rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "access-code",
			Description: "Door, gate or lockbox access code",
			Pattern:     `(?i)\b(?:(?:door|gate|access|entry|lockbox|alarm|keypad)\s+code|pin(?:\s+code)?)\s*(?:is|:|=)?\s*#?\d{3,8}\b`,
			Keywords:    []string{"code", "pin"},
		},
		{
			ID:          "payment-card",
			Description: "Payment card number",
			Pattern:     `\b\d(?:[ -]?\d){12,18}\b`,
		},
		{
			ID:          "password-phrase",
			Description: "Password shared in prose",
			Pattern:     `(?i)\b(?:password|passcode|passwd|wifi key)\s*(?:is|:|=)\s*\S{4,}`,
			Keywords:    []string{"pass", "wifi"},
		},
		{
			ID:          "generic-secret",
			Description: "Generic secret assignment",
			Pattern:     `(?i)(?:secret|api[_-]?key|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords:    []string{"secret", "key", "token"},
		},
		{
			ID:          "private-key",
			Description: "Private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:          "database-url",
			Description: "Connection string with credentials",
			Pattern:     `(?i)(?:postgres|mysql|mongodb|redis|amqp)://[^:\s]+:[^@\s]+@\S+`,
		},
	}
}

func compileRules(rules []Rule) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w: %v", r.ID, ErrInvalidRegex, err)
		}
		c := &compiledRule{Rule: r, re: re}
		for _, kw := range r.Keywords {
			c.keywords = append(c.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, c)
	}
	return out, nil
}

// applies reports whether the rule's keywords (if any) appear in text.
func (r *compiledRule) applies(text string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}
