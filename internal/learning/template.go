package learning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/extractor"
	"github.com/fyrsmithlabs/patternd/internal/render"
)

var (
	reSuffix      = regexp.MustCompile(`_\d+$`)
	reClockInText = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s?(?:am|pm)\b|\b\d{1,2}:\d{2}\b|\b(?:noon|midnight)\b`)
	reMeridiem    = regexp.MustCompile(`(?i)(?:am|pm|noon|midnight)$`)
	reWordChars   = regexp.MustCompile(`[^\pL\pN]+`)
)

// nounAliases lists the spellings an operator may use for an identifier noun.
var nounAliases = map[string][]string{
	"simulator": {"simulator", "sim"},
}

// Generalize turns a literal operator reply into a template by replacing the
// entity values found in the customer message with placeholders. Values the
// operator did not repeat are left alone. The result always parses.
func Generalize(reply string, entities extractor.Entities) (string, error) {
	out := reply
	for _, key := range entities.Names() {
		e := entities[key]
		switch e.Type {
		case extractor.EntityNumber:
			out = generalizeNumber(out, key, e)
		case extractor.EntityTime:
			out = generalizeTime(out, key, e)
		case extractor.EntityDate:
			if v, ok := e.Value.(string); ok && v != "" {
				out = strings.ReplaceAll(out, v, "{{"+key+"}}")
			}
		case extractor.EntityName, extractor.EntityLocation:
			if v, ok := e.Value.(string); ok && v != "" {
				out = replaceWord(out, v, "{{"+key+"}}")
			}
		}
	}
	if _, err := render.Parse(out); err != nil {
		return "", fmt.Errorf("generalized reply does not parse: %w", err)
	}
	return out, nil
}

func generalizeNumber(s, key string, e extractor.Entity) string {
	n, ok := e.Value.(int)
	if !ok {
		return s
	}
	value := strconv.Itoa(n)
	noun := reSuffix.ReplaceAllString(key, "")
	if noun == "number" {
		re := regexp.MustCompile(`#` + value + `\b`)
		return re.ReplaceAllString(s, "#{{"+key+"}}")
	}
	spellings := nounAliases[noun]
	if len(spellings) == 0 {
		spellings = []string{noun}
	}
	words := make([]string, len(spellings))
	for i, w := range spellings {
		words[i] = regexp.QuoteMeta(w)
	}
	re := regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)(\s?#?)` + value + `\b`)
	return re.ReplaceAllString(s, "${1}${2}{{"+key+"}}")
}

// generalizeTime replaces clock times equal to the entity value. Replies that
// spell the time in 12-hour form keep that form through the time format.
func generalizeTime(s, key string, e extractor.Entity) string {
	want, ok := e.Value.(string)
	if !ok {
		return s
	}
	return reClockInText.ReplaceAllStringFunc(s, func(m string) string {
		got, ok := extractor.ParseClock(m)
		if !ok || got != want {
			return m
		}
		if reMeridiem.MatchString(strings.TrimSpace(m)) {
			return "{{" + key + "|format:time}}"
		}
		return "{{" + key + "}}"
	})
}

// replaceWord substitutes whole-word, case-insensitive occurrences of value.
func replaceWord(s, value, placeholder string) string {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(value) + `\b`)
	if err != nil {
		return s
	}
	return re.ReplaceAllLiteralString(s, placeholder)
}

// similarity is the Jaccard index of the word sets of a and b.
func similarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range reWordChars.Split(strings.ToLower(s), -1) {
		if w != "" {
			set[w] = true
		}
	}
	return set
}
