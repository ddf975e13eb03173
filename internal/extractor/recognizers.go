package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Placeholders substituted into canonical text.
const (
	placeholderNumber   = "<number>"
	placeholderTime     = "<time>"
	placeholderDate     = "<date>"
	placeholderLocation = "<location>"
	placeholderName     = "<name>"
)

var (
	reISODate   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	reSlashDate = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`)
	reRelDate   = regexp.MustCompile(`\b(today|tonight|tomorrow)\b`)
	reWeekday   = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)

	reClock     = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?:\s?(am|pm))?\b`)
	reMeridiem  = regexp.MustCompile(`\b(\d{1,2})\s?(am|pm)\b`)
	reNamedTime = regexp.MustCompile(`\b(noon|midnight)\b`)

	reIdentifier = regexp.MustCompile(`\b(bay|box|simulator|sim|room|door|court|lane|table|locker|booking|order)\s?#?(\d{1,6})\b`)
	reHashNumber = regexp.MustCompile(`#(\d{1,6})\b`)

	reIntroName  = regexp.MustCompile(`\b(?:[Mm]y name is|[Mm]y name's|[Tt]his is|[Ii]t's|[Ii]t is)\s+([A-Z][a-zA-Z'-]+)`)
	reSignOff    = regexp.MustCompile(`(?:^|\s)[-–—~]\s*([A-Z][a-zA-Z'-]+)\s*$`)
	rePlaceAfter = regexp.MustCompile(`\b(?:at|in)\s+(?:[Tt]he\s+)?([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// notProperNouns are capitalized words that are never names or places.
var notProperNouns = map[string]bool{
	"i": true, "the": true, "a": true, "an": true, "it": true, "we": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true, "may": true,
	"june": true, "july": true, "august": true, "september": true, "october": true,
	"november": true, "december": true, "bay": true, "box": true, "simulator": true,
	"not": true, "working": true, "broken": true, "frozen": true, "here": true,
}

var identifierAliases = map[string]string{"sim": "simulator"}

// collector accumulates entities, suffixing repeated names (bay, bay_2, ...).
type collector struct {
	entities Entities
}

func (c *collector) add(name string, e Entity) {
	key := name
	for n := 2; ; n++ {
		if _, taken := c.entities[key]; !taken {
			break
		}
		key = fmt.Sprintf("%s_%d", name, n)
	}
	c.entities[key] = e
}

// substitute replaces every match of re for which fn returns ok.
func substitute(s string, re *regexp.Regexp, fn func(groups []string) (string, bool)) string {
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		groups := make([]string, len(loc)/2)
		for g := range groups {
			if loc[2*g] >= 0 {
				groups[g] = s[loc[2*g]:loc[2*g+1]]
			}
		}
		repl, ok := fn(groups)
		if !ok {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(repl)
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// extractDates recognizes calendar dates in normalized text.
func extractDates(s string, now time.Time, c *collector) string {
	s = substitute(s, reISODate, func(g []string) (string, bool) {
		y, _ := strconv.Atoi(g[1])
		m, _ := strconv.Atoi(g[2])
		d, _ := strconv.Atoi(g[3])
		date, ok := makeDate(y, m, d, now.Location())
		if !ok {
			return "", false
		}
		c.add("date", Entity{Type: EntityDate, Value: date.Format(dateLayout), Raw: g[0], Source: "rule"})
		return placeholderDate, true
	})
	s = substitute(s, reSlashDate, func(g []string) (string, bool) {
		m, _ := strconv.Atoi(g[1])
		d, _ := strconv.Atoi(g[2])
		y := now.Year()
		if g[3] != "" {
			y, _ = strconv.Atoi(g[3])
			if y < 100 {
				y += 2000
			}
		}
		date, ok := makeDate(y, m, d, now.Location())
		if !ok {
			return "", false
		}
		c.add("date", Entity{Type: EntityDate, Value: date.Format(dateLayout), Raw: g[0], Source: "rule"})
		return placeholderDate, true
	})
	s = substitute(s, reRelDate, func(g []string) (string, bool) {
		date := now
		if g[1] == "tomorrow" {
			date = now.AddDate(0, 0, 1)
		}
		c.add("date", Entity{Type: EntityDate, Value: date.Format(dateLayout), Raw: g[0], Source: "rule"})
		return placeholderDate, true
	})
	s = substitute(s, reWeekday, func(g []string) (string, bool) {
		ahead := (int(weekdays[g[1]]) - int(now.Weekday()) + 7) % 7
		date := now.AddDate(0, 0, ahead)
		c.add("date", Entity{Type: EntityDate, Value: date.Format(dateLayout), Raw: g[0], Source: "rule"})
		return placeholderDate, true
	})
	return s
}

const dateLayout = "2006-01-02"

func makeDate(y, m, d int, loc *time.Location) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	if t.Month() != time.Month(m) || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// clock converts an hour, minute and optional meridiem into "15:04".
func clock(hour, minute int, meridiem string) (string, bool) {
	if minute < 0 || minute > 59 {
		return "", false
	}
	switch meridiem {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return "", false
		}
		hour %= 12
		if meridiem == "pm" {
			hour += 12
		}
	default:
		if hour < 0 || hour > 23 {
			return "", false
		}
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// ParseClock parses a free-form time ("3pm", "15:30", "3:30 pm", "noon").
func ParseClock(s string) (string, bool) {
	c := &collector{entities: Entities{}}
	extractTimes(Normalize(s), c)
	if e, ok := c.entities["time"]; ok {
		return e.Value.(string), true
	}
	return "", false
}

// extractTimes recognizes clock times in normalized text.
func extractTimes(s string, c *collector) string {
	s = substitute(s, reClock, func(g []string) (string, bool) {
		h, _ := strconv.Atoi(g[1])
		m, _ := strconv.Atoi(g[2])
		v, ok := clock(h, m, g[3])
		if !ok {
			return "", false
		}
		c.add("time", Entity{Type: EntityTime, Value: v, Raw: g[0], Source: "rule"})
		return placeholderTime, true
	})
	s = substitute(s, reMeridiem, func(g []string) (string, bool) {
		h, _ := strconv.Atoi(g[1])
		v, ok := clock(h, 0, g[2])
		if !ok {
			return "", false
		}
		c.add("time", Entity{Type: EntityTime, Value: v, Raw: g[0], Source: "rule"})
		return placeholderTime, true
	})
	s = substitute(s, reNamedTime, func(g []string) (string, bool) {
		v := "12:00"
		if g[1] == "midnight" {
			v = "00:00"
		}
		c.add("time", Entity{Type: EntityTime, Value: v, Raw: g[0], Source: "rule"})
		return placeholderTime, true
	})
	return s
}

// extractIdentifiers recognizes numbered things ("bay 4", "box #12").
// The noun stays in the canonical text so "bay 3" and "door 3" differ.
func extractIdentifiers(s string, c *collector) string {
	s = substitute(s, reIdentifier, func(g []string) (string, bool) {
		n, err := strconv.Atoi(g[2])
		if err != nil {
			return "", false
		}
		noun := g[1]
		if alias, ok := identifierAliases[noun]; ok {
			noun = alias
		}
		c.add(noun, Entity{Type: EntityNumber, Value: n, Raw: g[0], Source: "rule"})
		return g[1] + " " + placeholderNumber, true
	})
	s = substitute(s, reHashNumber, func(g []string) (string, bool) {
		n, err := strconv.Atoi(g[1])
		if err != nil {
			return "", false
		}
		c.add("number", Entity{Type: EntityNumber, Value: n, Raw: g[0], Source: "rule"})
		return placeholderNumber, true
	})
	return s
}

// properNoun validates a capitalized candidate taken from the raw text.
func properNoun(candidate string) (string, bool) {
	words := strings.Fields(candidate)
	kept := words[:0]
	for _, w := range words {
		if notProperNouns[strings.ToLower(w)] {
			break
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, " "), true
}

// extractNames recognizes personal names in the raw (cased) text.
func extractNames(raw string, c *collector) []string {
	var found []string
	for _, re := range []*regexp.Regexp{reIntroName, reSignOff} {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			name, ok := properNoun(m[1])
			if !ok {
				continue
			}
			c.add("name", Entity{Type: EntityName, Value: name, Raw: m[0], Source: "rule"})
			found = append(found, name)
		}
	}
	return found
}

// extractLocations recognizes configured location names anywhere and
// capitalized places after "at" or "in".
func extractLocations(raw, normalized string, known []string, c *collector) []string {
	var found []string
	seen := map[string]bool{}
	for _, loc := range known {
		n := Normalize(loc)
		if n == "" || seen[n] {
			continue
		}
		if containsWords(normalized, n) {
			seen[n] = true
			c.add("location", Entity{Type: EntityLocation, Value: loc, Raw: n, Source: "rule"})
			found = append(found, loc)
		}
	}
	for _, m := range rePlaceAfter.FindAllStringSubmatch(raw, -1) {
		place, ok := properNoun(m[1])
		if !ok || seen[Normalize(place)] {
			continue
		}
		seen[Normalize(place)] = true
		c.add("location", Entity{Type: EntityLocation, Value: place, Raw: m[0], Source: "rule"})
		found = append(found, place)
	}
	return found
}

func containsWords(haystack, needle string) bool {
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

// replaceWords substitutes whole-word occurrences of value in canonical text.
func replaceWords(canonical, value, placeholder string) string {
	n := Normalize(value)
	if n == "" {
		return canonical
	}
	padded := strings.ReplaceAll(" "+canonical+" ", " "+n+" ", " "+placeholder+" ")
	return strings.TrimSpace(padded)
}
