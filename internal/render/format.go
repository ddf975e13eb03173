package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Named layouts accepted by the time and date formats.
var namedLayouts = map[string]string{
	"kitchen": time.Kitchen,
	"12h":     "3:04 PM",
	"24h":     "15:04",
	"iso":     "2006-01-02",
	"short":   "Jan 2",
	"long":    "Monday, January 2",
}

// Layouts tried when a time or date value arrives as a string.
var parseLayouts = []string{
	"15:04",
	"3:04 PM",
	"3:04PM",
	"3:04pm",
	"3pm",
	"3PM",
	time.Kitchen,
	"2006-01-02",
	time.RFC3339,
}

var titleCaser = cases.Title(language.English)

// numberVerb is a single printf verb with optional flags, width and precision.
var numberVerb = regexp.MustCompile(`^%[-+ #0]*[0-9]*(\.[0-9]+)?[dxXobeEfFgG]$`)

func checkFormat(spec string) error {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "upper", "lower", "title":
		if arg != "" {
			return fmt.Errorf("%w: %s takes no argument", ErrUnknownFormat, kind)
		}
		return nil
	case "time", "date":
		return nil
	case "number":
		if arg != "" && !numberVerb.MatchString(arg) {
			return fmt.Errorf("%w: number format %q must be one numeric printf verb", ErrUnknownFormat, arg)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, spec)
}

func formatValue(v any, spec string) (string, error) {
	if spec == "" {
		return stringify(v), nil
	}
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "upper":
		return strings.ToUpper(stringify(v)), nil
	case "lower":
		return strings.ToLower(stringify(v)), nil
	case "title":
		return titleCaser.String(strings.ToLower(stringify(v))), nil
	case "time":
		return formatTime(v, layoutFor(arg, "3:04 PM"))
	case "date":
		return formatTime(v, layoutFor(arg, "Jan 2"))
	case "number":
		return formatNumber(v, arg)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, spec)
}

func layoutFor(arg, fallback string) string {
	if arg == "" {
		return fallback
	}
	if l, ok := namedLayouts[arg]; ok {
		return l
	}
	return arg
}

func formatTime(v any, layout string) (string, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(layout), nil
	case *time.Time:
		if t == nil {
			return "", ErrFormatValue
		}
		return t.Format(layout), nil
	case string:
		s := strings.TrimSpace(t)
		for _, l := range parseLayouts {
			if parsed, err := time.Parse(l, s); err == nil {
				return parsed.Format(layout), nil
			}
		}
		return "", fmt.Errorf("%w: %q is not a time", ErrFormatValue, t)
	}
	return "", fmt.Errorf("%w: %T is not a time", ErrFormatValue, v)
}

func formatNumber(v any, verb string) (string, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case float64:
		f = n
	case float32:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a number", ErrFormatValue, n)
		}
		f = parsed
	default:
		return "", fmt.Errorf("%w: %T is not a number", ErrFormatValue, v)
	}

	integral := f == float64(int64(f))
	if verb == "" {
		if integral {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	if !numberVerb.MatchString(verb) {
		return "", fmt.Errorf("%w: number format %q", ErrUnknownFormat, verb)
	}
	switch verb[len(verb)-1] {
	case 'd', 'x', 'X', 'o', 'b':
		return fmt.Sprintf(verb, int64(f)), nil
	}
	return fmt.Sprintf(verb, f), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
