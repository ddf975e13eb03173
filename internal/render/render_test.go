package render

import (
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	entities := map[string]any{
		"bay":  "3",
		"time": "15:30",
		"date": "2024-05-01",
		"name": "jordan smith",
		"n":    7,
	}
	context := map[string]any{
		"customer": map[string]any{"name": "Jordan", "tier": map[string]string{"level": "gold"}},
		"bay":      "9",
		"location": "Downtown",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "Hello there", "Hello there"},
		{"entity wins over context", "Bay {{bay}}", "Bay 3"},
		{"context fallback", "At {{location}}", "At Downtown"},
		{"nested", "Hi {{customer.name}}", "Hi Jordan"},
		{"nested string map", "{{customer.tier.level}}", "gold"},
		{"default used", "Hi {{nickname|friend}}", "Hi friend"},
		{"default ignored", "Bay {{bay|unknown}}", "Bay 3"},
		{"empty default", "Hi{{nickname|}}!", "Hi!"},
		{"time format", "See you at {{time|format:time}}", "See you at 3:30 PM"},
		{"time kitchen", "{{time|format:time:kitchen}}", "3:30PM"},
		{"date format", "{{date|format:date}}", "May 1"},
		{"date layout", "{{date|format:date:Monday}}", "Wednesday"},
		{"upper", "{{location|format:upper}}", "DOWNTOWN"},
		{"title", "{{name|format:title}}", "Jordan Smith"},
		{"number verb", "#{{n|format:number:%03d}}", "#007"},
		{"number plain", "{{n|format:number}}", "7"},
		{"number precision", "{{n|format:number:%.2f}}", "7.00"},
		{"whitespace in braces", "Bay {{ bay }}", "Bay 3"},
		{"repeated", "{{bay}}/{{bay}}", "3/3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, entities, context)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_MissingVariableFailsWhole(t *testing.T) {
	got, err := Render("Bay {{bay}} will reset at {{time}}", map[string]any{"bay": "3"}, nil)

	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "time", missing.Name)
	assert.Empty(t, got, "partial output must never be returned")
}

func TestRender_FirstMissingNamed(t *testing.T) {
	_, err := Render("{{a}} {{b}}", nil, nil)
	var missing *MissingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "a", missing.Name)
}

func TestRender_NilValueIsMissing(t *testing.T) {
	_, err := Render("{{x}}", map[string]any{"x": nil}, nil)
	var missing *MissingVariableError
	assert.ErrorAs(t, err, &missing)
}

func TestRender_Idempotent(t *testing.T) {
	tmpl := "Bay {{bay}} at {{time|format:time}} for {{customer.name|guest}}"
	entities := map[string]any{"bay": 4, "time": "09:05"}
	first, err := Render(tmpl, entities, nil)
	require.NoError(t, err)
	second, err := Render(tmpl, entities, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "Bay 4 at 9:05 AM for guest", first)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		tmpl string
		want error
	}{
		{"Hello {{name", ErrMalformedTemplate},
		{"Hello name}}", ErrMalformedTemplate},
		{"{{}}", ErrMalformedTemplate},
		{"{{a {{b}}", ErrMalformedTemplate},
		{"{{first name}}", ErrMalformedTemplate},
		{"{{x|format:rot13}}", ErrUnknownFormat},
		{"{{x|format:number:abc}}", ErrUnknownFormat},
		{"{{x|format:number:%s}}", ErrUnknownFormat},
		{"{{x|format:number:%v}}", ErrUnknownFormat},
		{"{{x|format:number:%T}}", ErrUnknownFormat},
		{"{{x|format:number:%d%d}}", ErrUnknownFormat},
		{"{{x|format:number:%.2f dollars}}", ErrUnknownFormat},
		{"{{x|format:number:%*d}}", ErrUnknownFormat},
		{"{{x|format:upper:loud}}", ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			_, err := Parse(tt.tmpl)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRender_FormatValueErrors(t *testing.T) {
	_, err := Render("{{x|format:time}}", map[string]any{"x": "soonish"}, nil)
	assert.ErrorIs(t, err, ErrFormatValue)

	_, err = Render("{{x|format:number}}", map[string]any{"x": "many"}, nil)
	assert.ErrorIs(t, err, ErrFormatValue)
}

func TestRender_TimeValue(t *testing.T) {
	at := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	got, err := Render("{{t|format:time:24h}} on {{t|format:date:iso}}", map[string]any{"t": at}, nil)
	require.NoError(t, err)
	assert.Equal(t, "18:00 on 2024-05-01", got)
}

func TestVariables(t *testing.T) {
	vars, err := Variables("{{bay}} at {{time|format:time}} {{bay}} {{customer.name|there}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"bay", "time", "customer.name"}, vars)

	tmpl, err := Parse("{{bay}} {{x|d}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"bay"}, tmpl.Required())
}

func TestRenderAction(t *testing.T) {
	a := pattern.Action{Type: pattern.ActionResetDevice, ResetDevice: &pattern.ResetDeviceParams{Location: "{{location}}", Device: "bay {{bay}}"}}

	out, err := RenderAction(a, map[string]any{"bay": "2"}, map[string]any{"location": "north"})
	require.NoError(t, err)
	assert.Equal(t, "north", out.ResetDevice.Location)
	assert.Equal(t, "bay 2", out.ResetDevice.Device)
	assert.Equal(t, "{{location}}", a.ResetDevice.Location)

	_, err = RenderAction(a, map[string]any{"bay": "2"}, nil)
	var missing *MissingVariableError
	assert.ErrorAs(t, err, &missing)
}

func TestRenderAction_RenderedParamsValidated(t *testing.T) {
	a := pattern.Action{Type: pattern.ActionSendLink, SendLink: &pattern.SendLinkParams{URL: "{{link|}}"}}
	_, err := RenderAction(a, nil, nil)
	assert.ErrorIs(t, err, pattern.ErrInvalidParams)
}

func TestFormatNumber_RejectsNonNumericVerbs(t *testing.T) {
	for _, verb := range []string{"%s", "%v", "%q", "%p", "%d%s", "%w"} {
		_, err := formatNumber(3.5, verb)
		assert.ErrorIs(t, err, ErrUnknownFormat, verb)
	}
	got, err := formatNumber(3.5, "%+08.3f")
	require.NoError(t, err)
	assert.Equal(t, "+003.500", got)
}
