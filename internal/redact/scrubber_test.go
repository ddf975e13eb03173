package redact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localOnly(t *testing.T, opts Options) *Scrubber {
	t.Helper()
	opts.DisableGitleaks = true
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestScrub_LocalRules(t *testing.T) {
	s := localOnly(t, Options{})

	tests := []struct {
		name  string
		input string
		want  string
		rules []string
	}{
		{
			name:  "clean text",
			input: "Resetting bay 3 now, give it two minutes.",
			want:  "Resetting bay 3 now, give it two minutes.",
		},
		{
			name:  "door code",
			input: "The door code is 4821, see you soon.",
			want:  "The [REDACTED], see you soon.",
			rules: []string{"access-code"},
		},
		{
			name:  "pin",
			input: "Use PIN 0042 at the keypad.",
			want:  "Use [REDACTED] at the keypad.",
			rules: []string{"access-code"},
		},
		{
			name:  "card number",
			input: "I charged 4111 1111 1111 1111 for the booking.",
			want:  "I charged [REDACTED] for the booking.",
			rules: []string{"payment-card"},
		},
		{
			name:  "wifi password",
			input: "Wifi password: golfclub2024",
			want:  "Wifi [REDACTED]",
			rules: []string{"password-phrase"},
		},
		{
			name:  "unlock duration is not a code",
			input: "I unlocked door 3 for 30 minutes.",
			want:  "I unlocked door 3 for 30 minutes.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Scrub(tt.input)
			assert.Equal(t, tt.want, res.Text)
			assert.Equal(t, len(tt.rules) > 0, res.Found())
			if len(tt.rules) > 0 {
				assert.Equal(t, tt.rules, res.RuleIDs())
			}
		})
	}
}

func TestScrub_OverlappingFindingsMerge(t *testing.T) {
	s := localOnly(t, Options{Rules: []Rule{
		{ID: "a", Pattern: `abc\d+`},
		{ID: "b", Pattern: `\d+xyz`},
	}})
	res := s.Scrub("key abc123xyz end")
	assert.Equal(t, "key [REDACTED] end", res.Text)
	assert.Len(t, res.Findings, 2)
	assert.Equal(t, []string{"a", "b"}, res.RuleIDs())
}

func TestScrub_CustomMarker(t *testing.T) {
	s := localOnly(t, Options{Marker: "***"})
	assert.Equal(t, "The *** today.", s.Scrub("The gate code 5512 today.").Text)
}

func TestScrub_Allowlist(t *testing.T) {
	s := localOnly(t, Options{Allowlist: &Allowlist{
		Regexes:   []string{`4111 1111 1111 1111`},
		StopWords: []string{"example"},
	}})
	assert.False(t, s.Scrub("Test card 4111 1111 1111 1111 works.").Found())
	assert.False(t, s.Scrub("password: example-only").Found())
	assert.True(t, s.Scrub("password: hunter22").Found())
}

func TestScrub_Gitleaks(t *testing.T) {
	s, err := New(Options{Rules: []Rule{}})
	require.NoError(t, err)

	key := "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"
	res := s.Scrub(`const apiKey = "` + key + `"`)
	assert.True(t, res.Found())
	assert.NotContains(t, res.Text, key)

	assert.False(t, s.Scrub("Resetting bay 3 now.").Found())
}

func TestNew_InvalidRules(t *testing.T) {
	_, err := New(Options{DisableGitleaks: true, Rules: []Rule{{ID: "x", Pattern: "("}}})
	assert.ErrorIs(t, err, ErrInvalidRegex)

	_, err = New(Options{DisableGitleaks: true, Rules: []Rule{{Pattern: "x"}}})
	assert.Error(t, err)

	_, err = New(Options{DisableGitleaks: true, Allowlist: &Allowlist{Regexes: []string{"["}}})
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	al, err := LoadAllowlist("")
	require.NoError(t, err)
	assert.Empty(t, al.Regexes)

	al, err = LoadAllowlist(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, al.Regexes)

	path := filepath.Join(dir, "allow.toml")
	require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''booking-\\d+''']\nstopwords = [\"example\"]\n"), 0600))
	al, err = LoadAllowlist(path)
	require.NoError(t, err)
	assert.Equal(t, []string{`booking-\d+`}, al.Regexes)
	assert.Equal(t, []string{"example"}, al.StopWords)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist\n"), 0600))
	_, err = LoadAllowlist(bad)
	assert.ErrorIs(t, err, ErrInvalidTOML)

	badRe := filepath.Join(dir, "badre.toml")
	require.NoError(t, os.WriteFile(badRe, []byte("[allowlist]\nregexes = ['''(''']\n"), 0600))
	_, err = LoadAllowlist(badRe)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}
