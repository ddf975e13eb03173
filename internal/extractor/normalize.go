package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases text, collapses whitespace and strips punctuation that
// carries no meaning. Characters that matter inside tokens survive: ':' in
// times, '/' and '-' in dates, '#' before a number. Apostrophes are removed so
// "don't" and "dont" normalize alike.
func Normalize(text string) string {
	runes := []rune(strings.ToLower(text))
	var b strings.Builder
	b.Grow(len(runes))

	isDigit := func(i int) bool { return i >= 0 && i < len(runes) && unicode.IsDigit(runes[i]) }
	space := false
	emit := func(r rune) {
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			emit(r)
		case r == '\'' || r == '’':
			// dropped without a word break
		case (r == ':' || r == '/' || r == '-') && isDigit(i-1) && isDigit(i+1):
			emit(r)
		case r == '#' && isDigit(i+1):
			emit(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Signature hashes canonical text: normalized text whose entity values were
// replaced by typed placeholders.
func Signature(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
