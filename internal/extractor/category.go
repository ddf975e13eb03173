package extractor

import (
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// categoryKeywords drive Categorize. Multi-word entries match as phrases.
var categoryKeywords = []struct {
	category pattern.Category
	words    []string
}{
	{pattern.CategoryTechnical, []string{
		"frozen", "freeze", "freezing", "crash", "crashed", "broken", "error", "glitch",
		"lag", "laggy", "restart", "reset", "reboot", "screen", "projector", "computer",
		"pc", "sensor", "trackman", "simulator", "not working", "wont start", "black screen",
		"no sound", "wifi", "tracking",
	}},
	{pattern.CategoryAccess, []string{
		"door", "doors", "lock", "locked", "unlock", "code", "key", "keys", "entry",
		"access", "gate", "badge", "let me in", "cant get in",
	}},
	{pattern.CategoryBooking, []string{
		"book", "booking", "booked", "reservation", "reserve", "reserved", "extend",
		"extension", "cancel", "reschedule", "availability", "available", "slot",
		"tee time", "more time",
	}},
	{pattern.CategoryBilling, []string{
		"refund", "charge", "charged", "payment", "pay", "paid", "card", "invoice",
		"receipt", "price", "cost", "billing", "membership", "fee", "credit",
	}},
}

// Categorize assigns a topic bucket to normalized text by keyword hits. Ties
// go to the earlier category in the list; no hits means general.
func Categorize(normalized string) pattern.Category {
	padded := " " + normalized + " "
	best := pattern.CategoryGeneral
	bestHits := 0
	for _, ck := range categoryKeywords {
		hits := 0
		for _, w := range ck.words {
			if strings.Contains(padded, " "+w+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = ck.category, hits
		}
	}
	return best
}
