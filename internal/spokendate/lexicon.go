package spokendate

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultFuzzyThreshold    = 0.85
	defaultPhoneticThreshold = 0.70
	minFuzzyTokenLen         = 4
)

var monthCodes = map[string]string{
	"january": "01", "jan": "01",
	"february": "02", "feb": "02",
	"march": "03", "mar": "03",
	"april": "04", "apr": "04",
	"may": "05",
	"june": "06", "jun": "06",
	"july": "07", "jul": "07",
	"august": "08", "aug": "08",
	"september": "09", "sep": "09", "sept": "09",
	"october": "10", "oct": "10",
	"november": "11", "nov": "11",
	"december": "12", "dec": "12",
}

var monthNames = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// Lexicon resolves spoken month tokens to two-digit month codes. The zero
// value does exact lookups only.
type Lexicon struct {
	fuzzy     bool
	threshold float64
}

// FuzzyLexicon also accepts close mishearings of full month names. A token
// is accepted when its Double Metaphone codes overlap a month's and the
// Jaro-Winkler score clears 0.70, or when the score alone clears threshold.
func FuzzyLexicon(threshold float64) Lexicon {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultFuzzyThreshold
	}
	return Lexicon{fuzzy: true, threshold: threshold}
}

// Month returns the zero-padded month code for token.
func (l Lexicon) Month(token string) (string, bool) {
	token = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(token)), ".")
	if code, ok := monthCodes[token]; ok {
		return code, true
	}
	if !l.fuzzy || len(token) < minFuzzyTokenLen {
		return "", false
	}
	return l.closest(token)
}

func (l Lexicon) closest(token string) (string, bool) {
	tp, ts := matchr.DoubleMetaphone(token)

	best, bestScore := "", 0.0
	for _, name := range monthNames {
		score := matchr.JaroWinkler(token, name, false)
		np, ns := matchr.DoubleMetaphone(name)
		phonetic := tp != "" && (tp == np || tp == ns || (ts != "" && (ts == np || ts == ns)))

		accept := score >= l.threshold || (phonetic && score >= defaultPhoneticThreshold)
		if accept && score > bestScore {
			best, bestScore = name, score
		}
	}
	if best == "" {
		return "", false
	}
	return monthCodes[best], true
}
