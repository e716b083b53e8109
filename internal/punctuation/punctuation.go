// Package punctuation rewrites spoken dictation commands ("comma",
// "new line") into written punctuation and restores sentence casing.
package punctuation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Rule replaces every whole-word, case-insensitive occurrence of one of its
// phrases with Written.
type Rule struct {
	Phrases []string
	Written string
	pattern *regexp.Regexp
}

func newRule(written string, phrases ...string) Rule {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(regexp.QuoteMeta(p))
		alts = append(alts, strings.Join(words, `\s+`))
	}
	expr := `(?i)[ \t]*\b(?:` + strings.Join(alts, "|") + `)\b`
	if written == "\n" {
		expr += `[ \t]*`
	}
	return Rule{Phrases: phrases, Written: written, pattern: regexp.MustCompile(expr)}
}

// Rules are applied in this order.
var Rules = []Rule{
	newRule(".", "period", "full stop"),
	newRule(",", "comma"),
	newRule("?", "question mark"),
	newRule("!", "exclamation mark", "exclamation point"),
	newRule("\n", "new line", "new paragraph"),
	newRule(":", "colon"),
	newRule(";", "semicolon"),
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	rules []Rule
	tag   language.Tag
}

// New returns a normalizer that capitalizes using the conventions of lang
// (a BCP-47 tag such as "en-US"). Unparseable tags fall back to English.
func New(lang string) *Normalizer {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return &Normalizer{rules: Rules, tag: tag}
}

var std = New("en")

// Normalize applies the default English normalizer.
func Normalize(segment string) string {
	return std.Normalize(segment)
}

// Normalize rewrites spoken commands in segment and capitalizes sentence
// starts. Text that holds no spoken commands passes through unchanged apart
// from casing, so the operation is idempotent.
func (n *Normalizer) Normalize(segment string) string {
	out := segment
	for _, rule := range n.rules {
		out = rule.pattern.ReplaceAllLiteralString(out, rule.Written)
	}
	out = strings.Trim(out, " \t")
	return n.capitalize(out)
}

// capitalize upper-cases the first letter of s and the first letter after
// terminal punctuation that is followed by whitespace. "3.5" and "e.g" stay
// as they are.
func (n *Normalizer) capitalize(s string) string {
	upper := cases.Upper(n.tag)
	var b strings.Builder
	b.Grow(len(s))

	capNext := true
	glued := false
	for _, r := range s {
		switch {
		case r == '.' || r == '!' || r == '?':
			b.WriteRune(r)
			capNext, glued = true, true
			continue
		case unicode.IsSpace(r):
			b.WriteRune(r)
		case unicode.IsLetter(r):
			if capNext && !glued {
				b.WriteString(upper.String(string(r)))
			} else {
				b.WriteRune(r)
			}
			capNext = false
		default:
			b.WriteRune(r)
			if glued || unicode.IsDigit(r) {
				capNext = false
			}
		}
		glued = false
	}
	return b.String()
}
