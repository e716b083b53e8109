package spokendate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Fields are the raw year, month and day strings a rule extracted. They are
// not yet padded or validated.
type Fields struct {
	Year  string
	Month string
	Day   string
}

// Env is what an extractor may consult besides the matched groups.
type Env struct {
	Now    time.Time
	Months Lexicon
}

// Rule is one spoken date phrasing. Extract may still reject a structural
// regexp match (an unknown month name), in which case the next rule is tried.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Extract func(groups []string, env Env) (Fields, bool)
}

// Match is the outcome of MatchFirst.
type Match struct {
	Rule   string
	Fields Fields
}

const ordinal = `(\d{1,2}(?:st|nd|rd|th)?)`

// Rules is the grammar table in priority order. Looser phrasings come last
// so they cannot capture input meant for a more specific rule.
var Rules = []Rule{
	{
		Name:    "month_day_year",
		Pattern: regexp.MustCompile(`^([a-z]+)\.? (?:the )?` + ordinal + ` (\d{4})$`),
		Extract: func(g []string, env Env) (Fields, bool) {
			month, ok := env.Months.Month(g[1])
			if !ok {
				return Fields{}, false
			}
			return Fields{Year: g[3], Month: month, Day: stripOrdinal(g[2])}, true
		},
	},
	{
		Name:    "day_of_month_year",
		Pattern: regexp.MustCompile(`^(?:the )?` + ordinal + ` of ([a-z]+)\.? (\d{4})$`),
		Extract: func(g []string, env Env) (Fields, bool) {
			month, ok := env.Months.Month(g[2])
			if !ok {
				return Fields{}, false
			}
			return Fields{Year: g[3], Month: month, Day: stripOrdinal(g[1])}, true
		},
	},
	{
		Name:    "numeric_mdy",
		Pattern: regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`),
		Extract: func(g []string, _ Env) (Fields, bool) {
			return Fields{Year: g[3], Month: g[1], Day: g[2]}, true
		},
	},
	{
		Name:    "numeric_ymd",
		Pattern: regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`),
		Extract: func(g []string, _ Env) (Fields, bool) {
			return Fields{Year: g[1], Month: g[2], Day: g[3]}, true
		},
	},
	{
		Name:    "month_year",
		Pattern: regexp.MustCompile(`^([a-z]+)\.? (\d{4})$`),
		Extract: func(g []string, env Env) (Fields, bool) {
			month, ok := env.Months.Month(g[1])
			if !ok {
				return Fields{}, false
			}
			return Fields{Year: g[2], Month: month, Day: "1"}, true
		},
	},
	{
		Name:    "relative",
		Pattern: regexp.MustCompile(`^(today|yesterday|tomorrow)$`),
		Extract: func(g []string, env Env) (Fields, bool) {
			day := env.Now
			switch g[1] {
			case "yesterday":
				day = day.AddDate(0, 0, -1)
			case "tomorrow":
				day = day.AddDate(0, 0, 1)
			}
			return fieldsOf(day), true
		},
	},
	{
		Name:    "day_only",
		Pattern: regexp.MustCompile(`^(?:the )?` + ordinal + `$`),
		Extract: func(g []string, env Env) (Fields, bool) {
			return Fields{
				Year:  fmt.Sprintf("%04d", env.Now.Year()),
				Month: fmt.Sprintf("%02d", int(env.Now.Month())),
				Day:   stripOrdinal(g[1]),
			}, true
		},
	},
}

// MatchFirst returns the first rule that both matches text structurally and
// accepts it in its extractor. text must already be lowercased and trimmed.
func MatchFirst(rules []Rule, text string, env Env) (Match, bool) {
	for _, rule := range rules {
		groups := rule.Pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		fields, ok := rule.Extract(groups, env)
		if !ok {
			continue
		}
		return Match{Rule: rule.Name, Fields: fields}, true
	}
	return Match{}, false
}

func stripOrdinal(s string) string {
	for _, suffix := range []string{"st", "nd", "rd", "th"} {
		if strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

func fieldsOf(t time.Time) Fields {
	return Fields{
		Year:  fmt.Sprintf("%04d", t.Year()),
		Month: fmt.Sprintf("%02d", int(t.Month())),
		Day:   fmt.Sprintf("%02d", t.Day()),
	}
}
