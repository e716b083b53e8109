// Package spokendate turns spoken date phrases ("January 15th 2024",
// "the 3rd", "yesterday") into validated ISO calendar dates.
//
// Parsing runs the ordered grammar table in [Rules] and stops at the first
// rule that matches structurally. A match that later fails calendar
// validation is reported as invalid; looser rules are not retried.
package spokendate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Failure explains why a candidate is invalid.
type Failure string

const (
	FailureNone        Failure = ""
	FailureNoMatch     Failure = "no_match"
	FailureInvalidDate Failure = "invalid_date"
)

// Candidate is the result of normalizing one utterance. ISODate is empty
// unless Valid is true.
type Candidate struct {
	Source  string
	ISODate string
	Valid   bool
	Rule    string
	Failure Failure
}

// Time returns the candidate as a UTC midnight time.
func (c Candidate) Time() (time.Time, bool) {
	if !c.Valid {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, c.ISODate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Normalizer applies the grammar table against an injected clock. It is
// read-only after construction and safe for concurrent use.
type Normalizer struct {
	rules []Rule
	lex   Lexicon
	clock func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used to resolve relative and partial dates.
func WithClock(clock func() time.Time) Option {
	return func(n *Normalizer) {
		n.clock = clock
	}
}

// WithLexicon replaces the exact-match month lexicon.
func WithLexicon(lex Lexicon) Option {
	return func(n *Normalizer) {
		n.lex = lex
	}
}

// WithRules replaces the grammar table.
func WithRules(rules []Rule) Option {
	return func(n *Normalizer) {
		n.rules = rules
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		rules: Rules,
		clock: time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize parses utterance. Parse failures are ordinary results with
// Valid set to false.
func (n *Normalizer) Normalize(utterance string) Candidate {
	c := Candidate{Source: utterance}
	text := clean(utterance)
	if text == "" {
		c.Failure = FailureNoMatch
		return c
	}

	match, ok := MatchFirst(n.rules, text, Env{Now: n.clock(), Months: n.lex})
	if !ok {
		c.Failure = FailureNoMatch
		return c
	}
	c.Rule = match.Rule

	iso, ok := assemble(match.Fields)
	if !ok {
		c.Failure = FailureInvalidDate
		return c
	}
	c.ISODate = iso
	c.Valid = true
	return c
}

// clean lowercases and trims the utterance, drops commas and trailing
// sentence punctuation the engine may add, and collapses whitespace.
func clean(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ",", " ")
	s = strings.TrimRight(strings.TrimSpace(s), ".!?")
	return strings.Join(strings.Fields(s), " ")
}

// assemble pads and joins the fields, then confirms the date survives a
// round trip through the calendar. Day 31 of a 30-day month fails here.
func assemble(f Fields) (string, bool) {
	if len(f.Year) != 4 {
		return "", false
	}
	iso := fmt.Sprintf("%s-%s-%s", f.Year, pad2(f.Month), pad2(f.Day))

	year, errY := strconv.Atoi(f.Year)
	month, errM := strconv.Atoi(f.Month)
	day, errD := strconv.Atoi(f.Day)
	if errY != nil || errM != nil || errD != nil {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return "", false
	}
	if t.Format(time.DateOnly) != iso {
		return "", false
	}
	return iso, true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
