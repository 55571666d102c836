package recurrence

import (
	"time"
)

// DefaultMaxOccurrences bounds a single expansion. It covers a daily rule
// over a full year.
const DefaultMaxOccurrences = 366

// Expansion is the result of evaluating one rule over one window.
type Expansion struct {
	Instants []time.Time
	// Truncated is set when the cap cut the window short.
	Truncated bool
}

// Engine evaluates raw rule strings with a per-call result cap.
type Engine struct {
	maxOccurrences int
}

// NewEngine returns an Engine capped at max results per expansion. A
// non-positive max selects DefaultMaxOccurrences.
func NewEngine(max int) *Engine {
	if max <= 0 {
		max = DefaultMaxOccurrences
	}
	return &Engine{maxOccurrences: max}
}

// Expand evaluates rule for a series starting at seriesStart and returns the
// instants in [rangeStart, rangeEnd]. A rule that fails to parse yields an
// empty expansion together with the parse error; callers decide whether to
// log it, but must not fail the surrounding query.
func (e *Engine) Expand(rule string, seriesStart, rangeStart, rangeEnd time.Time, loc *time.Location) (Expansion, error) {
	r, err := Parse(rule)
	if err != nil {
		return Expansion{}, err
	}
	return e.ExpandRule(r, seriesStart, rangeStart, rangeEnd, loc), nil
}

// ExpandRule is Expand for an already parsed rule.
func (e *Engine) ExpandRule(r Rule, seriesStart, rangeStart, rangeEnd time.Time, loc *time.Location) Expansion {
	var out Expansion
	for t := range r.Window(seriesStart, rangeStart, rangeEnd, loc) {
		if len(out.Instants) == e.maxOccurrences {
			out.Truncated = true
			break
		}
		out.Instants = append(out.Instants, t)
	}
	return out
}

// Produces reports whether the rule yields exactly instant. Exclusions are
// not considered; this answers "would the series have an occurrence here".
func (e *Engine) Produces(rule string, seriesStart, instant time.Time, loc *time.Location) (bool, error) {
	r, err := Parse(rule)
	if err != nil {
		return false, err
	}
	for t := range r.Window(seriesStart, instant, instant, loc) {
		if t.Equal(instant) {
			return true, nil
		}
	}
	return false, nil
}

// EndOfPreviousDay returns the last second of the local day before t's
// local day. It is the UNTIL bound used when a series is cut at t.
func EndOfPreviousDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	dayStart := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return dayStart.Add(-time.Second).UTC()
}
