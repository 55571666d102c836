package occurrence

import (
	"errors"
	"fmt"
	"time"

	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/recurrence"
)

// RuleEngine evaluates a raw recurrence rule over a window.
type RuleEngine interface {
	Expand(rule string, seriesStart, rangeStart, rangeEnd time.Time, loc *time.Location) (recurrence.Expansion, error)
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the timezone rules are evaluated in. If nil, UTC is used.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrence starts.
	RangeStart time.Time
	RangeEnd   time.Time

	// Overrides are exception instances. The master occurrence each one
	// replaces is suppressed even when the exclusion set lacks the entry.
	Overrides []model.Event
}

// ExpandResult wraps the expanded occurrences and the masters that did not
// expand cleanly.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedMasters records master ids that hit the occurrence cap.
	TruncatedMasters []string
	// SkippedMasters records master ids whose rule could not be evaluated.
	SkippedMasters []string
}

// Expander turns recurring masters into virtual occurrences.
type Expander struct {
	engine RuleEngine
}

func NewExpander(engine RuleEngine) *Expander {
	return &Expander{engine: engine}
}

// Expand produces the virtual occurrences of masters whose start falls in
// [RangeStart, RangeEnd]. Events that are not masters are ignored. A master
// whose rule is malformed, or whose evaluation panics, contributes nothing
// and is reported in SkippedMasters; the others are unaffected.
func (x *Expander) Expand(masters []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	overridden := make(map[string]struct{}, len(cfg.Overrides))
	for _, ov := range cfg.Overrides {
		if ov.Kind() != model.KindException {
			continue
		}
		if ov.OriginalOccurrenceStart == nil {
			appLog.Warn("expand: exception without original start, ignoring", "event_id", ov.ID, "series_id", ov.SeriesID)
			continue
		}
		overridden[overrideKey(ov.SeriesID, *ov.OriginalOccurrenceStart)] = struct{}{}
	}

	result.Occurrences = make([]model.Occurrence, 0)
	for i := range masters {
		m := &masters[i]
		if m.Kind() != model.KindMaster {
			continue
		}

		occ, truncated, err := x.expandMaster(m, overridden, cfg)
		if err != nil {
			result.SkippedMasters = append(result.SkippedMasters, m.ID)
			appLog.Warn("expand: skipping master", "master_id", m.ID, "rule", m.RecurrenceRule, "err", err)
			continue
		}
		if truncated {
			result.TruncatedMasters = append(result.TruncatedMasters, m.ID)
			appLog.Warn("expand: truncated occurrences for master due to cap", "master_id", m.ID)
		}
		result.Occurrences = append(result.Occurrences, occ...)
	}

	return result, nil
}

func (x *Expander) expandMaster(m *model.Event, overridden map[string]struct{}, cfg ExpandConfig) (out []model.Occurrence, truncated bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, truncated = nil, false
			err = fmt.Errorf("panic during expansion: %v", p)
		}
	}()

	loc := cfg.Location
	from, to := cfg.RangeStart, cfg.RangeEnd
	if m.AllDay {
		// All-day series are floating dates stored at UTC midnight; the
		// window is projected onto the same calendar days.
		loc = time.UTC
		from = FloatingDate(from, cfg.Location)
		to = FloatingDate(to, cfg.Location)
	}

	exp, err := x.engine.Expand(m.RecurrenceRule, m.StartsAt, from, to, loc)
	if err != nil {
		return nil, false, err
	}

	excluded := make(map[string]struct{}, len(m.RecurrenceExceptions))
	for _, ex := range m.RecurrenceExceptions {
		excluded[ex.UTC().Format(model.InstantLayout)] = struct{}{}
	}

	dur := m.Duration()
	days := allDaySpan(dur)

	out = make([]model.Occurrence, 0, len(exp.Instants))
	for _, start := range exp.Instants {
		if _, ok := excluded[start.UTC().Format(model.InstantLayout)]; ok {
			continue
		}
		if _, ok := overridden[overrideKey(m.ID, start)]; ok {
			continue
		}

		end := start.Add(dur)
		if m.AllDay {
			end = start.AddDate(0, 0, days)
		}
		out = append(out, makeOccurrence(m, start, end))
	}

	return out, exp.Truncated, nil
}

// makeOccurrence builds the virtual occurrence of master m starting at start.
func makeOccurrence(m *model.Event, start, end time.Time) model.Occurrence {
	occ := model.FromEvent(m)
	occ.ID = model.OccurrenceID(m.ID, start)
	occ.Kind = "occurrence"
	occ.MasterEventID = m.ID
	occ.IsOccurrence = true
	occ.StartsAt = start.UTC()
	occ.EndsAt = end.UTC()
	return occ
}

// FloatingDate maps t to UTC midnight of its calendar day in loc.
func FloatingDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// allDaySpan rounds an all-day duration to whole days, at least one.
func allDaySpan(d time.Duration) int {
	days := int((d + 12*time.Hour) / (24 * time.Hour))
	return max(days, 1)
}

func overrideKey(seriesID string, original time.Time) string {
	return seriesID + "|" + original.UTC().Format(model.InstantLayout)
}
