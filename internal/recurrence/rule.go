// Package recurrence parses and evaluates the RRULE subset used for
// recurring calendar events.
//
// A rule string is parsed once into a Rule at the boundary; everything
// downstream works with the typed value. Evaluation delegates to
// github.com/teambition/rrule-go, with one deliberate deviation from
// RFC 5545: month-day pins past the end of a month clamp to the month's last
// day instead of skipping the month, so "every month on the 31st" also fires
// on 30 April and 28/29 February.
package recurrence

import (
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"famcal/internal/common"
)

// Frequency is the base repetition unit of a rule.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return "UNKNOWN"
	}
}

func (f Frequency) rrule() rrule.Frequency {
	switch f {
	case Daily:
		return rrule.DAILY
	case Weekly:
		return rrule.WEEKLY
	case Monthly:
		return rrule.MONTHLY
	default:
		return rrule.YEARLY
	}
}

// untilLayout is the UTC DATE-TIME form used when serializing UNTIL.
const untilLayout = "20060102T150405Z"

// Rule is the typed form of a recurrence rule.
type Rule struct {
	Freq       Frequency
	Interval   int
	ByDay      []rrule.Weekday
	ByMonthDay []int
	ByMonth    []int
	BySetPos   []int
	// WeekStart defaults to Monday (the zero value).
	WeekStart rrule.Weekday

	// At most one of Until and Count is set.
	Until time.Time
	Count int
}

// Parse parses an RRULE value such as "FREQ=MONTHLY;BYMONTHDAY=31".
// A leading "RRULE:" is accepted.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", common.ErrInvalidRule)
	}
	s = strings.TrimPrefix(s, "RRULE:")

	opt, err := rrule.StrToROption(s)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", common.ErrInvalidRule, err)
	}

	var r Rule
	switch opt.Freq {
	case rrule.DAILY:
		r.Freq = Daily
	case rrule.WEEKLY:
		r.Freq = Weekly
	case rrule.MONTHLY:
		r.Freq = Monthly
	case rrule.YEARLY:
		r.Freq = Yearly
	default:
		return Rule{}, fmt.Errorf("%w: frequency %s", common.ErrUnsupportedRule, opt.Freq)
	}

	if len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 ||
		len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Byeaster) > 0 {
		return Rule{}, fmt.Errorf("%w: only BYDAY, BYMONTHDAY, BYMONTH and BYSETPOS are supported", common.ErrUnsupportedRule)
	}
	if opt.Interval < 0 {
		return Rule{}, fmt.Errorf("%w: negative interval", common.ErrInvalidRule)
	}
	if opt.Count < 0 {
		return Rule{}, fmt.Errorf("%w: negative count", common.ErrInvalidRule)
	}
	if opt.Count > 0 && !opt.Until.IsZero() {
		return Rule{}, fmt.Errorf("%w: COUNT and UNTIL are mutually exclusive", common.ErrInvalidRule)
	}
	for _, d := range opt.Bymonthday {
		if d == 0 || d > 31 || d < -31 {
			return Rule{}, fmt.Errorf("%w: month day %d out of range", common.ErrInvalidRule, d)
		}
	}
	for _, m := range opt.Bymonth {
		if m < 1 || m > 12 {
			return Rule{}, fmt.Errorf("%w: month %d out of range", common.ErrInvalidRule, m)
		}
	}

	r.Interval = max(opt.Interval, 1)
	r.ByDay = slices.Clone(opt.Byweekday)
	r.ByMonthDay = slices.Clone(opt.Bymonthday)
	r.ByMonth = slices.Clone(opt.Bymonth)
	r.BySetPos = slices.Clone(opt.Bysetpos)
	r.WeekStart = opt.Wkst
	r.Count = opt.Count
	if !opt.Until.IsZero() {
		r.Until = opt.Until.UTC()
	}
	if err := r.checkSatisfiable(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// monthLengths holds the longest length of each month.
var monthLengths = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// checkSatisfiable rejects rules that can never yield an instant. rrule-go
// searches such rules up to year 9999 on every evaluation.
func (r Rule) checkSatisfiable() error {
	months := r.ByMonth
	if len(months) == 0 {
		months = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	}
	if len(r.ByMonthDay) > 0 {
		clamped := r.clampable()
		possible := slices.ContainsFunc(r.ByMonthDay, func(d int) bool {
			if clamped && d > 28 {
				return true
			}
			return slices.ContainsFunc(months, func(m int) bool { return absInt(d) <= monthLengths[m-1] })
		})
		if !possible {
			return fmt.Errorf("%w: BYMONTHDAY=%s never falls in BYMONTH=%s", common.ErrInvalidRule,
				joinInts(r.ByMonthDay), joinInts(months))
		}
	}

	if r.Freq == Monthly || r.Freq == Yearly {
		limit := 5
		if r.Freq == Yearly && len(r.ByMonth) == 0 {
			limit = 53
		}
		for i := range r.ByDay {
			if n := r.ByDay[i].N(); absInt(n) > limit {
				return fmt.Errorf("%w: BYDAY ordinal %d out of range", common.ErrInvalidRule, n)
			}
		}
	}

	bound := r.maxPerPeriod()
	for _, p := range r.BySetPos {
		if p == 0 || absInt(p) > bound {
			return fmt.Errorf("%w: BYSETPOS %d exceeds the %d candidates of a period", common.ErrInvalidRule, p, bound)
		}
	}
	return nil
}

// maxPerPeriod bounds how many candidates one FREQ period can hold.
func (r Rule) maxPerPeriod() int {
	switch r.Freq {
	case Daily:
		return 1
	case Weekly:
		if len(r.ByDay) > 0 {
			return len(r.ByDay)
		}
		return 7
	case Monthly:
		switch {
		case len(r.ByMonthDay) > 0:
			return min(len(r.ByMonthDay), 31)
		case len(r.ByDay) > 0:
			return min(5*len(r.ByDay), 31)
		}
		return 31
	default:
		return 366
	}
}

// clampable reports whether month-day pins past the 28th are clamped to the
// month end instead of skipping short months.
func (r Rule) clampable() bool {
	return len(r.ByDay) == 0 && len(r.BySetPos) == 0 &&
		(r.Freq == Monthly || (r.Freq == Yearly && len(r.ByMonth) == 1))
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// MustParse is Parse for rules known to be valid; it panics otherwise.
func MustParse(s string) Rule {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String serializes the rule in a canonical order with UNTIL/COUNT last.
func (r Rule) String() string {
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(r.ByMonth))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, 0, len(r.ByDay))
		for _, d := range r.ByDay {
			days = append(days, d.String())
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	if r.WeekStart != rrule.MO {
		parts = append(parts, "WKST="+r.WeekStart.String())
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(untilLayout))
	}
	return strings.Join(parts, ";")
}

// Bounded reports whether the rule has an end condition.
func (r Rule) Bounded() bool {
	return r.Count > 0 || !r.Until.IsZero()
}

// WithoutTermination returns a copy with UNTIL and COUNT removed.
func (r Rule) WithoutTermination() Rule {
	c := r.clone()
	c.Until = time.Time{}
	c.Count = 0
	return c
}

// WithUntil returns a copy terminating at until (inclusive).
func (r Rule) WithUntil(until time.Time) Rule {
	c := r.WithoutTermination()
	c.Until = until.UTC().Truncate(time.Second)
	return c
}

// WithCount returns a copy limited to n occurrences.
func (r Rule) WithCount(n int) Rule {
	c := r.WithoutTermination()
	c.Count = n
	return c
}

// PinMonthDay returns a copy of a monthly rule whose day comes implicitly
// from seriesStart with that day written out as BYMONTHDAY. Only days past
// the 28th are pinned; earlier days exist in every month.
func (r Rule) PinMonthDay(seriesStart time.Time, loc *time.Location) Rule {
	if r.Freq != Monthly || len(r.ByMonthDay) > 0 || len(r.ByDay) > 0 || len(r.BySetPos) > 0 {
		return r
	}
	if loc == nil {
		loc = time.UTC
	}
	day := seriesStart.In(loc).Day()
	if day <= 28 {
		return r
	}
	c := r.clone()
	c.ByMonthDay = []int{day}
	return c
}

func (r Rule) clone() Rule {
	c := r
	c.ByDay = slices.Clone(r.ByDay)
	c.ByMonthDay = slices.Clone(r.ByMonthDay)
	c.ByMonth = slices.Clone(r.ByMonth)
	c.BySetPos = slices.Clone(r.BySetPos)
	return c
}

// Occurrences yields every instant of the series in ascending order, as UTC.
// The rule is evaluated on the wall clock of loc, so a 09:00 series stays at
// 09:00 local time across DST changes. The sequence is unbounded for rules
// without UNTIL or COUNT; consumers must stop on their own.
func (r Rule) Occurrences(seriesStart time.Time, loc *time.Location) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if loc == nil {
			loc = time.UTC
		}
		start := seriesStart.In(loc).Truncate(time.Second)

		var set rrule.Set
		for _, opt := range r.options(start) {
			rr, err := rrule.NewRRule(opt)
			if err != nil {
				return
			}
			set.RRule(rr)
		}

		next := set.Iterator()
		var prev time.Time
		n := 0
		for {
			t, ok := next()
			if !ok {
				return
			}
			// Two clamped pins can land on the same day.
			if n > 0 && t.Equal(prev) {
				continue
			}
			prev = t
			if !r.Until.IsZero() && t.After(r.Until) {
				return
			}
			n++
			if r.Count > 0 && n > r.Count {
				return
			}
			if !yield(t.UTC()) {
				return
			}
		}
	}
}

// Window yields the instants in [from, to], inclusive on both ends.
func (r Rule) Window(seriesStart, from, to time.Time, loc *time.Location) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if to.Before(from) || seriesStart.After(to) {
			return
		}
		for t := range r.Occurrences(seriesStart, loc) {
			if t.After(to) {
				return
			}
			if t.Before(from) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// CountBefore returns how many occurrences fall strictly before t.
func (r Rule) CountBefore(seriesStart, t time.Time, loc *time.Location) int {
	n := 0
	for o := range r.Occurrences(seriesStart, loc) {
		if !o.Before(t) {
			break
		}
		n++
	}
	return n
}

// options builds the rrule-go options for the rule. Rules whose month-day
// pins need clamping are split into several options whose union is the
// intended sequence; COUNT and UNTIL are applied by Occurrences over that
// union, so they are never passed down.
func (r Rule) options(start time.Time) []rrule.ROption {
	base := rrule.ROption{
		Freq:       r.Freq.rrule(),
		Dtstart:    start,
		Interval:   r.Interval,
		Wkst:       r.WeekStart,
		Byweekday:  slices.Clone(r.ByDay),
		Bymonth:    slices.Clone(r.ByMonth),
		Bysetpos:   slices.Clone(r.BySetPos),
		Bymonthday: slices.Clone(r.ByMonthDay),
	}

	if !r.clampable() {
		return []rrule.ROption{base}
	}

	days := r.ByMonthDay
	if len(days) == 0 && r.Freq == Monthly && start.Day() > 28 {
		// Implicit pin taken from the series start.
		days = []int{start.Day()}
	}
	if !slices.ContainsFunc(days, func(d int) bool { return d > 28 }) {
		return []rrule.ROption{base}
	}

	out := make([]rrule.ROption, 0, len(days))
	for _, d := range days {
		opt := base
		opt.Bysetpos = nil
		if d > 28 {
			// The last existing day among 28..d is min(d, last day of month).
			pins := make([]int, 0, d-27)
			for p := 28; p <= d; p++ {
				pins = append(pins, p)
			}
			opt.Bymonthday = pins
			opt.Bysetpos = []int{-1}
		} else {
			opt.Bymonthday = []int{d}
		}
		out = append(out, opt)
	}
	return out
}

func joinInts(xs []int) string {
	s := make([]string, 0, len(xs))
	for _, x := range xs {
		s = append(s, strconv.Itoa(x))
	}
	return strings.Join(s, ",")
}
