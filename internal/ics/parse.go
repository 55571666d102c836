// Package ics converts between iCalendar feeds and calendar events.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"famcal/internal/common"
	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/recurrence"
)

// importNamespace scopes the deterministic ids of imported events, so a
// re-import of the same feed updates rows instead of duplicating them.
var importNamespace = uuid.MustParse("b3a0f5c2-4d7e-4c1a-8e26-9f04d1c7a853")

const (
	dateLayout      = "20060102"
	localTimeLayout = "20060102T150405"
)

// Parse reads an iCalendar body and returns the events it describes, owned
// by ownerID. Floating times (no Z, no TZID) are read in loc.
//
//   - A VEVENT with RRULE becomes a master; EXDATE values fill its
//     exclusion set.
//   - A VEVENT with RECURRENCE-ID becomes an exception instance of the
//     master sharing its UID. Orphans are skipped.
//   - Anything else becomes a plain event.
//
// VEVENTs that cannot be read are logged and skipped; only an unreadable
// calendar fails the call.
func Parse(body []byte, ownerID string, loc *time.Location) ([]model.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty ICS body", common.ErrorValidation)
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse calendar: %v", common.ErrorValidation, err)
	}

	var (
		events    []model.Event
		overrides []*ical.VEvent
		masters   = make(map[string]*model.Event)
	)
	for _, ve := range cal.Events() {
		if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
			overrides = append(overrides, ve)
			continue
		}
		ev, uid, perr := parseVEvent(ve, ownerID, loc)
		if perr != nil {
			appLog.Warn("ics: vevent skipped", "uid", uid, "err", perr)
			continue
		}
		if ev.Kind() == model.KindMaster {
			masters[uid] = ev
		}
		events = append(events, *ev)
	}

	for _, ve := range overrides {
		ev, uid, perr := parseOverride(ve, masters, loc)
		if perr != nil {
			appLog.Warn("ics: override skipped", "uid", uid, "err", perr)
			continue
		}
		events = append(events, *ev)
	}

	appLog.Info("ics: parse completed", "owner_id", ownerID, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, ownerID string, loc *time.Location) (*model.Event, string, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return nil, "", errors.New("missing UID")
	}

	start, end, allDay, err := span(ve, loc)
	if err != nil {
		return nil, uid, err
	}

	ev := &model.Event{
		ID:          eventID(ownerID, uid),
		OwnerID:     ownerID,
		Title:       propValue(ve, ical.ComponentPropertySummary),
		Description: propValue(ve, ical.ComponentPropertyDescription),
		Location:    propValue(ve, ical.ComponentPropertyLocation),
		StartsAt:    start,
		EndsAt:      end,
		AllDay:      allDay,
		Source:      model.SourceImport,
	}

	if raw := propValue(ve, ical.ComponentPropertyRrule); raw != "" {
		rule, err := recurrence.Parse(raw)
		if err != nil {
			return nil, uid, err
		}
		ev.RecurrenceRule = rule.String()

		for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
			for part := range strings.SplitSeq(p.Value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				t, _, err := parseTime(part, p.ICalParameters, loc)
				if err != nil {
					appLog.Warn("ics: bad EXDATE ignored", "uid", uid, "value", part, "err", err)
					continue
				}
				if !ev.IsExcluded(t) {
					ev.RecurrenceExceptions = append(ev.RecurrenceExceptions, t)
				}
			}
		}
	}

	if err := ev.Validate(); err != nil {
		return nil, uid, err
	}
	return ev, uid, nil
}

func parseOverride(ve *ical.VEvent, masters map[string]*model.Event, loc *time.Location) (*model.Event, string, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	master, ok := masters[uid]
	if uid == "" || !ok {
		return nil, uid, errors.New("RECURRENCE-ID without a recurring master")
	}

	rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId)
	original, _, err := parseTime(rid.Value, rid.ICalParameters, loc)
	if err != nil {
		return nil, uid, fmt.Errorf("RECURRENCE-ID: %w", err)
	}

	start, end, _, err := span(ve, loc)
	if err != nil {
		return nil, uid, err
	}

	ev, err := model.NewExceptionEvent(exceptionID(master.OwnerID, uid, original), master, original, start, end)
	if err != nil {
		return nil, uid, err
	}
	if v := propValue(ve, ical.ComponentPropertySummary); v != "" {
		ev.Title = v
	}
	if v := propValue(ve, ical.ComponentPropertyDescription); v != "" {
		ev.Description = v
	}
	if v := propValue(ve, ical.ComponentPropertyLocation); v != "" {
		ev.Location = v
	}
	return ev, uid, nil
}

// span reads DTSTART and DTEND. A missing DTEND means one day for all-day
// events and zero length otherwise.
func span(ve *ical.VEvent, loc *time.Location) (start, end time.Time, allDay bool, err error) {
	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return start, end, false, errors.New("missing DTSTART")
	}
	start, allDay, err = parseTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return start, end, false, fmt.Errorf("DTSTART: %w", err)
	}

	dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd)
	switch {
	case dtEnd != nil:
		end, _, err = parseTime(dtEnd.Value, dtEnd.ICalParameters, loc)
		if err != nil {
			return start, end, false, fmt.Errorf("DTEND: %w", err)
		}
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}
	return start, end, allDay, nil
}

// parseTime reads a DATE or DATE-TIME value. Dates become floating days at
// UTC midnight; date-times are returned in UTC.
func parseTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if isDate(v, params) {
		t, err := time.ParseInLocation(dateLayout, v, time.UTC)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(model.InstantLayout, v)
		return t, false, err
	}

	in := loc
	if tz := params[string(ical.ParameterTzid)]; len(tz) > 0 {
		l, err := time.LoadLocation(tz[0])
		if err != nil {
			appLog.Debug("ics: unknown TZID, using default zone", "tzid", tz[0], "zone", loc.String())
		} else {
			in = l
		}
	}
	t, err := time.ParseInLocation(localTimeLayout, v, in)
	return t.UTC(), false, err
}

func isDate(v string, params map[string][]string) bool {
	if vs := params[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], string(ical.ValueDataTypeDate)) {
		return true
	}
	return !strings.Contains(v, "T")
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func eventID(ownerID, uid string) string {
	return uuid.NewSHA1(importNamespace, []byte(ownerID+"|"+uid)).String()
}

func exceptionID(ownerID, uid string, original time.Time) string {
	return uuid.NewSHA1(importNamespace, []byte(ownerID+"|"+uid+"|"+original.UTC().Format(model.InstantLayout))).String()
}
