package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"famcal/internal/model"
)

const productID = "-//famcal//Family Calendar//EN"

// Export renders query results as a PUBLISH calendar. Every occurrence is
// written as a standalone VEVENT keyed by its occurrence id; virtual
// occurrences and exception instances point at their master through
// RELATED-TO. stamp becomes DTSTAMP.
func Export(occurrences []model.Occurrence, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)

	for i := range occurrences {
		o := &occurrences[i]
		ev := cal.AddEvent(o.ID)
		ev.SetDtStampTime(stamp)
		ev.SetSummary(o.Title)
		if o.Description != "" {
			ev.SetDescription(o.Description)
		}
		if o.Location != "" {
			ev.SetLocation(o.Location)
		}

		if o.AllDay {
			ev.SetAllDayStartAt(o.StartsAt.UTC())
			ev.SetAllDayEndAt(o.EndsAt.UTC())
		} else {
			ev.SetStartAt(o.StartsAt)
			ev.SetEndAt(o.EndsAt)
		}

		if o.MasterEventID != "" {
			ev.SetProperty(ical.ComponentPropertyRelatedTo, o.MasterEventID)
		}
		if o.Source != model.SourceNone {
			ev.SetProperty(ical.ComponentProperty("X-FAMCAL-SOURCE"), string(o.Source))
		}
	}

	return cal.Serialize()
}
