package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famcal/internal/common"
	"famcal/internal/model"
)

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func calendar(events ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	for _, e := range events {
		lines = append(lines, strings.Split(strings.TrimSpace(e), "\n")...)
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

const practice = `
BEGIN:VEVENT
UID:practice@example.com
SUMMARY:Practice
LOCATION:Gym
DTSTART;TZID=America/New_York:20260105T130000
DTEND;TZID=America/New_York:20260105T150000
RRULE:FREQ=WEEKLY;BYDAY=MO;COUNT=10
EXDATE;TZID=America/New_York:20260112T130000
END:VEVENT`

const practiceMoved = `
BEGIN:VEVENT
UID:practice@example.com
RECURRENCE-ID:20260119T180000Z
SUMMARY:Practice (moved)
DTSTART:20260120T180000Z
DTEND:20260120T200000Z
END:VEVENT`

const rent = `
BEGIN:VEVENT
UID:rent@example.com
SUMMARY:Rent
DTSTART;VALUE=DATE:20260131
END:VEVENT`

const dentist = `
BEGIN:VEVENT
UID:dentist@example.com
SUMMARY:Dentist
DTSTART:20260210T090000
DTEND:20260210T100000
END:VEVENT`

func byTitle(t *testing.T, events []model.Event, title string) model.Event {
	t.Helper()
	for _, e := range events {
		if e.Title == title {
			return e
		}
	}
	t.Fatalf("no event titled %q", title)
	return model.Event{}
}

func TestParse_MastersExceptionsAndPlainEvents(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	events, err := Parse(calendar(practiceMoved, practice, rent, dentist), "u1", tokyo)
	require.NoError(t, err)
	require.Len(t, events, 4)

	master := byTitle(t, events, "Practice")
	assert.Equal(t, model.KindMaster, master.Kind())
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=10", master.RecurrenceRule)
	assert.Equal(t, utc(2026, 1, 5, 18), master.StartsAt)
	assert.Equal(t, utc(2026, 1, 5, 20), master.EndsAt)
	assert.Equal(t, []time.Time{utc(2026, 1, 12, 18)}, master.RecurrenceExceptions)
	assert.Equal(t, "u1", master.OwnerID)
	assert.Equal(t, model.SourceImport, master.Source)

	moved := byTitle(t, events, "Practice (moved)")
	assert.Equal(t, model.KindException, moved.Kind())
	assert.Equal(t, master.ID, moved.SeriesID)
	require.NotNil(t, moved.OriginalOccurrenceStart)
	assert.Equal(t, utc(2026, 1, 19, 18), *moved.OriginalOccurrenceStart)
	assert.Equal(t, utc(2026, 1, 20, 18), moved.StartsAt)
	assert.Equal(t, "Gym", moved.Location)

	bill := byTitle(t, events, "Rent")
	assert.Equal(t, model.KindPlain, bill.Kind())
	assert.True(t, bill.AllDay)
	assert.Equal(t, utc(2026, 1, 31, 0), bill.StartsAt)
	assert.Equal(t, utc(2026, 2, 1, 0), bill.EndsAt)

	// Floating times are read in the caller's zone.
	dent := byTitle(t, events, "Dentist")
	assert.Equal(t, utc(2026, 2, 10, 0), dent.StartsAt)
	assert.False(t, dent.AllDay)
}

func TestParse_IDsAreDeterministicPerOwner(t *testing.T) {
	body := calendar(practice, practiceMoved)

	first, err := Parse(body, "u1", time.UTC)
	require.NoError(t, err)
	again, err := Parse(body, "u1", time.UTC)
	require.NoError(t, err)
	other, err := Parse(body, "u2", time.UTC)
	require.NoError(t, err)

	require.Len(t, first, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, again[i].ID)
		assert.NotEqual(t, first[i].ID, other[i].ID)
	}
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestParse_SkipsUnreadableEvents(t *testing.T) {
	orphan := `
BEGIN:VEVENT
UID:nobody@example.com
RECURRENCE-ID:20260119T180000Z
DTSTART:20260120T180000Z
DTEND:20260120T200000Z
END:VEVENT`
	hourly := `
BEGIN:VEVENT
UID:hourly@example.com
SUMMARY:Hourly
DTSTART:20260120T180000Z
DTEND:20260120T183000Z
RRULE:FREQ=HOURLY
END:VEVENT`
	noUID := `
BEGIN:VEVENT
SUMMARY:Nameless
DTSTART:20260120T180000Z
END:VEVENT`
	inverted := `
BEGIN:VEVENT
UID:inverted@example.com
SUMMARY:Backwards
DTSTART:20260120T180000Z
DTEND:20260120T170000Z
END:VEVENT`

	events, err := Parse(calendar(orphan, hourly, noUID, inverted, rent), "u1", time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Rent", events[0].Title)
}

func TestParse_RejectsEmptyOrMalformedBody(t *testing.T) {
	_, err := Parse(nil, "u1", time.UTC)
	assert.ErrorIs(t, err, common.ErrorValidation)

	_, err = Parse([]byte("not a calendar"), "u1", time.UTC)
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestExport_RoundTripsThroughParse(t *testing.T) {
	orig := utc(2026, 1, 12, 18)
	occ := []model.Occurrence{
		{
			ID: "m1_20260105T180000Z", MasterEventID: "m1", IsOccurrence: true, Kind: "occurrence",
			OwnerID: "u1", Title: "Practice", Location: "Gym", Source: model.SourceUser,
			StartsAt: utc(2026, 1, 5, 18), EndsAt: utc(2026, 1, 5, 20),
		},
		{
			ID: "e1", MasterEventID: "m1", Kind: "exception", OwnerID: "u1", Title: "Practice (late)",
			StartsAt: utc(2026, 1, 12, 19), EndsAt: utc(2026, 1, 12, 21), OriginalOccurrenceStart: &orig,
		},
		{
			ID: "p1", Kind: "plain", OwnerID: "u1", Title: "Rent", AllDay: true,
			StartsAt: utc(2026, 1, 31, 0), EndsAt: utc(2026, 2, 1, 0), Source: model.SourceBudget,
		},
	}

	out := Export(occ, utc(2026, 1, 1, 0))
	assert.Contains(t, out, "METHOD:PUBLISH")
	assert.Contains(t, out, "UID:m1_20260105T180000Z")
	assert.Contains(t, out, "RELATED-TO:m1")
	assert.Contains(t, out, "X-FAMCAL-SOURCE:budget")

	back, err := Parse([]byte(out), "u9", time.UTC)
	require.NoError(t, err)
	require.Len(t, back, 3)

	first := byTitle(t, back, "Practice")
	assert.Equal(t, utc(2026, 1, 5, 18), first.StartsAt)
	assert.Equal(t, utc(2026, 1, 5, 20), first.EndsAt)
	assert.Equal(t, "Gym", first.Location)

	late := byTitle(t, back, "Practice (late)")
	assert.Equal(t, utc(2026, 1, 12, 19), late.StartsAt)

	bill := byTitle(t, back, "Rent")
	assert.True(t, bill.AllDay)
	assert.Equal(t, utc(2026, 1, 31, 0), bill.StartsAt)
	assert.Equal(t, utc(2026, 2, 1, 0), bill.EndsAt)
}

func TestExport_Empty(t *testing.T) {
	out := Export(nil, utc(2026, 1, 1, 0))
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.NotContains(t, out, "BEGIN:VEVENT")
}

func TestFetcher_ConditionalRequestsAndFallback(t *testing.T) {
	var (
		failing atomic.Bool
		hits    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(calendar(rent))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	ctx := context.Background()
	url := srv.URL + "/private/feed.ics?token=secret"

	res, err := f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Contains(t, string(res.Body), "UID:rent@example.com")

	res, err = f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Contains(t, string(res.Body), "UID:rent@example.com")

	failing.Store(true)
	res, err = f.Fetch(ctx, url)
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	// A URL never fetched successfully has nothing to fall back to.
	_, err = f.Fetch(ctx, srv.URL+"/other.ics")
	assert.Error(t, err)
	assert.EqualValues(t, 4, hits.Load())
}

func TestFetcher_EmptyURL(t *testing.T) {
	_, err := NewFetcher(t.TempDir()).Fetch(context.Background(), "")
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/path/private.ics?token=abcd"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
