package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"famcal/internal/calendar"
	"famcal/internal/common"
	"famcal/internal/ics"
	appLog "famcal/internal/log"
	"famcal/internal/model"
)

// maxBodySize bounds JSON and iCalendar request bodies.
const maxBodySize = 16 << 20

// eventsResponse is the JSON response shape for GET /api/events.
type eventsResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	RangeStart      time.Time          `json:"range_start"`
	RangeEnd        time.Time          `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
}

// eventRequest is the body of POST /api/events.
type eventRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	AllDay         bool      `json:"all_day"`
	Participants   []string  `json:"participants"`
	RecurrenceRule string    `json:"recurrence_rule"`
	Source         string    `json:"source"`
}

// patchRequest is the body of PUT /api/events/{id} and
// PATCH /api/events/{id}/occurrences. Absent fields stay unchanged.
type patchRequest struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Location       *string    `json:"location"`
	StartsAt       *time.Time `json:"starts_at"`
	EndsAt         *time.Time `json:"ends_at"`
	AllDay         *bool      `json:"all_day"`
	Participants   *[]string  `json:"participants"`
	RecurrenceRule *string    `json:"recurrence_rule"`
}

func (p patchRequest) toPatch() model.EventPatch {
	return model.EventPatch{
		Title:          p.Title,
		Description:    p.Description,
		Location:       p.Location,
		StartsAt:       p.StartsAt,
		EndsAt:         p.EndsAt,
		AllDay:         p.AllDay,
		Participants:   p.Participants,
		RecurrenceRule: p.RecurrenceRule,
	}
}

// eventDTO is a JSON view of a stored event.
type eventDTO struct {
	ID                      string     `json:"id"`
	Kind                    string     `json:"kind"`
	OwnerID                 string     `json:"owner_id"`
	Title                   string     `json:"title"`
	Description             string     `json:"description,omitempty"`
	Location                string     `json:"location,omitempty"`
	StartsAt                time.Time  `json:"starts_at"`
	EndsAt                  time.Time  `json:"ends_at"`
	AllDay                  bool       `json:"all_day"`
	RecurrenceRule          string     `json:"recurrence_rule,omitempty"`
	RecurrenceExceptions    []string   `json:"recurrence_exceptions,omitempty"`
	SeriesID                string     `json:"series_id,omitempty"`
	OriginalOccurrenceStart *time.Time `json:"original_occurrence_start,omitempty"`
	Participants            []string   `json:"participants,omitempty"`
	Source                  string     `json:"source,omitempty"`
}

func toDTO(e *model.Event) eventDTO {
	dto := eventDTO{
		ID:                      e.ID,
		Kind:                    e.Kind().String(),
		OwnerID:                 e.OwnerID,
		Title:                   e.Title,
		Description:             e.Description,
		Location:                e.Location,
		StartsAt:                e.StartsAt,
		EndsAt:                  e.EndsAt,
		AllDay:                  e.AllDay,
		RecurrenceRule:          e.RecurrenceRule,
		SeriesID:                e.SeriesID,
		OriginalOccurrenceStart: e.OriginalOccurrenceStart,
		Participants:            e.Participants,
		Source:                  string(e.Source),
	}
	for _, x := range e.RecurrenceExceptions {
		dto.RecurrenceExceptions = append(dto.RecurrenceExceptions, x.UTC().Format(model.InstantLayout))
	}
	return dto
}

// queryWindow reads start, end and tz. tz defaults to the configured zone.
func (s *Server) queryWindow(r *http.Request) (start, end time.Time, tz string, err error) {
	q := r.URL.Query()
	start, err = parseInstant("start", q.Get("start"))
	if err != nil {
		return
	}
	end, err = parseInstant("end", q.Get("end"))
	if err != nil {
		return
	}
	tz = q.Get("tz")
	if tz == "" && s.cfg != nil {
		tz = s.cfg.Timezone
	}
	return start, end, tz, nil
}

// queryParticipant reads the participant parameter. It defaults to the
// calling user; any other participant is Forbidden.
func queryParticipant(r *http.Request, userID string) (string, error) {
	p := r.URL.Query().Get("participant")
	if p == "" || p == userID {
		return userID, nil
	}
	return "", fmt.Errorf("%w: cannot query as participant %q", common.ErrorForbidden, p)
}

// handleQuery returns the occurrences visible to the user in a window.
//
// GET /api/events?start=2026-01-01T00:00:00Z&end=2026-02-01T00:00:00Z&tz=Asia/Tokyo
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, userID string) {
	start, end, tz, err := s.queryWindow(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	participant, err := queryParticipant(r, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	occ, err := s.svc.Query(r.Context(), userID, participant, start, end, tz)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	appLog.Debug("api events request", "user_id", userID, "range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339), "timezone", tz, "count", len(occ))

	loc, _ := calendar.ResolveLocation(tz)
	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences:     occ,
		RangeStart:      start,
		RangeEnd:        end,
		DisplayTimeZone: loc.String(),
	})
}

// handleExport returns the same window as handleQuery as text/calendar.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, userID string) {
	start, end, tz, err := s.queryWindow(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	participant, err := queryParticipant(r, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	occ, err := s.svc.Query(r.Context(), userID, participant, start, end, tz)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ics.Export(occ, s.now()))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}

	ev, err := s.svc.CreateEvent(r.Context(), userID, calendar.EventInput{
		Title:        req.Title,
		Description:  req.Description,
		Location:     req.Location,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
		AllDay:       req.AllDay,
		Participants: req.Participants,
		Rule:         req.RecurrenceRule,
		Source:       model.Source(req.Source),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(ev))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, userID string) {
	var req patchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}

	ev, err := s.svc.UpdateEvent(r.Context(), userID, r.PathValue("id"), req.toPatch())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(ev))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.svc.DeleteEvent(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// occurrenceTarget reads scope, instant and tz. The instant is optional
// for scope=all.
func (s *Server) occurrenceTarget(r *http.Request) (model.Scope, time.Time, string, error) {
	q := r.URL.Query()
	scope, err := model.ParseScope(q.Get("scope"))
	if err != nil {
		return "", time.Time{}, "", err
	}

	var instant time.Time
	if raw := q.Get("instant"); raw != "" || scope != model.ScopeAll {
		instant, err = parseInstant("instant", raw)
		if err != nil {
			return "", time.Time{}, "", err
		}
	}

	tz := q.Get("tz")
	if tz == "" && s.cfg != nil {
		tz = s.cfg.Timezone
	}
	return scope, instant, tz, nil
}

// handleEditOccurrence edits one occurrence, the rest of the series, or the
// whole series.
//
// PATCH /api/events/{id}/occurrences?scope=future&instant=2026-01-19T18:00:00Z
func (s *Server) handleEditOccurrence(w http.ResponseWriter, r *http.Request, userID string) {
	scope, instant, tz, err := s.occurrenceTarget(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req patchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}

	ev, err := s.svc.EditOccurrence(r.Context(), userID, r.PathValue("id"), scope, instant, req.toPatch(), tz)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(ev))
}

func (s *Server) handleDeleteOccurrence(w http.ResponseWriter, r *http.Request, userID string) {
	scope, instant, tz, err := s.occurrenceTarget(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if err := s.svc.DeleteOccurrence(r.Context(), userID, r.PathValue("id"), scope, instant, tz); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImport stores the events of an iCalendar body for the user.
//
// POST /api/import?tz=Europe/Berlin   (body: text/calendar)
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, userID string) {
	tz := r.URL.Query().Get("tz")
	if tz == "" && s.cfg != nil {
		tz = s.cfg.Timezone
	}
	loc, err := calendar.ResolveLocation(tz)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: read body: %v", common.ErrorValidation, err))
		return
	}

	events, err := ics.Parse(body, userID, loc)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := s.svc.Import(r.Context(), userID, events)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", common.ErrorValidation, err)
	}
	return nil
}

func parseInstant(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", common.ErrorValidation, name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", common.ErrorValidation, name, err)
	}
	return t, nil
}
