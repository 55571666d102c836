// Package calendar answers window queries over a user's calendar and is the
// single entry point for mutations, so that every write reaches the cache.
package calendar

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"famcal/internal/cache"
	"famcal/internal/common"
	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/occurrence"
	"famcal/internal/repository"
	"famcal/internal/series"
)

// floatingSlack widens storage reads so that all-day rows, stored at UTC
// midnight, are found for windows in any zone (offsets span -12h..+14h).
const floatingSlack = 14 * time.Hour

// Service is the calendar facade.
type Service struct {
	repo     repository.Repository
	expander *occurrence.Expander
	editor   *series.Editor
	cache    *cache.Cache
	newID    func() string
}

func NewService(repo repository.Repository, expander *occurrence.Expander, editor *series.Editor, c *cache.Cache) *Service {
	return &Service{repo: repo, expander: expander, editor: editor, cache: c, newID: uuid.NewString}
}

// ResolveLocation maps an IANA name to a location; empty means UTC.
func ResolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", common.ErrorValidation, tz)
	}
	return loc, nil
}

// Query returns every event and occurrence visible to ownerID (as owner,
// or as participantID when given) whose span touches [start, end], sorted
// by start then id.
func (s *Service) Query(ctx context.Context, ownerID, participantID string, start, end time.Time, tz string) ([]model.Occurrence, error) {
	loc, err := ResolveLocation(tz)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end before range start", common.ErrorValidation)
	}
	if participantID == "" {
		participantID = ownerID
	}

	w := cache.Window{Start: start, End: end, Timezone: loc.String(), ParticipantID: participantID}
	key, cacheable := s.cache.Key(ctx, ownerID, w)
	if cacheable {
		if hit, ok := s.cache.Get(ctx, key); ok {
			return hit, nil
		}
	}

	out, err := s.compute(ctx, repository.Filter{OwnerID: ownerID, ParticipantID: participantID}, start, end, loc)
	if err != nil {
		return nil, err
	}

	if cacheable {
		s.cache.Put(ctx, key, out)
	}
	return out, nil
}

func (s *Service) compute(ctx context.Context, f repository.Filter, start, end time.Time, loc *time.Location) ([]model.Occurrence, error) {
	from, to := start.Add(-floatingSlack), end.Add(floatingSlack)

	plain, err := s.repo.ListPlain(ctx, f, from, to)
	if err != nil {
		return nil, fmt.Errorf("list plain events: %w", err)
	}
	masters, err := s.repo.ListMasters(ctx, f, to)
	if err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	exceptions, err := s.repo.ListExceptions(ctx, f, from, to)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}

	expanded, err := s.expander.Expand(masters, occurrence.ExpandConfig{
		Location:   loc,
		RangeStart: start,
		RangeEnd:   end,
		Overrides:  exceptions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}

	out := make([]model.Occurrence, 0, len(plain)+len(exceptions)+len(expanded.Occurrences))
	for i := range plain {
		if touches(&plain[i], start, end, loc) {
			out = append(out, model.FromEvent(&plain[i]))
		}
	}
	for i := range exceptions {
		if touches(&exceptions[i], start, end, loc) {
			out = append(out, model.FromEvent(&exceptions[i]))
		}
	}
	out = append(out, expanded.Occurrences...)

	slices.SortStableFunc(out, func(a, b model.Occurrence) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// touches reports whether e overlaps [start, end]. All-day rows are
// compared by calendar day in loc, with their end treated as exclusive.
func touches(e *model.Event, start, end time.Time, loc *time.Location) bool {
	if !e.AllDay {
		return !e.StartsAt.After(end) && !e.EndsAt.Before(start)
	}
	first := occurrence.FloatingDate(start, loc)
	last := occurrence.FloatingDate(end, loc)
	if e.StartsAt.After(last) {
		return false
	}
	return e.EndsAt.After(first) || !e.StartsAt.Before(first)
}

// EventInput carries the fields of a new event. A non-empty Rule makes it
// a recurring master.
type EventInput struct {
	Title        string
	Description  string
	Location     string
	StartsAt     time.Time
	EndsAt       time.Time
	AllDay       bool
	Participants []string
	Rule         string
	Source       model.Source
}

// CreateEvent stores a plain event, or a master when in.Rule is set.
func (s *Service) CreateEvent(ctx context.Context, ownerID string, in EventInput) (*model.Event, error) {
	if in.Rule != "" {
		return s.CreateMaster(ctx, ownerID, series.MasterInput{
			Title:        in.Title,
			Description:  in.Description,
			Location:     in.Location,
			Rule:         in.Rule,
			StartsAt:     in.StartsAt,
			EndsAt:       in.EndsAt,
			AllDay:       in.AllDay,
			Participants: in.Participants,
			Source:       in.Source,
		})
	}

	e, err := model.NewPlainEvent(s.newID(), ownerID, in.Title, in.StartsAt, in.EndsAt)
	if err != nil {
		return nil, err
	}
	e.Description = in.Description
	e.Location = in.Location
	e.AllDay = in.AllDay
	e.Participants = slices.Clone(in.Participants)
	e.Source = in.Source
	if e.Source == model.SourceNone {
		e.Source = model.SourceUser
	}

	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, e.Audience()...)
	appLog.Info("calendar: event created", "event_id", e.ID, "owner_id", ownerID)
	return e, nil
}

// CreateMaster stores a recurring master.
func (s *Service) CreateMaster(ctx context.Context, ownerID string, in series.MasterInput) (*model.Event, error) {
	return s.editor.CreateMaster(ctx, ownerID, in)
}

// UpdateEvent patches a stored event in place. A master is updated as a
// whole series.
func (s *Service) UpdateEvent(ctx context.Context, actorID, id string, patch model.EventPatch) (*model.Event, error) {
	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.Kind() == model.KindMaster {
		return s.editor.EditOccurrence(ctx, actorID, id, model.ScopeAll, time.Time{}, patch, nil)
	}
	if !before.HasParticipant(actorID) {
		return nil, fmt.Errorf("user %s on event %s: %w", actorID, id, common.ErrorForbidden)
	}
	if patch.RecurrenceRule != nil {
		return nil, fmt.Errorf("%w: a recurrence rule cannot be added to an existing event", common.ErrorValidation)
	}

	e := before.Clone()
	patch.Apply(e)
	if patch.StartsAt != nil {
		dur := e.Duration()
		e.StartsAt = patch.StartsAt.UTC()
		e.EndsAt = e.StartsAt.Add(dur)
	}
	if patch.EndsAt != nil {
		e.EndsAt = patch.EndsAt.UTC()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, union(before.Audience(), e.Audience())...)
	appLog.Info("calendar: event updated", "event_id", id, "kind", e.Kind().String())
	return e, nil
}

// DeleteEvent removes a stored event; a master goes with its series.
func (s *Service) DeleteEvent(ctx context.Context, actorID, id string) error {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Kind() == model.KindMaster {
		return s.editor.DeleteOccurrence(ctx, actorID, id, model.ScopeAll, time.Time{}, nil)
	}
	if !e.HasParticipant(actorID) {
		return fmt.Errorf("user %s on event %s: %w", actorID, id, common.ErrorForbidden)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, e.Audience()...)
	appLog.Info("calendar: event deleted", "event_id", id, "kind", e.Kind().String())
	return nil
}

// EditOccurrence edits one occurrence of a master in the given scope; tz is
// the zone the caller sees the calendar in.
func (s *Service) EditOccurrence(ctx context.Context, actorID, masterID string, scope model.Scope, instant time.Time, patch model.EventPatch, tz string) (*model.Event, error) {
	loc, err := ResolveLocation(tz)
	if err != nil {
		return nil, err
	}
	return s.editor.EditOccurrence(ctx, actorID, masterID, scope, instant, patch, loc)
}

// DeleteOccurrence deletes one occurrence of a master in the given scope.
func (s *Service) DeleteOccurrence(ctx context.Context, actorID, masterID string, scope model.Scope, instant time.Time, tz string) error {
	loc, err := ResolveLocation(tz)
	if err != nil {
		return err
	}
	return s.editor.DeleteOccurrence(ctx, actorID, masterID, scope, instant, loc)
}

// ImportResult counts the rows an import wrote.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Import upserts externally produced events for ownerID. Masters and plain
// events are written before exception instances, and every exception's
// original instant is added to its master's exclusion set. Rows that fail
// validation are skipped and counted.
func (s *Service) Import(ctx context.Context, ownerID string, events []model.Event) (ImportResult, error) {
	var res ImportResult

	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b model.Event) int {
		return cmp.Compare(importRank(&a), importRank(&b))
	})

	audience := []string{ownerID}
	defer func() { s.cache.Invalidate(ctx, audience...) }()

	for i := range ordered {
		e := &ordered[i]
		e.OwnerID = ownerID

		err := s.repo.Create(ctx, e)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, common.ErrorAlreadyExists):
			if err := s.repo.Update(ctx, e); err != nil {
				return res, fmt.Errorf("import %s: %w", e.ID, err)
			}
			res.Updated++
		case errors.Is(err, common.ErrorValidation), errors.Is(err, common.ErrorNotFound):
			appLog.Warn("calendar: import skipped event", "event_id", e.ID, "err", err)
			res.Skipped++
			continue
		default:
			return res, fmt.Errorf("import %s: %w", e.ID, err)
		}

		audience = union(audience, e.Audience())
		if e.Kind() == model.KindException {
			if err := s.repo.AddRecurrenceException(ctx, e.SeriesID, *e.OriginalOccurrenceStart); err != nil {
				return res, fmt.Errorf("import %s: %w", e.ID, err)
			}
		}
	}

	appLog.Info("calendar: import finished", "owner_id", ownerID,
		"created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

func importRank(e *model.Event) int {
	if e.Kind() == model.KindException {
		return 1
	}
	return 0
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
