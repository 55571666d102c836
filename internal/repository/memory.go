package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"famcal/internal/common"
	"famcal/internal/model"
)

// MemoryRepository keeps events in process memory. It honours the same
// constraints as the PostgreSQL schema and is used by tests and by the
// "memory" storage driver.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*model.Event
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*model.Event), now: time.Now}
}

func (r *MemoryRepository) ListPlain(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error) {
	return r.list(f, func(e *model.Event) bool {
		return e.Kind() == model.KindPlain && overlaps(e, from, to)
	}), nil
}

func (r *MemoryRepository) ListMasters(ctx context.Context, f Filter, until time.Time) ([]model.Event, error) {
	return r.list(f, func(e *model.Event) bool {
		return e.Kind() == model.KindMaster && !e.StartsAt.After(until)
	}), nil
}

func (r *MemoryRepository) ListExceptions(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error) {
	return r.list(f, func(e *model.Event) bool {
		return e.Kind() == model.KindException && overlaps(e, from, to)
	}), nil
}

func (r *MemoryRepository) ListSeriesExceptions(ctx context.Context, seriesID string) ([]model.Event, error) {
	return r.list(Filter{}, func(e *model.Event) bool {
		return e.SeriesID == seriesID
	}), nil
}

func (r *MemoryRepository) list(f Filter, keep func(*model.Event) bool) []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Event, 0)
	for _, e := range r.events {
		if f.OwnerID != "" || f.ParticipantID != "" {
			if e.OwnerID != f.OwnerID && (f.ParticipantID == "" || !slices.Contains(e.Participants, f.ParticipantID)) {
				continue
			}
		}
		if keep(e) {
			out = append(out, *e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Event) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, common.ErrorNotFound)
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) Create(ctx context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, common.ErrorAlreadyExists)
	}
	if e.Kind() == model.KindException {
		if m, ok := r.events[e.SeriesID]; !ok || m.Kind() != model.KindMaster {
			return fmt.Errorf("series %s: %w", e.SeriesID, common.ErrorNotFound)
		}
		if r.findException(e.SeriesID, *e.OriginalOccurrenceStart) != nil {
			return fmt.Errorf("exception of %s at %s: %w", e.SeriesID,
				e.OriginalOccurrenceStart.UTC().Format(model.InstantLayout), common.ErrorAlreadyExists)
		}
	}

	now := r.now().UTC()
	c := e.Clone()
	c.CreatedAt, c.UpdatedAt = now, now
	r.events[c.ID] = c
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.events[e.ID]
	if !ok {
		return fmt.Errorf("event %s: %w", e.ID, common.ErrorNotFound)
	}

	c := e.Clone()
	c.OwnerID = cur.OwnerID
	c.SeriesID = cur.SeriesID
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = r.now().UTC()
	c.RecurrenceExceptions = mergeInstants(cur.RecurrenceExceptions, e.RecurrenceExceptions)
	r.events[c.ID] = c
	e.UpdatedAt = c.UpdatedAt
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[id]; !ok {
		return fmt.Errorf("event %s: %w", id, common.ErrorNotFound)
	}
	delete(r.events, id)
	for k, e := range r.events {
		if e.SeriesID == id {
			delete(r.events, k)
		}
	}
	return nil
}

func (r *MemoryRepository) AddRecurrenceException(ctx context.Context, masterID string, instant time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.events[masterID]
	if !ok || m.Kind() != model.KindMaster {
		return fmt.Errorf("master %s: %w", masterID, common.ErrorNotFound)
	}
	m.RecurrenceExceptions = mergeInstants(m.RecurrenceExceptions, []time.Time{instant})
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepository) SetRecurrenceRule(ctx context.Context, masterID, rule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.events[masterID]
	if !ok || m.Kind() != model.KindMaster {
		return fmt.Errorf("master %s: %w", masterID, common.ErrorNotFound)
	}
	if rule == "" {
		return fmt.Errorf("%w: empty recurrence rule", common.ErrorValidation)
	}
	m.RecurrenceRule = rule
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepository) FindException(ctx context.Context, seriesID string, original time.Time) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.findException(seriesID, original); e != nil {
		return e.Clone(), nil
	}
	return nil, fmt.Errorf("exception of %s at %s: %w", seriesID, original.UTC().Format(model.InstantLayout), common.ErrorNotFound)
}

func (r *MemoryRepository) findException(seriesID string, original time.Time) *model.Event {
	for _, e := range r.events {
		if e.SeriesID == seriesID && e.OriginalOccurrenceStart.Equal(original) {
			return e
		}
	}
	return nil
}

func (r *MemoryRepository) DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, e := range r.events {
		if e.SeriesID == seriesID && !e.OriginalOccurrenceStart.Before(from) {
			delete(r.events, k)
			n++
		}
	}
	return n, nil
}

func overlaps(e *model.Event, from, to time.Time) bool {
	return !e.StartsAt.After(to) && !e.EndsAt.Before(from)
}

// mergeInstants returns the sorted union of a and b, normalized to UTC.
func mergeInstants(a, b []time.Time) []time.Time {
	out := make([]time.Time, 0, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		t = t.UTC()
		if !slices.ContainsFunc(out, t.Equal) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, time.Time.Compare)
	return out
}
