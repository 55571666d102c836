package series

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famcal/internal/common"
	"famcal/internal/model"
	"famcal/internal/recurrence"
	"famcal/internal/repository"
)

type recorder struct {
	mu    sync.Mutex
	users []string
}

func (r *recorder) Invalidate(ctx context.Context, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userIDs...)
}

// flakyRepo fails Create while fail is set.
type flakyRepo struct {
	*repository.MemoryRepository
	fail bool
}

func (f *flakyRepo) Create(ctx context.Context, e *model.Event) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.MemoryRepository.Create(ctx, e)
}

func utc(d, h int) time.Time {
	return time.Date(2026, 1, d, h, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	repo   *flakyRepo
	cache  *recorder
	editor *Editor
	master *model.Event
}

func setup(t *testing.T, rule string, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		repo:  &flakyRepo{MemoryRepository: repository.NewMemoryRepository()},
		cache: &recorder{},
	}
	f.editor = NewEditor(f.repo, recurrence.NewEngine(0), f.cache, opts)

	m, err := f.editor.CreateMaster(context.Background(), "u1", MasterInput{
		Title:        "Practice",
		Location:     "Gym",
		Rule:         rule,
		StartsAt:     utc(5, 18),
		EndsAt:       utc(5, 20),
		Participants: []string{"u2"},
	})
	require.NoError(t, err)
	f.master = m
	f.cache.users = nil
	return f
}

func (f *fixture) instants(t *testing.T, id string, from, to time.Time) []time.Time {
	t.Helper()
	m, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	got, err := recurrence.NewEngine(0).Expand(m.RecurrenceRule, m.StartsAt, from, to, time.UTC)
	require.NoError(t, err)
	var out []time.Time
	for _, in := range got.Instants {
		if !m.IsExcluded(in) {
			out = append(out, in)
		}
	}
	return out
}

func TestCreateMaster(t *testing.T) {
	f := setup(t, "BYDAY=MO;FREQ=WEEKLY", Options{})

	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", f.master.RecurrenceRule)
	assert.Equal(t, model.SourceUser, f.master.Source)
	assert.Equal(t, model.KindMaster, f.master.Kind())

	_, err := f.editor.CreateMaster(context.Background(), "u1", MasterInput{
		Title: "Broken", Rule: "FREQ=FORTNIGHTLY", StartsAt: utc(5, 9), EndsAt: utc(5, 10),
	})
	assert.ErrorIs(t, err, common.ErrorValidation)

	bill, err := f.editor.CreateMaster(context.Background(), "u1", MasterInput{
		Title: "Rent", Rule: "FREQ=MONTHLY;BYMONTHDAY=31", StartsAt: utc(31, 0), EndsAt: utc(31, 0),
		AllDay: true, Source: model.SourceBudget,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceBudget, bill.Source)
	assert.Equal(t, []string{"u1"}, f.cache.users)
}

func TestEditSingle_CreatesExceptionAndExcludesInstant(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	ex, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18),
		model.EventPatch{Title: ptr("Rescheduled")}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, model.KindException, ex.Kind())
	assert.Equal(t, "Rescheduled", ex.Title)
	assert.Equal(t, "Gym", ex.Location)
	assert.Equal(t, []string{"u2"}, ex.Participants)
	assert.Equal(t, utc(12, 18), *ex.OriginalOccurrenceStart)
	assert.Equal(t, utc(12, 18), ex.StartsAt)
	assert.Equal(t, utc(12, 20), ex.EndsAt)

	assert.Equal(t, []time.Time{utc(5, 18), utc(19, 18), utc(26, 18)}, f.instants(t, f.master.ID, utc(1, 0), utc(31, 23)))
	assert.ElementsMatch(t, []string{"u1", "u2"}, f.cache.users)
}

func TestEditSingle_IsIdempotent(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()
	patch := model.EventPatch{Title: ptr("Rescheduled"), StartsAt: ptr(utc(12, 19))}

	first, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18), patch, time.UTC)
	require.NoError(t, err)
	second, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18), patch, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	all, err := f.repo.ListSeriesExceptions(ctx, f.master.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, utc(12, 19), all[0].StartsAt)
	assert.Equal(t, utc(12, 21), all[0].EndsAt)

	m, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(12, 18)}, m.RecurrenceExceptions)
}

func TestEditFuture_SplitsSeries(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	// An exception after the split point is dropped with the tail.
	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(26, 18),
		model.EventPatch{Title: ptr("Late")}, time.UTC)
	require.NoError(t, err)

	next, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
		model.EventPatch{Location: ptr("Field")}, time.UTC)
	require.NoError(t, err)

	old, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;UNTIL=20260118T235959Z", old.RecurrenceRule)
	for _, in := range f.instants(t, old.ID, utc(1, 0), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		assert.True(t, in.Before(utc(19, 18)), "old master yields %v", in)
	}

	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", next.RecurrenceRule)
	assert.Equal(t, "Field", next.Location)
	assert.Equal(t, "Practice", next.Title)
	assert.Equal(t, []string{"u2"}, next.Participants)
	newInstants := f.instants(t, next.ID, utc(1, 0), utc(31, 23))
	require.NotEmpty(t, newInstants)
	assert.Equal(t, utc(19, 18), newInstants[0])

	left, err := f.repo.ListSeriesExceptions(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	// The exclusion recorded for the 26th carries over to the new master.
	assert.Equal(t, []time.Time{utc(19, 18)}, newInstants)
}

func TestEditFuture_KeepsImplicitMonthEnd(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	bill, err := f.editor.CreateMaster(ctx, "u1", MasterInput{
		Title: "Rent", Rule: "FREQ=MONTHLY", StartsAt: utc(31, 9), EndsAt: utc(31, 10),
	})
	require.NoError(t, err)

	feb28 := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	next, err := f.editor.EditOccurrence(ctx, "u1", bill.ID, model.ScopeFuture, feb28,
		model.EventPatch{Title: ptr("Rent (new landlord)")}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "FREQ=MONTHLY;BYMONTHDAY=31", next.RecurrenceRule)
	assert.Equal(t, feb28, next.StartsAt)
	assert.Equal(t, []time.Time{
		feb28,
		time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC),
	}, f.instants(t, next.ID, feb28, time.Date(2026, 4, 30, 23, 0, 0, 0, time.UTC)))
}

func TestEditFuture_RetryConverges(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()
	patch := model.EventPatch{Title: ptr("Evening practice")}

	f.repo.fail = true
	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), patch, time.UTC)
	require.ErrorIs(t, err, common.ErrorConflict)

	// The cut landed; no rollback is attempted.
	old, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Contains(t, old.RecurrenceRule, "UNTIL=20260118T235959Z")

	f.repo.fail = false
	first, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), patch, time.UTC)
	require.NoError(t, err)
	second, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), patch, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	masters, err := f.repo.ListMasters(ctx, repository.Filter{OwnerID: "u1"}, utc(31, 0))
	require.NoError(t, err)
	assert.Len(t, masters, 2)
}

func TestEditFuture_NewRuleAndPreservedTermination(t *testing.T) {
	t.Run("caller rule", func(t *testing.T) {
		f := setup(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=10", Options{})
		next, err := f.editor.EditOccurrence(context.Background(), "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
			model.EventPatch{RecurrenceRule: ptr("FREQ=WEEKLY;INTERVAL=2;BYDAY=MO")}, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO", next.RecurrenceRule)
	})

	t.Run("stripped by default", func(t *testing.T) {
		f := setup(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=10", Options{})
		next, err := f.editor.EditOccurrence(context.Background(), "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
			model.EventPatch{}, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", next.RecurrenceRule)
	})

	t.Run("remaining count kept", func(t *testing.T) {
		f := setup(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=10", Options{PreserveSplitTermination: true})
		next, err := f.editor.EditOccurrence(context.Background(), "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
			model.EventPatch{}, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=8", next.RecurrenceRule)
	})

	t.Run("until kept", func(t *testing.T) {
		f := setup(t, "FREQ=WEEKLY;BYDAY=MO;UNTIL=20260301T000000Z", Options{PreserveSplitTermination: true})
		next, err := f.editor.EditOccurrence(context.Background(), "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
			model.EventPatch{}, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;UNTIL=20260301T000000Z", next.RecurrenceRule)
	})

	t.Run("invalid rule rejected before writes", func(t *testing.T) {
		f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
		_, err := f.editor.EditOccurrence(context.Background(), "u1", f.master.ID, model.ScopeFuture, utc(19, 18),
			model.EventPatch{RecurrenceRule: ptr("FREQ=SECONDLY")}, time.UTC)
		assert.ErrorIs(t, err, common.ErrorValidation)

		m, err := f.repo.Get(context.Background(), f.master.ID)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", m.RecurrenceRule)
	})
}

func TestEditFuture_AtSeriesStartRewritesInPlace(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	got, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(5, 18),
		model.EventPatch{Title: ptr("Renamed")}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, f.master.ID, got.ID)
	assert.Equal(t, "Renamed", got.Title)

	masters, err := f.repo.ListMasters(ctx, repository.Filter{OwnerID: "u1"}, utc(31, 0))
	require.NoError(t, err)
	assert.Len(t, masters, 1)
}

func TestEditAll_UpdatesMaster(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	m, err := f.editor.EditOccurrence(ctx, "u2", f.master.ID, model.ScopeAll, time.Time{},
		model.EventPatch{Title: ptr("Training"), StartsAt: ptr(utc(5, 17)), RecurrenceRule: ptr("FREQ=WEEKLY;BYDAY=MO,WE")}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "Training", m.Title)
	assert.Equal(t, utc(5, 17), m.StartsAt)
	assert.Equal(t, utc(5, 19), m.EndsAt)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO,WE", m.RecurrenceRule)

	all, err := f.repo.ListSeriesExceptions(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteSingle(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18),
		model.EventPatch{Title: ptr("Moved")}, time.UTC)
	require.NoError(t, err)

	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18), time.UTC))
	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(19, 18), time.UTC))
	// Deleting twice is harmless.
	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(19, 18), time.UTC))

	all, err := f.repo.ListSeriesExceptions(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, all)

	m, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(12, 18), utc(19, 18)}, m.RecurrenceExceptions)
	assert.Equal(t, []time.Time{utc(5, 18), utc(26, 18)}, f.instants(t, m.ID, utc(1, 0), utc(31, 23)))
}

func TestDeleteFuture(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), time.UTC))
	assert.Equal(t, []time.Time{utc(5, 18), utc(12, 18)}, f.instants(t, f.master.ID, utc(1, 0), time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)))

	// A retry of the same delete converges.
	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), time.UTC))
}

func TestDeleteFuture_AtStartRemovesSeries(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18),
		model.EventPatch{Title: ptr("Moved")}, time.UTC)
	require.NoError(t, err)

	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(5, 18), time.UTC))

	masters, err := f.repo.ListMasters(ctx, repository.Filter{OwnerID: "u1"}, utc(31, 0))
	require.NoError(t, err)
	assert.Empty(t, masters)
	exceptions, err := f.repo.ListExceptions(ctx, repository.Filter{OwnerID: "u1"}, utc(1, 0), utc(31, 0))
	require.NoError(t, err)
	assert.Empty(t, exceptions)
}

func TestDeleteAll(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	require.NoError(t, f.editor.DeleteOccurrence(ctx, "u2", f.master.ID, model.ScopeAll, time.Time{}, time.UTC))
	_, err := f.repo.Get(ctx, f.master.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.ElementsMatch(t, []string{"u1", "u2"}, f.cache.users)
}

func TestTargetValidation(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	plain, err := model.NewPlainEvent("p1", "u1", "Dentist", utc(7, 9), utc(7, 10))
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(ctx, plain))

	tests := []struct {
		name    string
		actor   string
		id      string
		instant time.Time
		want    error
	}{
		{"stranger", "u9", f.master.ID, utc(12, 18), common.ErrorForbidden},
		{"instant not produced", "u1", f.master.ID, utc(13, 18), common.ErrorNotFound},
		{"wrong time of day", "u1", f.master.ID, utc(12, 17), common.ErrorNotFound},
		{"before series", "u1", f.master.ID, time.Date(2025, 12, 29, 18, 0, 0, 0, time.UTC), common.ErrorNotFound},
		{"plain event", "u1", "p1", utc(7, 9), common.ErrorNotFound},
		{"missing", "u1", "nope", utc(12, 18), common.ErrorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.editor.EditOccurrence(ctx, tt.actor, tt.id, model.ScopeSingle, tt.instant, model.EventPatch{Title: ptr("x")}, time.UTC)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, f.editor.DeleteOccurrence(ctx, tt.actor, tt.id, model.ScopeFuture, tt.instant, time.UTC), tt.want)
		})
	}

	m, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, m.RecurrenceExceptions)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", m.RecurrenceRule)
	assert.Empty(t, f.cache.users)
}

func TestEditSingle_RejectsInvertedTimesBeforeWriting(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18),
		model.EventPatch{StartsAt: ptr(utc(12, 20)), EndsAt: ptr(utc(12, 19))}, time.UTC)
	assert.ErrorIs(t, err, common.ErrorValidation)

	m, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Empty(t, m.RecurrenceExceptions)
}

func TestEditSingle_PartialFailureIsConflictAndRetryConverges(t *testing.T) {
	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()
	patch := model.EventPatch{Title: ptr("Rescheduled")}

	f.repo.fail = true
	_, err := f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18), patch, time.UTC)
	require.ErrorIs(t, err, common.ErrorConflict)

	m, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(12, 18)}, m.RecurrenceExceptions)

	f.repo.fail = false
	_, err = f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeSingle, utc(12, 18), patch, time.UTC)
	require.NoError(t, err)

	all, err := f.repo.ListSeriesExceptions(ctx, f.master.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, []time.Time{utc(12, 18)}, m.RecurrenceExceptions)
}

func TestFutureSplit_UsesCallerTimezoneForCut(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	f := setup(t, "FREQ=WEEKLY;BYDAY=MO", Options{})
	ctx := context.Background()

	// Monday 18:00 UTC is 10:00 in Los Angeles; the cut is the end of Sunday there.
	_, err = f.editor.EditOccurrence(ctx, "u1", f.master.ID, model.ScopeFuture, utc(19, 18), model.EventPatch{}, la)
	require.NoError(t, err)

	old, err := f.repo.Get(ctx, f.master.ID)
	require.NoError(t, err)
	want := time.Date(2026, 1, 18, 23, 59, 59, 0, la).UTC().Format(model.InstantLayout)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;UNTIL="+want, old.RecurrenceRule)
}

func TestInstanceIDIsDeterministic(t *testing.T) {
	a := instanceID("m1", "exception", utc(12, 18))
	assert.Equal(t, a, instanceID("m1", "exception", utc(12, 18).In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, a, instanceID("m1", "split", utc(12, 18)))
	assert.NotEqual(t, a, instanceID("m2", "exception", utc(12, 18)))
}
