package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famcal/internal/common"
	"famcal/internal/model"
)

func at(d, h int) time.Time {
	return time.Date(2026, 1, d, h, 0, 0, 0, time.UTC)
}

func seed(t *testing.T) (*MemoryRepository, *model.Event) {
	t.Helper()
	r := NewMemoryRepository()
	ctx := context.Background()

	m, err := model.NewMasterEvent("m1", "u1", "Practice", "FREQ=WEEKLY;BYDAY=MO", at(5, 18), at(5, 20))
	require.NoError(t, err)
	m.Participants = []string{"u2"}
	require.NoError(t, r.Create(ctx, m))

	p, err := model.NewPlainEvent("p1", "u1", "Dentist", at(7, 9), at(7, 10))
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, p))

	other, err := model.NewPlainEvent("p2", "u3", "Elsewhere", at(7, 9), at(7, 10))
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, other))

	return r, m
}

func TestMemory_CreateRejectsDuplicates(t *testing.T) {
	r, m := seed(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.Create(ctx, m), common.ErrorAlreadyExists)

	ex, err := model.NewExceptionEvent("x1", m, at(12, 18), at(12, 19), at(12, 21))
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, ex))

	dup, err := model.NewExceptionEvent("x2", m, at(12, 18), at(12, 19), at(12, 21))
	require.NoError(t, err)
	assert.ErrorIs(t, r.Create(ctx, dup), common.ErrorAlreadyExists)
}

func TestMemory_CreateExceptionNeedsMaster(t *testing.T) {
	r, m := seed(t)
	orphan, err := model.NewExceptionEvent("x1", m, at(12, 18), at(12, 18), at(12, 20))
	require.NoError(t, err)
	orphan.SeriesID = "missing"

	assert.ErrorIs(t, r.Create(context.Background(), orphan), common.ErrorNotFound)
}

func TestMemory_ListsAreScopedAndTyped(t *testing.T) {
	r, _ := seed(t)
	ctx := context.Background()

	plain, err := r.ListPlain(ctx, Filter{OwnerID: "u1"}, at(1, 0), at(31, 0))
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Equal(t, "p1", plain[0].ID)

	masters, err := r.ListMasters(ctx, Filter{OwnerID: "u1"}, at(31, 0))
	require.NoError(t, err)
	require.Len(t, masters, 1)
	assert.Equal(t, "m1", masters[0].ID)

	// A participant sees the shared master but not the owner's private event.
	masters, err = r.ListMasters(ctx, Filter{OwnerID: "u2", ParticipantID: "u2"}, at(31, 0))
	require.NoError(t, err)
	assert.Len(t, masters, 1)
	plain, err = r.ListPlain(ctx, Filter{OwnerID: "u2", ParticipantID: "u2"}, at(1, 0), at(31, 0))
	require.NoError(t, err)
	assert.Empty(t, plain)

	// Masters starting after the window are not returned.
	masters, err = r.ListMasters(ctx, Filter{OwnerID: "u1"}, at(4, 0))
	require.NoError(t, err)
	assert.Empty(t, masters)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	r, _ := seed(t)
	ctx := context.Background()

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	got.Participants[0] = "mallory"

	again, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, again.Participants)
}

func TestMemory_ExclusionSetOnlyGrows(t *testing.T) {
	r, _ := seed(t)
	ctx := context.Background()

	require.NoError(t, r.AddRecurrenceException(ctx, "m1", at(12, 18)))
	require.NoError(t, r.AddRecurrenceException(ctx, "m1", at(12, 18)))
	require.NoError(t, r.AddRecurrenceException(ctx, "m1", at(19, 18)))

	m, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(12, 18), at(19, 18)}, m.RecurrenceExceptions)

	// Update with a stale copy does not drop exclusions.
	m.RecurrenceExceptions = nil
	m.Title = "Renamed"
	require.NoError(t, r.Update(ctx, m))
	m, err = r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", m.Title)
	assert.Len(t, m.RecurrenceExceptions, 2)

	assert.ErrorIs(t, r.AddRecurrenceException(ctx, "p1", at(7, 9)), common.ErrorNotFound)
}

func TestMemory_DeleteMasterCascades(t *testing.T) {
	r, m := seed(t)
	ctx := context.Background()

	ex, err := model.NewExceptionEvent("x1", m, at(12, 18), at(12, 19), at(12, 21))
	require.NoError(t, err)
	require.NoError(t, r.Create(ctx, ex))

	require.NoError(t, r.Delete(ctx, "m1"))
	_, err = r.Get(ctx, "x1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.ErrorIs(t, r.Delete(ctx, "m1"), common.ErrorNotFound)
}

func TestMemory_SeriesExceptionLookups(t *testing.T) {
	r, m := seed(t)
	ctx := context.Background()

	for i, d := range []int{12, 19, 26} {
		ex, err := model.NewExceptionEvent(string(rune('a'+i)), m, at(d, 18), at(d, 18), at(d, 19))
		require.NoError(t, err)
		require.NoError(t, r.Create(ctx, ex))
	}

	found, err := r.FindException(ctx, "m1", at(19, 18))
	require.NoError(t, err)
	assert.Equal(t, "b", found.ID)

	_, err = r.FindException(ctx, "m1", at(5, 18))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	n, err := r.DeleteExceptionsFrom(ctx, "m1", at(19, 18))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := r.ListSeriesExceptions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a", left[0].ID)
}

func TestMemory_SetRecurrenceRule(t *testing.T) {
	r, _ := seed(t)
	ctx := context.Background()

	require.NoError(t, r.SetRecurrenceRule(ctx, "m1", "FREQ=WEEKLY;BYDAY=MO;UNTIL=20260118T235959Z"))
	m, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;UNTIL=20260118T235959Z", m.RecurrenceRule)

	assert.ErrorIs(t, r.SetRecurrenceRule(ctx, "p1", "FREQ=DAILY"), common.ErrorNotFound)
	assert.ErrorIs(t, r.SetRecurrenceRule(ctx, "m1", ""), common.ErrorValidation)
}
