// Package repository persists calendar events: plain events, recurring
// masters with their exclusion sets, and exception instances.
package repository

import (
	"context"
	"time"

	"famcal/internal/model"
)

// Filter narrows a list query to the rows visible to a user: rows whose
// owner is OwnerID, or whose participant list contains ParticipantID.
// An empty ParticipantID matches by owner only.
type Filter struct {
	OwnerID       string
	ParticipantID string
}

// Repository is the storage contract of the calendar engine. List methods
// return rows ordered by starts_at then id. Returned events are copies the
// caller may mutate.
type Repository interface {
	// ListPlain returns plain events overlapping [from, to].
	ListPlain(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error)
	// ListMasters returns masters whose series starts no later than until.
	ListMasters(ctx context.Context, f Filter, until time.Time) ([]model.Event, error)
	// ListExceptions returns exception instances overlapping [from, to].
	ListExceptions(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error)
	// ListSeriesExceptions returns every exception instance of a master.
	ListSeriesExceptions(ctx context.Context, seriesID string) ([]model.Event, error)

	Get(ctx context.Context, id string) (*model.Event, error)
	// Create inserts e. It returns common.ErrorAlreadyExists when the id, or
	// the (series, original occurrence) pair of an exception, is taken.
	Create(ctx context.Context, e *model.Event) error
	// Update rewrites the mutable fields of e and merges its exclusion set.
	Update(ctx context.Context, e *model.Event) error
	// Delete removes an event; deleting a master removes its exception
	// instances with it.
	Delete(ctx context.Context, id string) error

	// AddRecurrenceException adds instant to a master's exclusion set. Adding
	// an instant that is already present is a no-op.
	AddRecurrenceException(ctx context.Context, masterID string, instant time.Time) error
	// SetRecurrenceRule replaces the rule of an existing master.
	SetRecurrenceRule(ctx context.Context, masterID, rule string) error

	// FindException returns the exception instance of seriesID that
	// overrides the occurrence at original.
	FindException(ctx context.Context, seriesID string, original time.Time) (*model.Event, error)
	// DeleteExceptionsFrom removes exception instances of seriesID whose
	// original occurrence is at or after from, and reports how many went.
	DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) (int64, error)
}
