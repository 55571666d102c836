package model

import (
	"fmt"
	"slices"
	"time"

	"famcal/internal/common"
)

// Kind discriminates the three shapes a stored Event can take.
type Kind int

const (
	KindPlain Kind = iota
	KindMaster
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindMaster:
		return "master"
	case KindException:
		return "exception"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source is an opaque provenance tag.
type Source string

const (
	SourceNone   Source = ""
	SourceUser   Source = "user"
	SourceBudget Source = "budget"
	SourceImport Source = "import"
)

// InstantLayout is the canonical text form of an occurrence instant, used in
// synthetic occurrence ids and exclusion-set keys.
const InstantLayout = "20060102T150405Z"

// Event is the stored calendar row. Recurring masters, exception instances
// and plain events share this shape; Kind() tells them apart and Validate()
// rejects combinations the domain forbids.
type Event struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Location    string

	StartsAt time.Time
	EndsAt   time.Time
	AllDay   bool

	// RecurrenceRule is set on masters only.
	RecurrenceRule string
	// RecurrenceExceptions is the master's exclusion set.
	RecurrenceExceptions []time.Time

	// SeriesID and OriginalOccurrenceStart are set on exception instances only.
	SeriesID                string
	OriginalOccurrenceStart *time.Time

	Source       Source
	Participants []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind reports the event's shape. It does not validate; see Validate.
func (e *Event) Kind() Kind {
	switch {
	case e.SeriesID != "":
		return KindException
	case e.RecurrenceRule != "":
		return KindMaster
	default:
		return KindPlain
	}
}

// Validate enforces the structural invariants of an Event.
func (e *Event) Validate() error {
	if e.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", common.ErrorValidation)
	}
	if e.StartsAt.IsZero() || e.EndsAt.IsZero() {
		return fmt.Errorf("%w: start and end are required", common.ErrorValidation)
	}
	if e.EndsAt.Before(e.StartsAt) {
		return fmt.Errorf("%w: ends_at before starts_at", common.ErrorValidation)
	}
	if e.SeriesID != "" && e.RecurrenceRule != "" {
		return fmt.Errorf("%w: an exception instance cannot carry a recurrence rule", common.ErrorValidation)
	}

	switch e.Kind() {
	case KindPlain:
		if e.OriginalOccurrenceStart != nil || len(e.RecurrenceExceptions) > 0 {
			return fmt.Errorf("%w: plain event carries series data", common.ErrorValidation)
		}
	case KindMaster:
		if e.OriginalOccurrenceStart != nil {
			return fmt.Errorf("%w: master carries an original occurrence start", common.ErrorValidation)
		}
	case KindException:
		if e.OriginalOccurrenceStart == nil {
			return fmt.Errorf("%w: exception instance needs an original occurrence start", common.ErrorValidation)
		}
		if len(e.RecurrenceExceptions) > 0 {
			return fmt.Errorf("%w: exception instance carries an exclusion set", common.ErrorValidation)
		}
	}
	return nil
}

// NewPlainEvent builds and validates a non-recurring event.
func NewPlainEvent(id, ownerID, title string, start, end time.Time) (*Event, error) {
	e := &Event{ID: id, OwnerID: ownerID, Title: title, StartsAt: start.UTC(), EndsAt: end.UTC()}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewMasterEvent builds and validates a recurring master.
func NewMasterEvent(id, ownerID, title, rule string, start, end time.Time) (*Event, error) {
	if rule == "" {
		return nil, fmt.Errorf("%w: master requires a recurrence rule", common.ErrorValidation)
	}
	e := &Event{ID: id, OwnerID: ownerID, Title: title, RecurrenceRule: rule, StartsAt: start.UTC(), EndsAt: end.UTC()}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewExceptionEvent builds and validates an exception instance overriding
// the occurrence of master at original.
func NewExceptionEvent(id string, master *Event, original, start, end time.Time) (*Event, error) {
	if master == nil || master.Kind() != KindMaster {
		return nil, fmt.Errorf("%w: exception parent must be a master", common.ErrorValidation)
	}
	orig := original.UTC()
	e := &Event{
		ID:                      id,
		OwnerID:                 master.OwnerID,
		Title:                   master.Title,
		Description:             master.Description,
		Location:                master.Location,
		AllDay:                  master.AllDay,
		Source:                  master.Source,
		Participants:            slices.Clone(master.Participants),
		SeriesID:                master.ID,
		OriginalOccurrenceStart: &orig,
		StartsAt:                start.UTC(),
		EndsAt:                  end.UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Duration is the fixed length shared by every occurrence of a master.
func (e *Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// HasParticipant reports whether userID is the owner or a participant.
func (e *Event) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return e.OwnerID == userID || slices.Contains(e.Participants, userID)
}

// IsExcluded reports whether t is in the exclusion set.
func (e *Event) IsExcluded(t time.Time) bool {
	for _, x := range e.RecurrenceExceptions {
		if x.Equal(t) {
			return true
		}
	}
	return false
}

// Audience returns the owner followed by the distinct participants.
func (e *Event) Audience() []string {
	out := []string{e.OwnerID}
	for _, p := range e.Participants {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.RecurrenceExceptions = slices.Clone(e.RecurrenceExceptions)
	c.Participants = slices.Clone(e.Participants)
	if e.OriginalOccurrenceStart != nil {
		t := *e.OriginalOccurrenceStart
		c.OriginalOccurrenceStart = &t
	}
	return &c
}

// Occurrence is one entry of a query result: a plain event, a materialized
// exception instance, or a virtual occurrence computed from a master.
type Occurrence struct {
	// ID is the event id, or master id + "_" + start for virtual occurrences.
	ID string `json:"id"`

	// MasterEventID is set for virtual occurrences and exception instances.
	MasterEventID string `json:"master_event_id,omitempty"`
	IsOccurrence  bool   `json:"is_occurrence"`
	Kind          string `json:"kind"`

	OwnerID      string   `json:"owner_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Source       Source   `json:"source,omitempty"`

	AllDay   bool      `json:"all_day"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	OriginalOccurrenceStart *time.Time `json:"original_occurrence_start,omitempty"`
}

// OccurrenceID builds the synthetic id of a virtual occurrence.
func OccurrenceID(masterID string, start time.Time) string {
	return masterID + "_" + start.UTC().Format(InstantLayout)
}

// FromEvent converts a stored plain event or exception instance into its
// display form.
func FromEvent(e *Event) Occurrence {
	occ := Occurrence{
		ID:           e.ID,
		Kind:         e.Kind().String(),
		OwnerID:      e.OwnerID,
		Title:        e.Title,
		Description:  e.Description,
		Location:     e.Location,
		Participants: slices.Clone(e.Participants),
		Source:       e.Source,
		AllDay:       e.AllDay,
		StartsAt:     e.StartsAt,
		EndsAt:       e.EndsAt,
	}
	if e.Kind() == KindException {
		occ.MasterEventID = e.SeriesID
		t := *e.OriginalOccurrenceStart
		occ.OriginalOccurrenceStart = &t
	}
	return occ
}

// Scope selects which part of a series an edit or delete applies to.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeFuture Scope = "future"
	ScopeAll    Scope = "all"
)

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSingle, ScopeFuture, ScopeAll:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", common.ErrorValidation, s)
	}
}

// EventPatch carries the optional fields of an edit. Nil means unchanged.
type EventPatch struct {
	Title        *string
	Description  *string
	Location     *string
	StartsAt     *time.Time
	EndsAt       *time.Time
	AllDay       *bool
	Participants *[]string
	// RecurrenceRule replaces the rule of the new master in a future split.
	RecurrenceRule *string
}

// Apply copies the display fields of the patch onto e. Times are left to the
// caller because their meaning depends on the edit scope.
func (p EventPatch) Apply(e *Event) {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.AllDay != nil {
		e.AllDay = *p.AllDay
	}
	if p.Participants != nil {
		e.Participants = slices.Clone(*p.Participants)
	}
}
