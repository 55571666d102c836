// Package series applies recurring-aware edits and deletes to a master
// event: a single occurrence, an occurrence and everything after it
// (a series split), or the whole series.
package series

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"famcal/internal/common"
	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/recurrence"
	"famcal/internal/repository"
)

// idNamespace seeds the deterministic ids of exception instances and split
// masters, so that re-applying an edit lands on the same row.
var idNamespace = uuid.MustParse("6f1c2d7e-8b4a-4f3e-9a51-2c7d0e4b9f10")

// Invalidator is the slice of the cache the editor needs.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...string)
}

// Options tunes editor policy.
type Options struct {
	// PreserveSplitTermination makes a future split without a new rule keep
	// the old rule's UNTIL, or the COUNT still remaining at the split point.
	// When false the new master recurs indefinitely.
	PreserveSplitTermination bool
}

// Editor mutates recurring series.
type Editor struct {
	repo   repository.Repository
	engine *recurrence.Engine
	cache  Invalidator
	opts   Options
	newID  func() string
}

func NewEditor(repo repository.Repository, engine *recurrence.Engine, cache Invalidator, opts Options) *Editor {
	return &Editor{repo: repo, engine: engine, cache: cache, opts: opts, newID: uuid.NewString}
}

// MasterInput carries the fields of a new recurring master.
type MasterInput struct {
	Title        string
	Description  string
	Location     string
	Rule         string
	StartsAt     time.Time
	EndsAt       time.Time
	AllDay       bool
	Participants []string
	Source       model.Source
}

// CreateMaster stores a new master owned by ownerID. The rule is parsed and
// stored in canonical form.
func (e *Editor) CreateMaster(ctx context.Context, ownerID string, in MasterInput) (*model.Event, error) {
	rule, err := recurrence.Parse(in.Rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}

	m, err := model.NewMasterEvent(e.newID(), ownerID, in.Title, rule.String(), in.StartsAt, in.EndsAt)
	if err != nil {
		return nil, err
	}
	m.Description = in.Description
	m.Location = in.Location
	m.AllDay = in.AllDay
	m.Participants = slices.Clone(in.Participants)
	m.Source = in.Source
	if m.Source == model.SourceNone {
		m.Source = model.SourceUser
	}

	if err := e.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	e.cache.Invalidate(ctx, m.Audience()...)
	appLog.Info("series: master created", "master_id", m.ID, "owner_id", ownerID, "rule", m.RecurrenceRule, "source", string(m.Source))
	return m, nil
}

// EditOccurrence edits the occurrence of masterID at instant. It returns
// the exception instance (single), the new master (future) or the updated
// master (all). loc is the timezone the caller sees the calendar in.
func (e *Editor) EditOccurrence(ctx context.Context, actorID, masterID string, scope model.Scope, instant time.Time, patch model.EventPatch, loc *time.Location) (*model.Event, error) {
	if scope == model.ScopeAll {
		return e.editAll(ctx, actorID, masterID, patch)
	}

	t, err := e.target(ctx, actorID, masterID, instant, loc)
	if err != nil {
		return nil, err
	}

	switch scope {
	case model.ScopeSingle:
		return e.editSingle(ctx, t, patch)
	case model.ScopeFuture:
		if t.instant.Equal(t.master.StartsAt) {
			return e.editFromStart(ctx, t, patch)
		}
		return e.editFuture(ctx, t, patch)
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", common.ErrorValidation, scope)
	}
}

// DeleteOccurrence deletes the occurrence of masterID at instant in the
// given scope.
func (e *Editor) DeleteOccurrence(ctx context.Context, actorID, masterID string, scope model.Scope, instant time.Time, loc *time.Location) error {
	if scope == model.ScopeAll {
		m, err := e.master(ctx, actorID, masterID)
		if err != nil {
			return err
		}
		return e.deleteSeries(ctx, m)
	}

	t, err := e.target(ctx, actorID, masterID, instant, loc)
	if err != nil {
		return err
	}

	switch scope {
	case model.ScopeSingle:
		return e.deleteSingle(ctx, t)
	case model.ScopeFuture:
		if t.instant.Equal(t.master.StartsAt) {
			return e.deleteSeries(ctx, t.master)
		}
		return e.deleteFuture(ctx, t)
	default:
		return fmt.Errorf("%w: unknown scope %q", common.ErrorValidation, scope)
	}
}

// target is a validated (master, occurrence) pair.
type target struct {
	master  *model.Event
	rule    recurrence.Rule
	instant time.Time
	// loc is the evaluation zone: UTC for all-day masters.
	loc *time.Location
	// resumed marks an instant the series was already cut at.
	resumed bool
}

func (e *Editor) master(ctx context.Context, actorID, masterID string) (*model.Event, error) {
	m, err := e.repo.Get(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if m.Kind() != model.KindMaster {
		return nil, fmt.Errorf("master %s: %w", masterID, common.ErrorNotFound)
	}
	if !m.HasParticipant(actorID) {
		return nil, fmt.Errorf("user %s on master %s: %w", actorID, masterID, common.ErrorForbidden)
	}
	return m, nil
}

// target loads the master, checks access and checks that the rule yields
// instant. An instant at which the series was already cut by an earlier
// split is accepted too, so that a retried split converges.
func (e *Editor) target(ctx context.Context, actorID, masterID string, instant time.Time, loc *time.Location) (target, error) {
	m, err := e.master(ctx, actorID, masterID)
	if err != nil {
		return target{}, err
	}
	if loc == nil || m.AllDay {
		loc = time.UTC
	}
	instant = instant.UTC()

	notFound := fmt.Errorf("occurrence of %s at %s: %w", masterID, instant.Format(model.InstantLayout), common.ErrorNotFound)

	rule, err := recurrence.Parse(m.RecurrenceRule)
	if err != nil {
		appLog.Warn("series: master has an unusable rule", "master_id", m.ID, "err", err)
		return target{}, notFound
	}

	t := target{master: m, rule: rule, instant: instant, loc: loc}
	if e.yields(rule, m.StartsAt, instant, loc) {
		return t, nil
	}
	if rule.Until.Equal(recurrence.EndOfPreviousDay(instant, loc)) && e.yields(rule.WithoutTermination(), m.StartsAt, instant, loc) {
		t.resumed = true
		return t, nil
	}
	return target{}, notFound
}

func (e *Editor) yields(r recurrence.Rule, seriesStart, instant time.Time, loc *time.Location) bool {
	got := e.engine.ExpandRule(r, seriesStart, instant, instant, loc).Instants
	return len(got) > 0 && got[0].Equal(instant)
}

func (e *Editor) editSingle(ctx context.Context, t target, patch model.EventPatch) (*model.Event, error) {
	m := t.master
	start, end, err := patchedTimes(patch, t.instant, m.Duration())
	if err != nil {
		return nil, err
	}

	ex, err := model.NewExceptionEvent(instanceID(m.ID, "exception", t.instant), m, t.instant, start, end)
	if err != nil {
		return nil, err
	}
	patch.Apply(ex)
	if err := ex.Validate(); err != nil {
		return nil, err
	}

	if err := e.repo.AddRecurrenceException(ctx, m.ID, t.instant); err != nil {
		return nil, err
	}

	if err := e.upsertException(ctx, ex); err != nil {
		return nil, partial("single edit", m.ID, t.instant, err)
	}

	e.cache.Invalidate(ctx, union(m.Audience(), ex.Audience())...)
	appLog.Info("series: occurrence edited", "master_id", m.ID, "scope", string(model.ScopeSingle),
		"instant", t.instant.Format(model.InstantLayout), "exception_id", ex.ID)
	return ex, nil
}

// upsertException writes ex, replacing the row that already overrides the
// same occurrence.
func (e *Editor) upsertException(ctx context.Context, ex *model.Event) error {
	cur, err := e.repo.FindException(ctx, ex.SeriesID, *ex.OriginalOccurrenceStart)
	switch {
	case err == nil:
		ex.ID = cur.ID
		return e.repo.Update(ctx, ex)
	case errors.Is(err, common.ErrorNotFound):
		err = e.repo.Create(ctx, ex)
		if errors.Is(err, common.ErrorAlreadyExists) {
			return e.repo.Update(ctx, ex)
		}
		return err
	default:
		return err
	}
}

func (e *Editor) editFuture(ctx context.Context, t target, patch model.EventPatch) (*model.Event, error) {
	m := t.master

	rule, err := e.successorRule(ctx, t, patch)
	if err != nil {
		return nil, err
	}
	start, end, err := patchedTimes(patch, t.instant, m.Duration())
	if err != nil {
		return nil, err
	}

	next := &model.Event{
		ID:             instanceID(m.ID, "split", t.instant),
		OwnerID:        m.OwnerID,
		Title:          m.Title,
		Description:    m.Description,
		Location:       m.Location,
		AllDay:         m.AllDay,
		Source:         m.Source,
		Participants:   slices.Clone(m.Participants),
		RecurrenceRule: rule.String(),
		StartsAt:       start,
		EndsAt:         end,
	}
	for _, x := range m.RecurrenceExceptions {
		if !x.Before(t.instant) {
			next.RecurrenceExceptions = append(next.RecurrenceExceptions, x)
		}
	}
	patch.Apply(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := e.cut(ctx, t); err != nil {
		return nil, err
	}

	err = e.repo.Create(ctx, next)
	if errors.Is(err, common.ErrorAlreadyExists) {
		err = e.repo.Update(ctx, next)
	}
	if err != nil {
		return nil, partial("future edit", m.ID, t.instant, err)
	}

	e.cache.Invalidate(ctx, union(m.Audience(), next.Audience())...)
	appLog.Info("series: split", "master_id", m.ID, "new_master_id", next.ID,
		"instant", t.instant.Format(model.InstantLayout), "rule", next.RecurrenceRule)
	return next, nil
}

// editFromStart handles a future edit at the first occurrence: the whole
// series is rewritten in place and its exception instances are dropped.
func (e *Editor) editFromStart(ctx context.Context, t target, patch model.EventPatch) (*model.Event, error) {
	m := t.master.Clone()

	rule := t.rule
	if patch.RecurrenceRule != nil {
		r, err := recurrence.Parse(*patch.RecurrenceRule)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
		}
		rule = r
	}
	start, end, err := patchedTimes(patch, t.instant, m.Duration())
	if err != nil {
		return nil, err
	}
	patch.Apply(m)
	m.RecurrenceRule = rule.String()
	m.StartsAt, m.EndsAt = start, end
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if _, err := e.repo.DeleteExceptionsFrom(ctx, m.ID, t.instant); err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, m); err != nil {
		return nil, partial("future edit", m.ID, t.instant, err)
	}

	e.cache.Invalidate(ctx, union(t.master.Audience(), m.Audience())...)
	appLog.Info("series: rewritten from start", "master_id", m.ID, "rule", m.RecurrenceRule)
	return m, nil
}

func (e *Editor) editAll(ctx context.Context, actorID, masterID string, patch model.EventPatch) (*model.Event, error) {
	before, err := e.master(ctx, actorID, masterID)
	if err != nil {
		return nil, err
	}
	m := before.Clone()

	if patch.RecurrenceRule != nil {
		r, err := recurrence.Parse(*patch.RecurrenceRule)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
		}
		m.RecurrenceRule = r.String()
	}
	start, end, err := patchedTimes(patch, m.StartsAt, m.Duration())
	if err != nil {
		return nil, err
	}
	patch.Apply(m)
	m.StartsAt, m.EndsAt = start, end
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := e.repo.Update(ctx, m); err != nil {
		return nil, err
	}

	e.cache.Invalidate(ctx, union(before.Audience(), m.Audience())...)
	appLog.Info("series: master updated", "master_id", m.ID, "scope", string(model.ScopeAll))
	return m, nil
}

func (e *Editor) deleteSingle(ctx context.Context, t target) error {
	m := t.master
	if err := e.repo.AddRecurrenceException(ctx, m.ID, t.instant); err != nil {
		return err
	}

	ex, err := e.repo.FindException(ctx, m.ID, t.instant)
	switch {
	case err == nil:
		if err := e.repo.Delete(ctx, ex.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return partial("single delete", m.ID, t.instant, err)
		}
	case !errors.Is(err, common.ErrorNotFound):
		return partial("single delete", m.ID, t.instant, err)
	}

	e.cache.Invalidate(ctx, m.Audience()...)
	appLog.Info("series: occurrence deleted", "master_id", m.ID, "scope", string(model.ScopeSingle),
		"instant", t.instant.Format(model.InstantLayout))
	return nil
}

func (e *Editor) deleteFuture(ctx context.Context, t target) error {
	if err := e.cut(ctx, t); err != nil {
		return err
	}
	e.cache.Invalidate(ctx, t.master.Audience()...)
	appLog.Info("series: truncated", "master_id", t.master.ID, "instant", t.instant.Format(model.InstantLayout))
	return nil
}

func (e *Editor) deleteSeries(ctx context.Context, m *model.Event) error {
	if err := e.repo.Delete(ctx, m.ID); err != nil {
		return err
	}
	e.cache.Invalidate(ctx, m.Audience()...)
	appLog.Info("series: deleted", "master_id", m.ID)
	return nil
}

// cut terminates the master on the local day before the target instant and
// drops the exception instances at or after it.
func (e *Editor) cut(ctx context.Context, t target) error {
	until := recurrence.EndOfPreviousDay(t.instant, t.loc)
	if err := e.repo.SetRecurrenceRule(ctx, t.master.ID, t.rule.WithUntil(until).String()); err != nil {
		return err
	}
	if _, err := e.repo.DeleteExceptionsFrom(ctx, t.master.ID, t.instant); err != nil {
		return partial("series cut", t.master.ID, t.instant, err)
	}
	return nil
}

// successorRule picks the rule of the master that continues a split series.
// An implicit month-day pin is made explicit, since the successor starts on
// an instant that may have been clamped.
func (e *Editor) successorRule(ctx context.Context, t target, patch model.EventPatch) (recurrence.Rule, error) {
	if patch.RecurrenceRule != nil {
		r, err := recurrence.Parse(*patch.RecurrenceRule)
		if err != nil {
			return recurrence.Rule{}, fmt.Errorf("%w: %w", common.ErrorValidation, err)
		}
		return r, nil
	}
	return e.inheritedRule(ctx, t).PinMonthDay(t.master.StartsAt, t.loc), nil
}

func (e *Editor) inheritedRule(ctx context.Context, t target) recurrence.Rule {
	if !e.opts.PreserveSplitTermination {
		return t.rule.WithoutTermination()
	}
	if t.resumed {
		// The old termination is gone; reuse what the first attempt chose.
		if prev, err := e.repo.Get(ctx, instanceID(t.master.ID, "split", t.instant)); err == nil {
			if r, err := recurrence.Parse(prev.RecurrenceRule); err == nil {
				return r
			}
		}
		return t.rule.WithoutTermination()
	}
	if t.rule.Count > 0 {
		left := t.rule.Count - t.rule.CountBefore(t.master.StartsAt, t.instant, t.loc)
		return t.rule.WithCount(max(left, 1))
	}
	return t.rule
}

// patchedTimes resolves the start and end of an edited occurrence. A new
// start without a new end keeps the duration.
func patchedTimes(p model.EventPatch, start time.Time, dur time.Duration) (time.Time, time.Time, error) {
	if p.StartsAt != nil {
		start = *p.StartsAt
	}
	end := start.Add(dur)
	if p.EndsAt != nil {
		end = *p.EndsAt
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: ends_at before starts_at", common.ErrorValidation)
	}
	return start.UTC(), end.UTC(), nil
}

func instanceID(masterID, kind string, instant time.Time) string {
	name := masterID + "|" + kind + "|" + instant.UTC().Format(model.InstantLayout)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// partial reports a failure after an earlier write of the same operation
// already landed. Retrying the whole operation converges.
func partial(op, masterID string, instant time.Time, err error) error {
	appLog.Error("series: partial write", err, "op", op, "master_id", masterID, "instant", instant.Format(model.InstantLayout))
	return fmt.Errorf("%w: %s of %s at %s: %w", common.ErrorConflict, op, masterID, instant.Format(model.InstantLayout), err)
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
