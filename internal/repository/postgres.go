package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"famcal/internal/common"
	"famcal/internal/dbx"
	"famcal/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const selectEvents = `SELECT e.id, e.owner_id, e.title, e.description, e.location,
       e.starts_at, e.ends_at, e.is_all_day,
       COALESCE(e.recurrence_rule, ''), COALESCE(e.series_id, ''), e.original_occurrence_start,
       COALESCE(e.source, ''), e.created_at, e.updated_at,
       COALESCE((SELECT string_agg(p.user_id, ',' ORDER BY p.user_id)
                   FROM event_participants p WHERE p.event_id = e.id), ''),
       COALESCE((SELECT string_agg(to_char(x.occurrence_start AT TIME ZONE 'UTC', 'YYYYMMDD"T"HH24MISS"Z"'), ',' ORDER BY x.occurrence_start)
                   FROM event_exclusions x WHERE x.event_id = e.id), '')
  FROM events e`

const audienceClause = `(e.owner_id = $1 OR EXISTS (SELECT 1 FROM event_participants ep WHERE ep.event_id = e.id AND ep.user_id = $2))`

// PostgresRepository stores events in PostgreSQL. Participants and the
// exclusion set live in child tables keyed by event id.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) ListPlain(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error) {
	query := selectEvents + `
 WHERE ` + audienceClause + `
   AND e.recurrence_rule IS NULL AND e.series_id IS NULL
   AND e.starts_at <= $4 AND e.ends_at >= $3
 ORDER BY e.starts_at, e.id`
	return r.query(ctx, r.db, query, f.OwnerID, f.ParticipantID, from.UTC(), to.UTC())
}

func (r *PostgresRepository) ListMasters(ctx context.Context, f Filter, until time.Time) ([]model.Event, error) {
	query := selectEvents + `
 WHERE ` + audienceClause + `
   AND e.recurrence_rule IS NOT NULL
   AND e.starts_at <= $3
 ORDER BY e.starts_at, e.id`
	return r.query(ctx, r.db, query, f.OwnerID, f.ParticipantID, until.UTC())
}

func (r *PostgresRepository) ListExceptions(ctx context.Context, f Filter, from, to time.Time) ([]model.Event, error) {
	query := selectEvents + `
 WHERE ` + audienceClause + `
   AND e.series_id IS NOT NULL
   AND e.starts_at <= $4 AND e.ends_at >= $3
 ORDER BY e.starts_at, e.id`
	return r.query(ctx, r.db, query, f.OwnerID, f.ParticipantID, from.UTC(), to.UTC())
}

func (r *PostgresRepository) ListSeriesExceptions(ctx context.Context, seriesID string) ([]model.Event, error) {
	query := selectEvents + `
 WHERE e.series_id = $1
 ORDER BY e.starts_at, e.id`
	return r.query(ctx, r.db, query, seriesID)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*model.Event, error) {
	query := selectEvents + `
 WHERE e.id = $1`
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, common.ErrorNotFound)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) Create(ctx context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := r.now().UTC()

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query :=
			`INSERT INTO events (id, owner_id, title, description, location, starts_at, ends_at, is_all_day,
		                     recurrence_rule, series_id, original_occurrence_start, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

		_, err := tx.ExecContext(ctx, query,
			e.ID, e.OwnerID, e.Title, e.Description, e.Location,
			e.StartsAt.UTC(), e.EndsAt.UTC(), e.AllDay,
			nullString(e.RecurrenceRule), nullString(e.SeriesID), nullTime(e.OriginalOccurrenceStart),
			nullString(string(e.Source)), now)
		if err != nil {
			return err
		}
		if err := insertParticipants(ctx, tx, e.ID, e.Participants); err != nil {
			return err
		}
		return insertExclusions(ctx, tx, e.ID, e.RecurrenceExceptions)
	})
	if err != nil {
		return mapWriteError(err, "event "+e.ID)
	}

	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := r.now().UTC()

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query :=
			`UPDATE events
			    SET title = $2, description = $3, location = $4, starts_at = $5, ends_at = $6,
			        is_all_day = $7, recurrence_rule = $8, original_occurrence_start = $9, source = $10, updated_at = $11
			  WHERE id = $1`

		res, err := tx.ExecContext(ctx, query,
			e.ID, e.Title, e.Description, e.Location, e.StartsAt.UTC(), e.EndsAt.UTC(),
			e.AllDay, nullString(e.RecurrenceRule), nullTime(e.OriginalOccurrenceStart),
			nullString(string(e.Source)), now)
		if err != nil {
			return err
		}
		if dbx.RowsAffected(res) == 0 {
			return fmt.Errorf("event %s: %w", e.ID, common.ErrorNotFound)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM event_participants WHERE event_id = $1`, e.ID); err != nil {
			return err
		}
		if err := insertParticipants(ctx, tx, e.ID, e.Participants); err != nil {
			return err
		}
		return insertExclusions(ctx, tx, e.ID, e.RecurrenceExceptions)
	})
	if err != nil {
		return mapWriteError(err, "event "+e.ID)
	}

	e.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return fmt.Errorf("event %s: %w", id, common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) AddRecurrenceException(ctx context.Context, masterID string, instant time.Time) error {
	query :=
		`INSERT INTO event_exclusions (event_id, occurrence_start)
		 SELECT id, $2 FROM events WHERE id = $1 AND recurrence_rule IS NOT NULL
		 ON CONFLICT DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, masterID, instant.UTC()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	// The insert is silent both for a duplicate and for a missing master;
	// only the latter is an error.
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1 AND recurrence_rule IS NOT NULL)`, masterID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return fmt.Errorf("master %s: %w", masterID, common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) SetRecurrenceRule(ctx context.Context, masterID, rule string) error {
	if rule == "" {
		return fmt.Errorf("%w: empty recurrence rule", common.ErrorValidation)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE events SET recurrence_rule = $2, updated_at = $3 WHERE id = $1 AND recurrence_rule IS NOT NULL`,
		masterID, rule, r.now().UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return fmt.Errorf("master %s: %w", masterID, common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) FindException(ctx context.Context, seriesID string, original time.Time) (*model.Event, error) {
	query := selectEvents + `
 WHERE e.series_id = $1 AND e.original_occurrence_start = $2`
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, seriesID, original.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exception of %s at %s: %w", seriesID, original.UTC().Format(model.InstantLayout), common.ErrorNotFound)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM events WHERE series_id = $1 AND original_occurrence_start >= $2`, seriesID, from.UTC())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffected(res), nil
}

func (r *PostgresRepository) query(ctx context.Context, db dbx.DBTX, query string, args ...any) ([]model.Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*model.Event, error) {
	var (
		e            model.Event
		source       string
		original     sql.NullTime
		participants string
		exclusions   string
	)
	err := s.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.AllDay,
		&e.RecurrenceRule, &e.SeriesID, &original,
		&source, &e.CreatedAt, &e.UpdatedAt,
		&participants, &exclusions)
	if err != nil {
		return nil, err
	}

	e.StartsAt, e.EndsAt = e.StartsAt.UTC(), e.EndsAt.UTC()
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	e.Source = model.Source(source)
	if original.Valid {
		t := original.Time.UTC()
		e.OriginalOccurrenceStart = &t
	}
	if participants != "" {
		e.Participants = strings.Split(participants, ",")
	}
	if exclusions != "" {
		for _, s := range strings.Split(exclusions, ",") {
			t, err := time.Parse(model.InstantLayout, s)
			if err != nil {
				return nil, fmt.Errorf("exclusion %q: %w", s, err)
			}
			e.RecurrenceExceptions = append(e.RecurrenceExceptions, t)
		}
	}
	return &e, nil
}

func insertParticipants(ctx context.Context, tx dbx.DBTX, eventID string, users []string) error {
	for _, u := range users {
		if u == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO event_participants (event_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, eventID, u)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertExclusions(ctx context.Context, tx dbx.DBTX, eventID string, instants []time.Time) error {
	for _, t := range instants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO event_exclusions (event_id, occurrence_start) VALUES ($1, $2) ON CONFLICT DO NOTHING`, eventID, t.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

// mapWriteError translates constraint violations into the shared sentinels.
func mapWriteError(err error, what string) error {
	if errors.Is(err, common.ErrorNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, common.ErrorAlreadyExists)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: series %w", what, common.ErrorNotFound)
		}
	}
	return fmt.Errorf("db error: %w", err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
