package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"famcal/internal/cache"
	"famcal/internal/calendar"
	"famcal/internal/config"
	appLog "famcal/internal/log"
	"famcal/internal/migrations"
	"famcal/internal/occurrence"
	"famcal/internal/recurrence"
	"famcal/internal/repository"
	"famcal/internal/series"
)

// app is the wired calendar stack for one process.
type app struct {
	svc     *calendar.Service
	entries *cache.MemoryEntryStore
	closers []func() error
}

// openApp wires storage, cache and services from cfg. PostgreSQL storage
// is migrated before use.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	var repo repository.Repository
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := openPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := migrations.Run(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		repo = repository.NewPostgresRepository(db)
	default:
		appLog.Warn("using in-memory storage; events are lost on exit")
		repo = repository.NewMemoryRepository()
	}

	var versions cache.VersionStore
	switch cfg.Cache.VersionStore {
	case "sqlite":
		vs, err := cache.OpenSQLiteVersionStore(cfg.Cache.VersionPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, vs.Close)
		versions = vs
	default:
		versions = cache.NewMemoryVersionStore()
	}

	a.entries = cache.NewMemoryEntryStore()
	c := cache.New(versions, a.entries, cfg.Cache.TTL)
	engine := recurrence.NewEngine(cfg.Recurrence.MaxOccurrences)
	editor := series.NewEditor(repo, engine, c, series.Options{
		PreserveSplitTermination: cfg.Recurrence.PreserveSplitTermination,
	})
	a.svc = calendar.NewService(repo, occurrence.NewExpander(engine), editor, c)

	appLog.Info("calendar stack ready",
		"storage", cfg.Storage.Driver,
		"version_store", cfg.Cache.VersionStore,
		"max_occurrences", cfg.Recurrence.MaxOccurrences,
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
