package cache

import (
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "famcal/internal/log"
)

// Sweeper periodically drops expired entries from an EntryStore.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules store.Sweep on the given cron expression (standard
// five fields, or a descriptor such as "@every 1m") and starts it.
func StartSweeper(schedule string, store EntryStore) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := store.Sweep(); n > 0 {
			appLog.Debug("cache: swept expired entries", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cache sweeper: invalid schedule %q: %w", schedule, err)
	}
	c.Start()
	appLog.Info("cache sweeper started", "schedule", schedule)
	return &Sweeper{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
