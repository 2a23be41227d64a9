package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically prunes expired items. The memory and SQLite backends
// treat expired items as absent on read; the janitor is what actually
// reclaims the rows, mirroring a managed store's background expiration.
type Janitor struct {
	store    Store
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewJanitor builds a janitor running on the given cron schedule
// (e.g. "@every 1m").
func NewJanitor(store Store, schedule string, logger *slog.Logger) *Janitor {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, logger: logger, schedule: schedule}
}

// Start begins the pruning schedule. It returns an error only when the
// schedule expression is invalid.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.runOnce); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule, waiting for an in-flight prune to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pruned, err := j.store.PruneExpired(ctx, time.Now())
	if err != nil {
		j.logger.Warn("expiry prune failed", "error", err)
		return
	}
	if pruned > 0 {
		j.logger.Debug("pruned expired items", "count", pruned)
	}
}
