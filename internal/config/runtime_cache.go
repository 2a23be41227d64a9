package config

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// RuntimeSettings are the operator-tunable knobs stored in the shared
// table. They change without a deploy; the bridge re-reads them on a short
// interval.
type RuntimeSettings struct {
	// MaintenanceMode rejects all new invocations when set.
	MaintenanceMode bool
	// MaxInputBytes caps the request body size. Zero means the built-in
	// default applies.
	MaxInputBytes int64
	// DisabledAgents lists agent names that reject invocations regardless
	// of registry state.
	DisabledAgents map[string]bool
}

const (
	runtimeConfigSK = "runtime"
	// DefaultCacheTTL is how long a fetched snapshot stays fresh.
	DefaultCacheTTL = 60 * time.Second
)

// RuntimeCache holds a time-boxed snapshot of RuntimeSettings. Each server
// owns its cache instance; there is no process-global state. On fetch
// failure the previous snapshot is served stale rather than failing the
// request path.
type RuntimeCache struct {
	shared *tenant.SharedStore
	table  string
	ttl    time.Duration
	logger *observability.Logger
	now    func() time.Time

	mu        sync.Mutex
	snapshot  RuntimeSettings
	fetchedAt time.Time
	haveOne   bool
}

// NewRuntimeCache builds a cache over the shared store. A zero ttl means
// DefaultCacheTTL.
func NewRuntimeCache(shared *tenant.SharedStore, table string, ttl time.Duration, logger *observability.Logger) *RuntimeCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RuntimeCache{shared: shared, table: table, ttl: ttl, logger: logger, now: time.Now}
}

// SetClock overrides the cache clock. Test hook.
func (c *RuntimeCache) SetClock(now func() time.Time) { c.now = now }

// Settings returns the current runtime settings, refreshing from the store
// when the snapshot is older than the TTL. A missing config row yields
// zero-value settings; a store failure keeps serving the last snapshot.
func (c *RuntimeCache) Settings(ctx context.Context) RuntimeSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.haveOne && now.Sub(c.fetchedAt) < c.ttl {
		return c.snapshot
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		if c.haveOne {
			c.logger.Warn(ctx, "runtime config refresh failed, serving stale snapshot", "error", err.Error())
			// Push the retry out a full TTL so a broken store does not get
			// hammered on every request.
			c.fetchedAt = now
			return c.snapshot
		}
		c.logger.Warn(ctx, "runtime config unavailable, using defaults", "error", err.Error())
		return RuntimeSettings{}
	}

	c.snapshot = fresh
	c.fetchedAt = now
	c.haveOne = true
	return c.snapshot
}

func (c *RuntimeCache) fetch(ctx context.Context) (RuntimeSettings, error) {
	var settings RuntimeSettings
	item, err := c.shared.Get(ctx, c.table, storage.Key{PK: models.ConfigKeyPrefix + "platform", SK: runtimeConfigSK})
	if errors.Is(err, storage.ErrNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}

	if v, ok := item["maintenance_mode"].(bool); ok {
		settings.MaintenanceMode = v
	}
	settings.MaxInputBytes = item.Int64("max_input_bytes")
	if raw, ok := item["disabled_agents"].([]any); ok {
		settings.DisabledAgents = make(map[string]bool, len(raw))
		for _, name := range raw {
			if s, ok := name.(string); ok {
				settings.DisabledAgents[s] = true
			}
		}
	}
	return settings, nil
}
