// Package opslock provides a distributed mutual-exclusion lock backed by
// conditional writes on the shared store. Acquisition is a create-if-absent
// on the lock row; release deletes the row only when the caller's fencing
// token still matches. Expired locks are treated as free.
package opslock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// DefaultTTL bounds how long a lock can be held before it expires on its
// own. Crashed holders lose the lock after this window without operator
// intervention.
const DefaultTTL = 5 * time.Minute

const lockSK = "METADATA"

// AlreadyHeldError reports a failed acquisition because another holder owns
// the lock.
type AlreadyHeldError struct {
	Name      string
	HeldBy    string
	ExpiresAt time.Time
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("lock %q already held by %s until %s", e.Name, e.HeldBy, e.ExpiresAt.Format(time.RFC3339))
}

// OwnershipError reports a release attempt with a token that no longer owns
// the lock. The lock row is left untouched.
type OwnershipError struct {
	Name string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("lock %q not held by this token", e.Name)
}

// Manager acquires and releases named locks.
type Manager struct {
	shared  *tenant.SharedStore
	table   string
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewManager builds a lock manager over the shared store. A zero ttl means
// DefaultTTL.
func NewManager(shared *tenant.SharedStore, table string, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{shared: shared, table: table, ttl: ttl, logger: logger, metrics: metrics, now: time.Now}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Acquire takes the named lock for holder and returns the record carrying
// the fencing token. Exactly one concurrent caller wins; the rest get an
// AlreadyHeldError naming the current holder.
func (m *Manager) Acquire(ctx context.Context, name, holder string) (*models.OpsLockRecord, error) {
	now := m.now().UTC()
	rec := &models.OpsLockRecord{
		Name:       name,
		Token:      uuid.NewString(),
		HeldBy:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	err := m.shared.PutIfAbsent(ctx, m.table, storage.Item{
		storage.AttrPK:        rec.PK(),
		storage.AttrSK:        lockSK,
		storage.AttrExpiresAt: rec.ExpiresAt.Unix(),
		"lock_name":           rec.Name,
		"token":               rec.Token,
		"held_by":             rec.HeldBy,
		"acquired_at":         rec.AcquiredAt.Format(time.RFC3339),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		m.observe(name, "contended")
		held, lookupErr := m.Inspect(ctx, name)
		if lookupErr != nil {
			return nil, &AlreadyHeldError{Name: name, HeldBy: "unknown"}
		}
		return nil, &AlreadyHeldError{Name: name, HeldBy: held.HeldBy, ExpiresAt: held.ExpiresAt}
	}
	if err != nil {
		m.observe(name, "error")
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	m.observe(name, "acquired")
	m.logger.Info(ctx, "lock acquired", "lock", name, "held_by", holder, "expires_at", rec.ExpiresAt.Format(time.RFC3339))
	return rec, nil
}

// Release frees the lock if token still owns it. Releasing a lock that has
// expired or been re-acquired by someone else returns an OwnershipError.
func (m *Manager) Release(ctx context.Context, name, token string) error {
	key := storage.Key{PK: models.LockKeyPrefix + name, SK: lockSK}
	err := m.shared.DeleteIfEquals(ctx, m.table, key, "token", token)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConditionFailed):
		m.observe(name, "release_rejected")
		return &OwnershipError{Name: name}
	case err != nil:
		m.observe(name, "error")
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	m.observe(name, "released")
	m.logger.Info(ctx, "lock released", "lock", name)
	return nil
}

// Inspect returns the current holder without touching the lock.
func (m *Manager) Inspect(ctx context.Context, name string) (*models.OpsLockRecord, error) {
	item, err := m.shared.Get(ctx, m.table, storage.Key{PK: models.LockKeyPrefix + name, SK: lockSK})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inspect lock %q: %w", name, err)
	}
	rec := &models.OpsLockRecord{
		Name:   item.String("lock_name"),
		Token:  item.String("token"),
		HeldBy: item.String("held_by"),
	}
	if ts := item.String("acquired_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.AcquiredAt = parsed
		}
	}
	if exp := item.Int64(storage.AttrExpiresAt); exp > 0 {
		rec.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	return rec, nil
}

func (m *Manager) observe(name, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockAcquisitions.WithLabelValues(name, outcome).Inc()
}
