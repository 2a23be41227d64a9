package tenant

import (
	"context"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// ViolationSink receives one event per blocked cross-tenant access. The
// default sink increments the prometheus violation counter.
type ViolationSink interface {
	Emit(callerTenantID, targetTenantID string)
}

type metricsSink struct {
	metrics *observability.Metrics
}

func (s metricsSink) Emit(callerTenantID, targetTenantID string) {
	s.metrics.TenantViolations.WithLabelValues(callerTenantID, targetTenantID).Inc()
}

// NewMetricsSink adapts the metrics set to a ViolationSink.
func NewMetricsSink(m *observability.Metrics) ViolationSink {
	return metricsSink{metrics: m}
}

// Guard is the partition enforcement layer. It owns the raw stores; the rest
// of the bridge only ever sees the scoped handles it hands out.
type Guard struct {
	store  storage.Store
	blobs  storage.BlobStore
	logger *observability.Logger
	sink   ViolationSink
}

// NewGuard wraps the given stores.
func NewGuard(store storage.Store, blobs storage.BlobStore, logger *observability.Logger, sink ViolationSink) *Guard {
	return &Guard{store: store, blobs: blobs, logger: logger, sink: sink}
}

// Tenant returns the data-access handle scoped to the caller's partition.
// This is the only way to reach tenant-scoped items and blobs.
func (g *Guard) Tenant(tc models.TenantContext) *TenantStore {
	return &TenantStore{guard: g, tc: tc}
}

// Shared returns the handle for non-tenant data (agent registry, locks,
// runtime config). It rejects tenant-encoded keys outright.
func (g *Guard) Shared() *SharedStore {
	return &SharedStore{guard: g}
}

// UnscopedScan returns every live item of a table with NO isolation check.
// Administrative use only: callers must gate it on an operator role before
// invoking.
func (g *Guard) UnscopedScan(ctx context.Context, table string) ([]storage.Item, error) {
	return g.store.Scan(ctx, table)
}

// violation logs the security event, emits the counter best-effort, and
// builds the typed fault. The counter emission can never suppress the fault.
func (g *Guard) violation(ctx context.Context, callerTenantID, targetTenantID, key string) error {
	g.logger.Error(ctx, "tenant access violation blocked",
		"caller_tenant_id", callerTenantID,
		"target_tenant_id", targetTenantID,
		"attempted_key", key,
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Warn(ctx, "violation metric emission failed", "panic", r)
			}
		}()
		if g.sink != nil {
			g.sink.Emit(callerTenantID, targetTenantID)
		}
	}()
	return &AccessViolation{
		CallerTenantID: callerTenantID,
		TargetTenantID: targetTenantID,
		AttemptedKey:   key,
	}
}

// checkItemKey enforces the partition rule for one item key. Keys that do
// not encode a tenant (shared registries, locks) pass through unchecked.
func (g *Guard) checkItemKey(ctx context.Context, tc models.TenantContext, key storage.Key) error {
	target, ok := models.TenantIDFromKey(key.PK)
	if !ok || target == tc.TenantID {
		return nil
	}
	return g.violation(ctx, tc.TenantID, target, key.PK+"/"+key.SK)
}

// checkBlobKey enforces the prefix rule for one object key. Every object key
// a tenant handle touches must fall under the tenant's prefix; there are no
// shared blobs.
func (g *Guard) checkBlobKey(ctx context.Context, tc models.TenantContext, key string) error {
	target, ok := models.TenantIDFromBlobKey(key)
	if ok && target == tc.TenantID {
		return nil
	}
	if !ok {
		target = "unknown"
	}
	return g.violation(ctx, tc.TenantID, target, key)
}
