package tenant

import (
	"context"
	"time"

	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// TenantStore is the caller-scoped data-access handle. Every operation
// validates that the target key stays inside the caller's partition; range
// queries never accept a partition key at all — they always use the
// caller's.
type TenantStore struct {
	guard *Guard
	tc    models.TenantContext
}

// Context returns the TenantContext the handle was built from.
func (t *TenantStore) Context() models.TenantContext { return t.tc }

func (t *TenantStore) Get(ctx context.Context, table string, key storage.Key) (storage.Item, error) {
	if err := t.guard.checkItemKey(ctx, t.tc, key); err != nil {
		return nil, err
	}
	return t.guard.store.Get(ctx, table, key)
}

func (t *TenantStore) Put(ctx context.Context, table string, item storage.Item) error {
	if err := t.guard.checkItemKey(ctx, t.tc, item.Key()); err != nil {
		return err
	}
	return t.guard.store.Put(ctx, table, item)
}

func (t *TenantStore) PutIfAbsent(ctx context.Context, table string, item storage.Item) error {
	if err := t.guard.checkItemKey(ctx, t.tc, item.Key()); err != nil {
		return err
	}
	return t.guard.store.PutIfAbsent(ctx, table, item)
}

func (t *TenantStore) Update(ctx context.Context, table string, key storage.Key, changes map[string]any) (storage.Item, error) {
	if err := t.guard.checkItemKey(ctx, t.tc, key); err != nil {
		return nil, err
	}
	return t.guard.store.Update(ctx, table, key, changes)
}

func (t *TenantStore) UpdateIfEquals(ctx context.Context, table string, key storage.Key, attr string, want any, changes map[string]any) (storage.Item, error) {
	if err := t.guard.checkItemKey(ctx, t.tc, key); err != nil {
		return nil, err
	}
	return t.guard.store.UpdateIfEquals(ctx, table, key, attr, want, changes)
}

func (t *TenantStore) Delete(ctx context.Context, table string, key storage.Key) error {
	if err := t.guard.checkItemKey(ctx, t.tc, key); err != nil {
		return err
	}
	return t.guard.store.Delete(ctx, table, key)
}

// Query ranges over the caller's own partition. There is deliberately no
// partition-key parameter: a range query can never reach another tenant's
// data even if asked to.
func (t *TenantStore) Query(ctx context.Context, table string, opts storage.QueryOptions) ([]storage.Item, error) {
	return t.guard.store.Query(ctx, table, models.TenantPK(t.tc.TenantID), opts)
}

// QueryShards fans a range query out over the caller's shard-suffixed
// partitions and merges the results. Physical order interleaves across
// shards; callers order by the records' embedded timestamps.
func (t *TenantStore) QueryShards(ctx context.Context, table string, opts storage.QueryOptions) ([]storage.Item, error) {
	var items []storage.Item
	for shard := 0; shard < models.InvocationShards; shard++ {
		pk := models.TenantShardPK(t.tc.TenantID, shard)
		shardItems, err := t.guard.store.Query(ctx, table, pk, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, shardItems...)
	}
	return items, nil
}

// PutObject writes a blob under the caller's prefix.
func (t *TenantStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if err := t.guard.checkBlobKey(ctx, t.tc, key); err != nil {
		return err
	}
	return t.guard.blobs.Put(ctx, key, data, contentType)
}

// GetObject reads a blob under the caller's prefix.
func (t *TenantStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := t.guard.checkBlobKey(ctx, t.tc, key); err != nil {
		return nil, err
	}
	return t.guard.blobs.Get(ctx, key)
}

// DeleteObject removes a blob under the caller's prefix.
func (t *TenantStore) DeleteObject(ctx context.Context, key string) error {
	if err := t.guard.checkBlobKey(ctx, t.tc, key); err != nil {
		return err
	}
	return t.guard.blobs.Delete(ctx, key)
}

// ListObjects lists the caller's blobs. The prefix argument is relative to
// the tenant prefix, which is always prepended — listing cannot escape the
// partition.
func (t *TenantStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	return t.guard.blobs.List(ctx, models.TenantBlobPrefix(t.tc.TenantID)+prefix)
}

// PresignGetObject issues a read grant for a blob. Presigning is isolation-
// checked because the URL is equivalent to a read of the object.
func (t *TenantStore) PresignGetObject(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := t.guard.checkBlobKey(ctx, t.tc, key); err != nil {
		return "", err
	}
	return t.guard.blobs.PresignGet(ctx, key, expiry)
}

// PresignPutObject issues a write grant for a blob.
func (t *TenantStore) PresignPutObject(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := t.guard.checkBlobKey(ctx, t.tc, key); err != nil {
		return "", err
	}
	return t.guard.blobs.PresignPut(ctx, key, expiry)
}
