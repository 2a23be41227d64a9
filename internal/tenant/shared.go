package tenant

import (
	"context"

	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// SharedStore accesses non-tenant data: the agent registry, operation locks,
// and runtime configuration. Any tenant-encoded key is rejected so shared
// code paths can never be tricked into touching a tenant partition.
type SharedStore struct {
	guard *Guard
}

func (s *SharedStore) rejectTenantKey(pk string) error {
	if _, ok := models.TenantIDFromKey(pk); ok {
		return ErrTenantScopedKey
	}
	return nil
}

func (s *SharedStore) Get(ctx context.Context, table string, key storage.Key) (storage.Item, error) {
	if err := s.rejectTenantKey(key.PK); err != nil {
		return nil, err
	}
	return s.guard.store.Get(ctx, table, key)
}

func (s *SharedStore) Put(ctx context.Context, table string, item storage.Item) error {
	if err := s.rejectTenantKey(item.Key().PK); err != nil {
		return err
	}
	return s.guard.store.Put(ctx, table, item)
}

func (s *SharedStore) PutIfAbsent(ctx context.Context, table string, item storage.Item) error {
	if err := s.rejectTenantKey(item.Key().PK); err != nil {
		return err
	}
	return s.guard.store.PutIfAbsent(ctx, table, item)
}

func (s *SharedStore) Delete(ctx context.Context, table string, key storage.Key) error {
	if err := s.rejectTenantKey(key.PK); err != nil {
		return err
	}
	return s.guard.store.Delete(ctx, table, key)
}

func (s *SharedStore) DeleteIfEquals(ctx context.Context, table string, key storage.Key, attr string, want any) error {
	if err := s.rejectTenantKey(key.PK); err != nil {
		return err
	}
	return s.guard.store.DeleteIfEquals(ctx, table, key, attr, want)
}

func (s *SharedStore) Query(ctx context.Context, table string, pk string, opts storage.QueryOptions) ([]storage.Item, error) {
	if err := s.rejectTenantKey(pk); err != nil {
		return nil, err
	}
	return s.guard.store.Query(ctx, table, pk, opts)
}
