package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps items in memory. It backs tests and single-process
// development runs; conditional operations are atomic under its mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[Key]Item
	now    func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[Key]Item),
		now:    time.Now,
	}
}

// SetClock overrides the expiry clock, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// table returns the named table, creating it if absent. Write paths only;
// read paths index s.tables directly so they stay safe under the read lock.
func (s *MemoryStore) table(name string) map[Key]Item {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[Key]Item)
		s.tables[name] = t
	}
	return t
}

// live returns the item at key unless it is absent or expired.
func (s *MemoryStore) live(table string, key Key) (Item, bool) {
	it, ok := s.tables[table][key]
	if !ok || it.Expired(s.now()) {
		return nil, false
	}
	return it, true
}

func (s *MemoryStore) Get(ctx context.Context, table string, key Key) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.live(table, key)
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, table string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(table)[item.Key()] = item.Clone()
	return nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, table string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Key()
	if _, ok := s.live(table, key); ok {
		return ErrAlreadyExists
	}
	s.table(table)[key] = item.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, table string, key Key, changes map[string]any) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(table, key)
	if !ok {
		return nil, ErrNotFound
	}
	updated := it.Clone()
	for k, v := range changes {
		updated[k] = v
	}
	s.table(table)[key] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) UpdateIfEquals(ctx context.Context, table string, key Key, attr string, want any, changes map[string]any) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(table, key)
	if !ok {
		return nil, ErrNotFound
	}
	if it[attr] != want {
		return nil, ErrConditionFailed
	}
	updated := it.Clone()
	for k, v := range changes {
		updated[k] = v
	}
	s.table(table)[key] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, table string, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(table), key)
	return nil
}

func (s *MemoryStore) DeleteIfEquals(ctx context.Context, table string, key Key, attr string, want any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(table, key)
	if !ok {
		return ErrNotFound
	}
	if it[attr] != want {
		return ErrConditionFailed
	}
	delete(s.table(table), key)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, table string, pk string, opts QueryOptions) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var items []Item
	for key, it := range s.tables[table] {
		if key.PK != pk || it.Expired(now) {
			continue
		}
		if opts.SKPrefix != "" && !strings.HasPrefix(key.SK, opts.SKPrefix) {
			continue
		}
		items = append(items, it.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		less := items[i].String(AttrSK) < items[j].String(AttrSK)
		if opts.Descending {
			return !less
		}
		return less
	})
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (s *MemoryStore) Scan(ctx context.Context, table string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var items []Item
	for _, it := range s.tables[table] {
		if it.Expired(now) {
			continue
		}
		items = append(items, it.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].String(AttrPK) != items[j].String(AttrPK) {
			return items[i].String(AttrPK) < items[j].String(AttrPK)
		}
		return items[i].String(AttrSK) < items[j].String(AttrSK)
	})
	return items, nil
}

func (s *MemoryStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for _, table := range s.tables {
		for key, it := range table {
			if it.Expired(now) {
				delete(table, key)
				pruned++
			}
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
