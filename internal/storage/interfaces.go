// Package storage provides the partitioned item store and the blob store the
// bridge persists through. Items are addressed by a partition key and a sort
// key and may carry an expiry attribute the backend enforces, which is what
// bounds invocation retention, job retention, and lock lifetimes.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConditionFailed = errors.New("condition failed")
)

// Reserved item attributes.
const (
	AttrPK        = "pk"
	AttrSK        = "sk"
	AttrExpiresAt = "expires_at" // unix seconds; zero or absent means no expiry
)

// Key addresses one item.
type Key struct {
	PK string
	SK string
}

// Item is one stored row. Values must survive a JSON round trip.
type Item map[string]any

// Key returns the item's address.
func (it Item) Key() Key {
	return Key{PK: it.String(AttrPK), SK: it.String(AttrSK)}
}

// String reads a string attribute, tolerating absence.
func (it Item) String(attr string) string {
	s, _ := it[attr].(string)
	return s
}

// Int64 reads a numeric attribute, tolerating the float64 that a JSON round
// trip produces.
func (it Item) Int64(attr string) int64 {
	switch v := it[attr].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Expired reports whether the item's expiry attribute has passed.
func (it Item) Expired(now time.Time) bool {
	exp := it.Int64(AttrExpiresAt)
	return exp > 0 && exp <= now.Unix()
}

// Clone returns a shallow copy so callers cannot mutate stored state.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// QueryOptions narrows a partition query.
type QueryOptions struct {
	// SKPrefix restricts results to sort keys with this prefix.
	SKPrefix string
	// Descending reverses sort-key order (used for "latest version").
	Descending bool
	// Limit caps the result count when positive.
	Limit int
}

// Store is the partitioned item store. Expired items behave as absent on
// every read path; PruneExpired physically removes them.
type Store interface {
	Get(ctx context.Context, table string, key Key) (Item, error)
	Put(ctx context.Context, table string, item Item) error
	// PutIfAbsent inserts only when no live item exists at the key,
	// returning ErrAlreadyExists otherwise. This is the conditional write
	// the operation lock's acquire races on.
	PutIfAbsent(ctx context.Context, table string, item Item) error
	// Update applies attribute changes to an existing item and returns the
	// updated item, or ErrNotFound when the item is absent.
	Update(ctx context.Context, table string, key Key, changes map[string]any) (Item, error)
	// UpdateIfEquals applies changes only when the named attribute currently
	// equals want, returning ErrConditionFailed on mismatch. Job lifecycle
	// transitions condition on the current status so two racing writers
	// cannot both pass the same gate.
	UpdateIfEquals(ctx context.Context, table string, key Key, attr string, want any, changes map[string]any) (Item, error)
	Delete(ctx context.Context, table string, key Key) error
	// DeleteIfEquals deletes only when the named attribute currently equals
	// want, returning ErrConditionFailed on mismatch and ErrNotFound when
	// the item is absent. Lock release conditions on the ownership token.
	DeleteIfEquals(ctx context.Context, table string, key Key, attr string, want any) error
	// Query returns the live items of exactly one partition in sort-key
	// order.
	Query(ctx context.Context, table string, pk string, opts QueryOptions) ([]Item, error)
	// Scan returns every live item in the table regardless of partition.
	// Administrative use only; it performs no isolation of any kind.
	Scan(ctx context.Context, table string) ([]Item, error)
	// PruneExpired removes items whose expiry has passed.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// BlobStore persists opaque objects under string keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// PresignGet returns a time-limited URL granting a read of the object.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignPut returns a time-limited URL granting a write of the object.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
}
