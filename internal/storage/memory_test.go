package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testTable = "platform-data"

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	item := Item{AttrPK: "AGENT#summarizer", AttrSK: "VERSION#1.0.0", "owner_team": "ml-platform"}
	if err := store.Put(ctx, testTable, item); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, testTable, Key{PK: "AGENT#summarizer", SK: "VERSION#1.0.0"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.String("owner_team") != "ml-platform" {
		t.Fatalf("round trip lost data: %v", got)
	}

	if err := store.Delete(ctx, testTable, got.Key()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, testTable, got.Key()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPutIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	item := Item{AttrPK: "LOCK#deploy", AttrSK: "METADATA", "token": "t1"}

	if err := store.PutIfAbsent(ctx, testTable, item); err != nil {
		t.Fatalf("first put: %v", err)
	}
	second := Item{AttrPK: "LOCK#deploy", AttrSK: "METADATA", "token": "t2"}
	if err := store.PutIfAbsent(ctx, testTable, second); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// The original row is untouched.
	got, err := store.Get(ctx, testTable, Key{PK: "LOCK#deploy", SK: "METADATA"})
	if err != nil {
		t.Fatal(err)
	}
	if got.String("token") != "t1" {
		t.Fatalf("token = %q", got.String("token"))
	}
}

func TestMemoryDeleteIfEquals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{PK: "LOCK#deploy", SK: "METADATA"}
	if err := store.Put(ctx, testTable, Item{AttrPK: key.PK, AttrSK: key.SK, "token": "t1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteIfEquals(ctx, testTable, key, "token", "wrong"); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if err := store.DeleteIfEquals(ctx, testTable, key, "token", "t1"); err != nil {
		t.Fatalf("conditional delete: %v", err)
	}
	if _, err := store.Get(ctx, testTable, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row survived delete: %v", err)
	}
}

func TestMemoryQueryPrefixAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, sk := range []string{"VERSION#1.0.0", "VERSION#1.2.0", "VERSION#1.1.0", "OTHER#x"} {
		if err := store.Put(ctx, testTable, Item{AttrPK: "AGENT#summarizer", AttrSK: sk}); err != nil {
			t.Fatal(err)
		}
	}

	items, err := store.Query(ctx, testTable, "AGENT#summarizer", QueryOptions{SKPrefix: "VERSION#", Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 1 || items[0].String(AttrSK) != "VERSION#1.2.0" {
		t.Fatalf("items = %v", items)
	}

	items, err = store.Query(ctx, testTable, "AGENT#summarizer", QueryOptions{SKPrefix: "VERSION#"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("%d items, want 3", len(items))
	}
	if items[0].String(AttrSK) != "VERSION#1.0.0" {
		t.Fatalf("ascending order broken: %v", items[0])
	}
}

func TestMemoryExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	key := Key{PK: "TENANT#acme", SK: "JOB#j1"}
	item := Item{AttrPK: key.PK, AttrSK: key.SK, AttrExpiresAt: now.Add(time.Hour).Unix()}
	if err := store.Put(ctx, testTable, item); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, testTable, key); err != nil {
		t.Fatalf("live row missing: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Get(ctx, testTable, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired row still visible: %v", err)
	}

	// Expired rows are invisible to PutIfAbsent too.
	if err := store.PutIfAbsent(ctx, testTable, Item{AttrPK: key.PK, AttrSK: key.SK}); err != nil {
		t.Fatalf("put over expired row: %v", err)
	}

	if n, err := store.PruneExpired(ctx, now); err != nil || n != 0 {
		t.Fatalf("prune = (%d, %v), fresh row should survive", n, err)
	}
}

func TestMemoryUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{PK: "TENANT#acme", SK: "JOB#j1"}
	if err := store.Put(ctx, testTable, Item{AttrPK: key.PK, AttrSK: key.SK, "status": "pending"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Update(ctx, testTable, key, map[string]any{"status": "running", "started_at": "now"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.String("status") != "running" || got.String("started_at") != "now" {
		t.Fatalf("update result: %v", got)
	}

	if _, err := store.Update(ctx, testTable, Key{PK: "TENANT#acme", SK: "JOB#nope"}, map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateIfEquals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{PK: "TENANT#acme", SK: "JOB#j1"}
	if err := store.Put(ctx, testTable, Item{AttrPK: key.PK, AttrSK: key.SK, "status": "running"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.UpdateIfEquals(ctx, testTable, key, "status", "running", map[string]any{"status": "completed"})
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if got.String("status") != "completed" {
		t.Fatalf("status = %q", got.String("status"))
	}

	// The gate no longer matches; the row keeps its terminal state.
	if _, err := store.UpdateIfEquals(ctx, testTable, key, "status", "running", map[string]any{"status": "failed"}); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	got, err = store.Get(ctx, testTable, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.String("status") != "completed" {
		t.Fatalf("losing write changed the row: %v", got)
	}

	if _, err := store.UpdateIfEquals(ctx, testTable, Key{PK: "TENANT#acme", SK: "JOB#nope"}, "status", "running", map[string]any{"status": "failed"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryReadsOnUnseenTablesAreConcurrencySafe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Reads against tables nothing has written to yet, racing writes to a
	// different table. Under -race this catches read paths that mutate the
	// table map.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = store.Put(ctx, testTable, Item{AttrPK: "TENANT#acme", AttrSK: "JOB#j1"})
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := store.Get(ctx, "empty-table", Key{PK: "x", SK: "y"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get on empty table: %v", err)
		}
		if items, err := store.Query(ctx, "empty-table", "x", QueryOptions{}); err != nil || len(items) != 0 {
			t.Fatalf("query on empty table = (%v, %v)", items, err)
		}
		if items, err := store.Scan(ctx, "empty-table"); err != nil || len(items) != 0 {
			t.Fatalf("scan on empty table = (%v, %v)", items, err)
		}
	}
	<-done
}

func TestMemoryBlobStore(t *testing.T) {
	blobs := NewMemoryBlobStore()
	ctx := context.Background()

	if err := blobs.Put(ctx, "tenants/acme/results/j1.json", []byte("x"), "application/json"); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(ctx, "tenants/acme/results/j2.json", []byte("y"), "application/json"); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(ctx, "tenants/globex/results/j1.json", []byte("z"), "application/json"); err != nil {
		t.Fatal(err)
	}

	keys, err := blobs.List(ctx, "tenants/acme/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("listed %d keys, want 2", len(keys))
	}

	if _, err := blobs.Get(ctx, "tenants/acme/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	url, err := blobs.PresignGet(ctx, "tenants/acme/results/j1.json", time.Minute)
	if err != nil || url == "" {
		t.Fatalf("presign = (%q, %v)", url, err)
	}
}
