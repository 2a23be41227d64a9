package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists items in a single SQLite database. All logical tables
// share one physical table keyed by (tbl, pk, sk); items are stored as JSON
// with the expiry lifted into a column so reads can filter it cheaply.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	tbl        TEXT NOT NULL,
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL,
	PRIMARY KEY (tbl, pk, sk)
);
CREATE INDEX IF NOT EXISTS items_expiry ON items (expires_at) WHERE expires_at > 0;
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeItem(item Item) (string, int64, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", 0, fmt.Errorf("encode item: %w", err)
	}
	return string(body), item.Int64(AttrExpiresAt), nil
}

func decodeItem(body string) (Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}

// liveClause excludes expired rows; rows with expires_at=0 never expire.
const liveClause = "(expires_at = 0 OR expires_at > ?)"

func (s *SQLiteStore) Get(ctx context.Context, table string, key Key) (Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT body FROM items WHERE tbl = ? AND pk = ? AND sk = ? AND "+liveClause,
		table, key.PK, key.SK, s.now().Unix(),
	)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return decodeItem(body)
}

func (s *SQLiteStore) Put(ctx context.Context, table string, item Item) error {
	body, exp, err := encodeItem(item)
	if err != nil {
		return err
	}
	key := item.Key()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (tbl, pk, sk, expires_at, body) VALUES (?,?,?,?,?)
		ON CONFLICT (tbl, pk, sk) DO UPDATE SET expires_at = excluded.expires_at, body = excluded.body
	`, table, key.PK, key.SK, exp, body)
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, table string, item Item) error {
	body, exp, err := encodeItem(item)
	if err != nil {
		return err
	}
	key := item.Key()
	now := s.now().Unix()
	// An expired row at the key is dead; the insert may reclaim it. The
	// single-writer connection makes delete-then-insert atomic enough.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE tbl = ? AND pk = ? AND sk = ? AND expires_at > 0 AND expires_at <= ?",
		table, key.PK, key.SK, now,
	); err != nil {
		return fmt.Errorf("reclaim expired: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO items (tbl, pk, sk, expires_at, body) VALUES (?,?,?,?,?)
		ON CONFLICT (tbl, pk, sk) DO NOTHING
	`, table, key.PK, key.SK, exp, body)
	if err != nil {
		return fmt.Errorf("conditional put: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional put: %w", err)
	}
	if inserted == 0 {
		return ErrAlreadyExists
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, table string, key Key, changes map[string]any) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT body FROM items WHERE tbl = ? AND pk = ? AND sk = ? AND "+liveClause,
		table, key.PK, key.SK, s.now().Unix(),
	)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read for update: %w", err)
	}
	item, err := decodeItem(body)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		item[k] = v
	}
	newBody, exp, err := encodeItem(item)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET body = ?, expires_at = ? WHERE tbl = ? AND pk = ? AND sk = ?",
		newBody, exp, table, key.PK, key.SK,
	); err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) UpdateIfEquals(ctx context.Context, table string, key Key, attr string, want any, changes map[string]any) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT body FROM items WHERE tbl = ? AND pk = ? AND sk = ? AND "+liveClause,
		table, key.PK, key.SK, s.now().Unix(),
	)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read for conditional update: %w", err)
	}
	item, err := decodeItem(body)
	if err != nil {
		return nil, err
	}
	if item[attr] != want {
		return nil, ErrConditionFailed
	}
	for k, v := range changes {
		item[k] = v
	}
	newBody, exp, err := encodeItem(item)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET body = ?, expires_at = ? WHERE tbl = ? AND pk = ? AND sk = ?",
		newBody, exp, table, key.PK, key.SK,
	); err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conditional update: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table string, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM items WHERE tbl = ? AND pk = ? AND sk = ?",
		table, key.PK, key.SK,
	); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteIfEquals(ctx context.Context, table string, key Key, attr string, want any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT body FROM items WHERE tbl = ? AND pk = ? AND sk = ? AND "+liveClause,
		table, key.PK, key.SK, s.now().Unix(),
	)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read for delete: %w", err)
	}
	item, err := decodeItem(body)
	if err != nil {
		return err
	}
	if item[attr] != want {
		return ErrConditionFailed
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE tbl = ? AND pk = ? AND sk = ?",
		table, key.PK, key.SK,
	); err != nil {
		return fmt.Errorf("conditional delete: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, table string, pk string, opts QueryOptions) ([]Item, error) {
	q := "SELECT body FROM items WHERE tbl = ? AND pk = ? AND " + liveClause
	args := []any{table, pk, s.now().Unix()}
	if opts.SKPrefix != "" {
		q += " AND sk >= ? AND sk < ?"
		args = append(args, opts.SKPrefix, opts.SKPrefix+"￿")
	}
	if opts.Descending {
		q += " ORDER BY sk DESC"
	} else {
		q += " ORDER BY sk ASC"
	}
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryItems(ctx, q, args...)
}

func (s *SQLiteStore) Scan(ctx context.Context, table string) ([]Item, error) {
	return s.queryItems(ctx,
		"SELECT body FROM items WHERE tbl = ? AND "+liveClause+" ORDER BY pk, sk",
		table, s.now().Unix(),
	)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item, err := decodeItem(body)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM items WHERE expires_at > 0 AND expires_at <= ?",
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune expired: %w", err)
	}
	return res.RowsAffected()
}
