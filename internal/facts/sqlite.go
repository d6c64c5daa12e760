package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps items in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Write
// transactions take the database lock up front so ordinal allocation
// cannot deadlock between concurrent appends.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_items (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		);

		CREATE TABLE IF NOT EXISTS memory_sequences (
			namespace TEXT PRIMARY KEY,
			last INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns one item.
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) (*Item, error) {
	var (
		item                    Item
		created, updated, nsStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, seq, created_at, updated_at
		FROM memory_items WHERE namespace = ? AND key = ?
	`, ns.String(), key).Scan(&nsStr, &item.Key, &item.Value, &item.Seq, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	item.Namespace = splitNamespace(nsStr)
	item.CreatedAt = parseTimestamp(created)
	item.UpdatedAt = parseTimestamp(updated)
	return &item, nil
}

// Put creates or replaces an item, keeping its original creation time.
func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key, value string) error {
	now := timestamp(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_items (namespace, key, value, seq, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, ns.String(), key, value, now, now)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Search lists a namespace.
func (s *SQLiteStore) Search(ctx context.Context, ns Namespace) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, seq, created_at, updated_at
		FROM memory_items WHERE namespace = ?
		ORDER BY seq, created_at, key
	`, ns.String())
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item             Item
			created, updated string
		)
		if err := rows.Scan(&item.Key, &item.Value, &item.Seq, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		item.Namespace = ns
		item.CreatedAt = parseTimestamp(created)
		item.UpdatedAt = parseTimestamp(updated)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Append allocates the next ordinal and inserts the item in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, ns Namespace, keyPrefix, value string) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO memory_sequences (namespace, last) VALUES (?, 0)
		ON CONFLICT (namespace) DO UPDATE SET last = last + 1
		RETURNING last
	`, ns.String()).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next ordinal for %s: %w", ns, err)
	}

	now := time.Now().UTC()
	item := &Item{
		Namespace: ns,
		Key:       keyPrefix + strconv.FormatInt(seq, 10),
		Value:     value,
		Seq:       seq,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_items (namespace, key, value, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ns.String(), item.Key, value, seq, timestamp(now), timestamp(now))
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", ns, item.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}
