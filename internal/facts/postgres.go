package facts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by PostgresStore. *pgxpool.Pool and
// pgx.Tx both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxQuerier adds transactions. Append needs one to keep ordinal
// allocation and insertion together.
type TxQuerier interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps items in Postgres.
type PostgresStore struct {
	db TxQuerier
}

// NewPostgresStore wraps an open pool. Call Migrate once before use.
func NewPostgresStore(db TxQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_items (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			seq BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE TABLE IF NOT EXISTS memory_sequences (
			namespace TEXT PRIMARY KEY,
			last BIGINT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate memory tables: %w", err)
	}
	return nil
}

// Get returns one item.
func (s *PostgresStore) Get(ctx context.Context, ns Namespace, key string) (*Item, error) {
	item := Item{Namespace: ns, Key: key}
	err := s.db.QueryRow(ctx, `
		SELECT value, seq, created_at, updated_at
		FROM memory_items WHERE namespace = $1 AND key = $2
	`, ns.String(), key).Scan(&item.Value, &item.Seq, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return &item, nil
}

// Put upserts an item.
func (s *PostgresStore) Put(ctx context.Context, ns Namespace, key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_items (namespace, key, value, seq, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, ns.String(), key, value, now)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Search lists a namespace.
func (s *PostgresStore) Search(ctx context.Context, ns Namespace) ([]Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, value, seq, created_at, updated_at
		FROM memory_items WHERE namespace = $1
		ORDER BY seq, created_at, key
	`, ns.String())
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item := Item{Namespace: ns}
		if err := rows.Scan(&item.Key, &item.Value, &item.Seq, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Append allocates the next ordinal with an upsert on memory_sequences,
// whose row lock serializes concurrent appenders.
func (s *PostgresStore) Append(ctx context.Context, ns Namespace, keyPrefix, value string) (*Item, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO memory_sequences (namespace, last) VALUES ($1, 0)
		ON CONFLICT (namespace) DO UPDATE SET last = memory_sequences.last + 1
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
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_items (namespace, key, value, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, ns.String(), item.Key, value, seq, now)
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", ns, item.Key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}
