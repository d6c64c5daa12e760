package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Store handles checkpoint persistence.
type Store struct {
	db   *sql.DB
	keep int
}

// NewStore creates a checkpoint store using the given database. Only
// the newest keep snapshots of each conversation are retained; keep <= 0
// retains everything.
func NewStore(db *sql.DB, keep int) (*Store, error) {
	s := &Store{db: db, keep: keep}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_key
			ON checkpoints(user_id, conversation_id, id DESC);
	`)
	return err
}

// Save writes a snapshot of entries for key and prunes older ones.
func (s *Store) Save(ctx context.Context, key Key, entries []Entry) (*Checkpoint, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("save checkpoint: incomplete key %+v", key)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	compressed, err := compress(entries)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:           id,
		Key:          key,
		CreatedAt:    time.Now().UTC(),
		Entries:      entries,
		ByteSize:     int64(len(compressed)),
		MessageCount: len(entries),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, user_id, conversation_id, created_at, state_gz, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), key.UserID, key.ConversationID, cp.CreatedAt.Format(time.RFC3339Nano), compressed, len(compressed), len(entries))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, key, s.keep); err != nil {
			return cp, err
		}
	}
	return cp, nil
}

// Latest returns the newest snapshot for key, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, key Key) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, state_gz, byte_size, message_count
		FROM checkpoints
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, key.UserID, key.ConversationID)

	var (
		cp                Checkpoint
		idStr, createdStr string
		stateGz           []byte
	)
	err := row.Scan(&idStr, &createdStr, &stateGz, &cp.ByteSize, &cp.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}

	cp.ID, _ = uuid.Parse(idStr)
	cp.Key = key
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if cp.Entries, err = decompress(stateGz); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Entries returns the latest message history for key; a conversation
// without checkpoints has an empty history.
func (s *Store) Entries(ctx context.Context, key Key) ([]Entry, error) {
	cp, err := s.Latest(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp.Entries, nil
}

// History lists snapshot metadata for key, newest first, without
// message bodies.
func (s *Store) History(ctx context.Context, key Key, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, byte_size, message_count
		FROM checkpoints
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, key.UserID, key.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{Key: key}
		var idStr, createdStr string
		if err := rows.Scan(&idStr, &createdStr, &cp.ByteSize, &cp.MessageCount); err != nil {
			return nil, err
		}
		cp.ID, _ = uuid.Parse(idStr)
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of key.
func (s *Store) Prune(ctx context.Context, key Key, keep int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE user_id = ? AND conversation_id = ? AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE user_id = ? AND conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, key.UserID, key.ConversationID, key.UserID, key.ConversationID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func compress(entries []Entry) ([]byte, error) {
	stateJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(stateGz []byte) ([]Entry, error) {
	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(stateJSON, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return entries, nil
}
