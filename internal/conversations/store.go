// Package conversations stores per-user conversation metadata: the id,
// display name, topic label and creation time shown in the sidebar.
// Message history lives in the checkpoint store; this package only
// answers "which conversations exist".
package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a conversation has no metadata.
var ErrNotFound = errors.New("conversation not found")

// ListTimeFormat is how created_at is rendered in listings.
const ListTimeFormat = "2006-01-02 15:04"

var rootBucket = []byte("conversations")

// Metadata describes one conversation.
type Metadata struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// Open opens (or creates) the bbolt file at path.
func Open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// NewCache builds the read cache shared by Store instances.
func NewCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
}

// Store keeps metadata in a bbolt bucket per user, fronted by a
// ristretto cache for the per-connection existence checks.
type Store struct {
	db     *bolt.DB
	cache  *ristretto.Cache
	logger *slog.Logger
}

// NewStore wraps an open database. cache may be nil.
func NewStore(db *bolt.DB, cache *ristretto.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cache: cache, logger: logger.With("component", "conversations")}
}

func cacheKey(userID, id string) string {
	return userID + "/" + id
}

// Create records a new conversation for userID with the given topic.
func (s *Store) Create(_ context.Context, userID, topic string) (*Metadata, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	meta := &Metadata{
		ID:        id.String(),
		UserID:    userID,
		Name:      "Conversation " + id.String(),
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}

	enc, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.ID), enc)
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.remember(meta)
	s.logger.Info("conversation created", "user_id", userID, "conversation_id", meta.ID, "topic", topic)
	return meta, nil
}

// Get returns the metadata of one conversation or ErrNotFound.
func (s *Store) Get(_ context.Context, userID, id string) (*Metadata, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey(userID, id)); ok {
			if meta, ok := v.(*Metadata); ok {
				return meta, nil
			}
		}
	}

	var meta *Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := userBucket(tx, userID)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		meta = &Metadata{}
		return json.Unmarshal(v, meta)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}

	s.remember(meta)
	return meta, nil
}

// Exists reports whether id is a known conversation of userID.
func (s *Store) Exists(ctx context.Context, userID, id string) (bool, error) {
	_, err := s.Get(ctx, userID, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every conversation of userID, newest first. Malformed
// entries are skipped.
func (s *Store) List(_ context.Context, userID string) ([]Metadata, error) {
	var out []Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := userBucket(tx, userID)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var meta Metadata
			if err := json.Unmarshal(v, &meta); err != nil {
				s.logger.Warn("skipping malformed conversation", "user_id", userID, "key", string(k), "error", err)
				return nil
			}
			out = append(out, meta)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a conversation's metadata.
func (s *Store) Delete(_ context.Context, userID, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := userBucket(tx, userID)
		if b == nil || b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if s.cache != nil {
		s.cache.Del(cacheKey(userID, id))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return err
}

func (s *Store) remember(meta *Metadata) {
	if s.cache == nil {
		return
	}
	s.cache.Set(cacheKey(meta.UserID, meta.ID), meta, 1)
}

func userBucket(tx *bolt.Tx, userID string) *bolt.Bucket {
	root := tx.Bucket(rootBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(userID))
}
