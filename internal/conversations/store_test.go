package conversations

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T, cached bool) (*Store, *bolt.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "conv", "conversations.bolt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, nil, nil)
	if cached {
		cache, err := NewCache()
		if err != nil {
			t.Fatalf("NewCache: %v", err)
		}
		t.Cleanup(cache.Close)
		s = NewStore(db, cache, nil)
	}
	return s, db
}

func TestStore_CreateGet(t *testing.T) {
	for _, cached := range []bool{false, true} {
		s, _ := newTestStore(t, cached)
		ctx := context.Background()

		meta, err := s.Create(ctx, "u1", "Exam Stress")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if meta.Name != "Conversation "+meta.ID {
			t.Errorf("Name = %q", meta.Name)
		}

		got, err := s.Get(ctx, "u1", meta.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Topic != "Exam Stress" || got.ID != meta.ID {
			t.Errorf("Get = %+v", got)
		}

		if _, err := s.Get(ctx, "u2", meta.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("other user's Get = %v, want ErrNotFound", err)
		}
		ok, err := s.Exists(ctx, "u1", "missing")
		if err != nil || ok {
			t.Errorf("Exists(missing) = %v, %v", ok, err)
		}
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	if list, err := s.List(ctx, "u1"); err != nil || len(list) != 0 {
		t.Fatalf("List on empty store = %v, %v", list, err)
	}

	for _, topic := range []string{"first", "second", "third"} {
		if _, err := s.Create(ctx, "u1", topic); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var topics []string
	for _, m := range list {
		topics = append(topics, m.Topic)
	}
	if strings.Join(topics, ",") != "third,second,first" {
		t.Errorf("List order = %v", topics)
	}
}

func TestStore_ListSkipsMalformed(t *testing.T) {
	s, db := newTestStore(t, false)
	ctx := context.Background()

	if _, err := s.Create(ctx, "u1", "valid"); err != nil {
		t.Fatal(err)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Bucket([]byte("u1")).Put([]byte("junk"), []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Topic != "valid" {
		t.Errorf("List = %+v", list)
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	meta, err := s.Create(ctx, "u1", "gone soon")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "u1", meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "u1", meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
	if err := s.Delete(ctx, "u1", meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}
