package facts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresStore_Append(t *testing.T) {
	s, mock := newMockStore(t)
	ns := Namespace{"user", "u1", "memories"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO memory_sequences").
		WithArgs("user.u1.memories").
		WillReturnRows(pgxmock.NewRows([]string{"last"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO memory_items").
		WithArgs("user.u1.memories", "memory_4", "likes cats", int64(4), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	item, err := s.Append(context.Background(), ns, "memory_", "likes cats")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if item.Key != "memory_4" || item.Seq != 4 {
		t.Errorf("item = %+v", item)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AppendRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO memory_sequences").
		WithArgs("user.u1.memories").
		WillReturnRows(pgxmock.NewRows([]string{"last"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO memory_items").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Append(context.Background(), Namespace{"user", "u1", "memories"}, "memory_", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value, seq, created_at, updated_at").
		WithArgs("user.u1.data", KeyAge).
		WillReturnError(pgx.ErrNoRows)

	if _, err := s.Get(context.Background(), ProfileNamespace("u1"), KeyAge); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Search(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT key, value, seq, created_at, updated_at").
		WithArgs("user.u1.memories").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value", "seq", "created_at", "updated_at"}).
			AddRow("memory_0", "likes cats", int64(0), now, now).
			AddRow("memory_1", "plays bass", int64(1), now, now))

	items, err := s.Search(context.Background(), Namespace{"user", "u1", "memories"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 || items[1].Value != "plays bass" {
		t.Errorf("items = %+v", items)
	}
}

func TestPostgresStore_Put(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO memory_items").
		WithArgs("user.u1.data", KeyFullName, "Ada", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := s.Put(context.Background(), ProfileNamespace("u1"), KeyFullName, "Ada"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
