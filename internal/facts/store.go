// Package facts is MoodMender's long-term memory: a namespaced key/value
// store holding user profile fields and the free-text memories the
// assistant is asked to keep. Two backends implement [Store]: SQLite
// for single-node deployments and Postgres for shared ones.
package facts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("memory item not found")

// Namespace addresses a group of items, e.g. ("user", uid, "memories").
type Namespace []string

// String joins the namespace parts with '.', the form used as the
// storage key.
func (n Namespace) String() string {
	return strings.Join(n, ".")
}

// Item is one stored value.
type Item struct {
	Namespace Namespace `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	// Seq is the ordinal issued by Append; zero for items written by Put.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a namespaced key/value store.
type Store interface {
	// Get returns one item or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (*Item, error)
	// Put creates or replaces an item.
	Put(ctx context.Context, ns Namespace, key, value string) error
	// Search returns every item in ns, oldest ordinal first.
	Search(ctx context.Context, ns Namespace) ([]Item, error)
	// Append stores value under keyPrefix plus the next ordinal of ns.
	// Ordinals start at 0 and are issued atomically, so concurrent
	// appends to one namespace never collide.
	Append(ctx context.Context, ns Namespace, keyPrefix, value string) (*Item, error)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func splitNamespace(s string) Namespace {
	if s == "" {
		return nil
	}
	return Namespace(strings.Split(s, "."))
}
