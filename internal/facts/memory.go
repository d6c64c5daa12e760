package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/moodmender/internal/config"
)

// Profile keys written at signup.
const (
	KeyFullName = "full_name"
	KeyAge      = "age"
)

// memoryKeyPrefix is prepended to the ordinal of every saved memory.
const memoryKeyPrefix = "memory_"

// ErrNoUser is returned when a scope carries no user id.
var ErrNoUser = errors.New("user id not found")

// Scope identifies whose memories a call touches.
type Scope struct {
	UserID         string
	ConversationID string
}

// ProfileNamespace holds the durable profile fields of a user.
func ProfileNamespace(userID string) Namespace {
	return Namespace{"user", userID, "data"}
}

// SaveResult is the outcome of a memory save. Exactly one of Saved and
// Err is meaningful.
type SaveResult struct {
	Saved *Item
	Err   error
}

// String renders the result the way the assistant sees it in the tool
// result.
func (r SaveResult) String() string {
	switch {
	case errors.Is(r.Err, ErrNoUser):
		return "Error: User ID not found in config."
	case r.Err != nil:
		return "Error saving memory: " + r.Err.Error()
	default:
		return "Saved memory: " + r.Saved.Value
	}
}

// OK reports whether the save succeeded.
func (r SaveResult) OK() bool { return r.Err == nil }

// Memories reads and writes a user's facts with a fixed scoping
// strategy.
type Memories struct {
	store  Store
	scope  string
	logger *slog.Logger
}

// NewMemories returns a Memories using scope config.ScopeUser or
// config.ScopeConversation. Unknown scopes behave as ScopeUser.
func NewMemories(store Store, scope string, logger *slog.Logger) *Memories {
	if logger == nil {
		logger = slog.Default()
	}
	if scope != config.ScopeConversation {
		scope = config.ScopeUser
	}
	return &Memories{store: store, scope: scope, logger: logger.With("component", "memories")}
}

// Namespace returns where memories for s live under the configured
// scope.
func (m *Memories) Namespace(s Scope) (Namespace, error) {
	if s.UserID == "" {
		return nil, ErrNoUser
	}
	if m.scope == config.ScopeConversation {
		if s.ConversationID == "" {
			return nil, errors.New("conversation id not found")
		}
		return Namespace{"user", s.UserID, s.ConversationID, "memories"}, nil
	}
	return Namespace{"user", s.UserID, "memories"}, nil
}

// Save appends text as a new memory. It never returns an error
// directly; failures are carried in the result.
func (m *Memories) Save(ctx context.Context, s Scope, text string) SaveResult {
	ns, err := m.Namespace(s)
	if err != nil {
		m.logger.Warn("memory save without scope", "error", err)
		return SaveResult{Err: err}
	}

	item, err := m.store.Append(ctx, ns, memoryKeyPrefix, text)
	if err != nil {
		m.logger.Error("memory save failed", "namespace", ns.String(), "error", err)
		return SaveResult{Err: err}
	}

	m.logger.Info("memory saved", "namespace", ns.String(), "key", item.Key)
	return SaveResult{Saved: item}
}

// List returns every memory value in scope, oldest first.
func (m *Memories) List(ctx context.Context, s Scope) ([]string, error) {
	ns, err := m.Namespace(s)
	if err != nil {
		return nil, err
	}
	items, err := m.store.Search(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Value)
	}
	return out, nil
}

// Profile returns the stored full name and age of a user.
func (m *Memories) Profile(ctx context.Context, userID string) (fullName, age string, err error) {
	if userID == "" {
		return "", "", ErrNoUser
	}
	ns := ProfileNamespace(userID)
	name, err := m.store.Get(ctx, ns, KeyFullName)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", KeyFullName, err)
	}
	a, err := m.store.Get(ctx, ns, KeyAge)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", KeyAge, err)
	}
	return name.Value, a.Value, nil
}

// PutProfile writes the profile fields of a user.
func (m *Memories) PutProfile(ctx context.Context, userID, fullName, age string) error {
	if userID == "" {
		return ErrNoUser
	}
	ns := ProfileNamespace(userID)
	if err := m.store.Put(ctx, ns, KeyFullName, fullName); err != nil {
		return err
	}
	return m.store.Put(ctx, ns, KeyAge, age)
}
