// Package checkpoint persists conversation history as compressed
// snapshots keyed by (user, conversation). Each turn saves the full
// message list so a conversation can be resumed exactly where it
// stopped, including after an interrupted tool round trip.
package checkpoint

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/moodmender/internal/llm"
)

// ErrNotFound is returned when a conversation has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// Key addresses one conversation of one user.
type Key struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Valid reports whether both parts are set.
func (k Key) Valid() bool {
	return k.UserID != "" && k.ConversationID != ""
}

// Entry is one message with the identity and time it was appended.
type Entry struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Message   llm.Message `json:"message"`
}

// NewEntry stamps msg with a fresh id and the current time.
func NewEntry(msg llm.Message) Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Entry{ID: id.String(), CreatedAt: time.Now().UTC(), Message: msg}
}

// Messages strips entries down to their messages.
func Messages(entries []Entry) []llm.Message {
	out := make([]llm.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Checkpoint is a point-in-time snapshot of one conversation.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	Key       Key       `json:"key"`
	CreatedAt time.Time `json:"created_at"`

	// Entries is nil when loaded by History.
	Entries []Entry `json:"entries,omitempty"`

	ByteSize     int64 `json:"byte_size"` // compressed
	MessageCount int   `json:"message_count"`
}
