package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/prompts"
)

// DefaultTokenCeiling bounds the prompt: system message plus history.
const DefaultTokenCeiling = 5984

// MemoryReader supplies the profile and memories a prompt is built
// from. *facts.Memories satisfies it.
type MemoryReader interface {
	Profile(ctx context.Context, userID string) (fullName, age string, err error)
	List(ctx context.Context, s facts.Scope) ([]string, error)
}

// Composer builds the per-call prompt: one persona system message
// followed by a token-bounded window of the conversation.
type Composer struct {
	memories MemoryReader
	counter  TokenCounter
	ceiling  int
	logger   *slog.Logger
}

// NewComposer returns a Composer. A ceiling <= 0 uses
// DefaultTokenCeiling.
func NewComposer(memories MemoryReader, counter TokenCounter, ceiling int, logger *slog.Logger) *Composer {
	if ceiling <= 0 {
		ceiling = DefaultTokenCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{memories: memories, counter: counter, ceiling: ceiling, logger: logger.With("component", "composer")}
}

// Compose never fails. When the profile or memories cannot be read it
// returns an error system message followed by the untrimmed history.
func (c *Composer) Compose(ctx context.Context, key checkpoint.Key, history []llm.Message) []llm.Message {
	system, err := c.system(ctx, key)
	if err != nil {
		c.logger.Warn("prompt inputs unavailable",
			"user_id", key.UserID,
			"conversation_id", key.ConversationID,
			"error", err,
		)
		out := make([]llm.Message, 0, len(history)+1)
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompts.PrepareErrorPrompt(err)})
		return append(out, history...)
	}

	sys := llm.Message{Role: llm.RoleSystem, Content: system}
	window := Trim(history, c.ceiling-c.counter.Count(sys), c.counter)
	if len(window) < len(history) {
		c.logger.Debug("history trimmed",
			"conversation_id", key.ConversationID,
			"kept", len(window),
			"dropped", len(history)-len(window),
		)
	}

	out := make([]llm.Message, 0, len(window)+1)
	out = append(out, sys)
	return append(out, window...)
}

func (c *Composer) system(ctx context.Context, key checkpoint.Key) (string, error) {
	if key.UserID == "" {
		return "", errors.New("user id not found in config")
	}
	fullName, age, err := c.memories.Profile(ctx, key.UserID)
	if err != nil {
		return "", err
	}
	memories, err := c.memories.List(ctx, facts.Scope{UserID: key.UserID, ConversationID: key.ConversationID})
	if err != nil {
		return "", err
	}
	return prompts.PersonaPrompt(fullName, age, memories), nil
}
