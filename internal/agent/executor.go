// Package agent runs conversation turns: it composes prompts, drives
// the model through tool round trips, persists every appended message,
// and turns what happens into client emissions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/events"
	"github.com/nugget/moodmender/internal/llm"
)

// DefaultMaxIterations bounds model calls per turn.
const DefaultMaxIterations = 6

var (
	// ErrMaxIterations ends a turn whose model kept asking for tools.
	ErrMaxIterations = errors.New("turn exceeded model iteration limit")
	// ErrPendingToolResults is returned by Next while the newest
	// assistant message still has unanswered tool calls.
	ErrPendingToolResults = errors.New("tool results pending")
	// ErrNoUser is returned by Stream for a key without a user id.
	ErrNoUser = errors.New("user id not found")
	// ErrEmptyUtterance is returned by Stream for blank input, which
	// is never persisted.
	ErrEmptyUtterance = errors.New("empty utterance")
)

// interruptedToolResult answers tool calls whose results were never
// recorded.
const interruptedToolResult = "Error: tool call was interrupted before it finished."

// HistoryStore persists conversation state. *checkpoint.Store
// satisfies it.
type HistoryStore interface {
	Entries(ctx context.Context, key checkpoint.Key) ([]checkpoint.Entry, error)
	Save(ctx context.Context, key checkpoint.Key, entries []checkpoint.Entry) (*checkpoint.Checkpoint, error)
}

// Executor is the model-facing half of a turn.
type Executor struct {
	client        llm.Client
	model         string
	history       HistoryStore
	composer      *Composer
	tools         []llm.ToolDef
	maxIterations int
	bus           *events.Bus
	logger        *slog.Logger
}

// ExecutorConfig holds the Executor's collaborators.
type ExecutorConfig struct {
	Client        llm.Client
	Model         string
	History       HistoryStore
	Composer      *Composer
	Tools         []llm.ToolDef
	MaxIterations int
	Bus           *events.Bus
	Logger        *slog.Logger
}

// NewExecutor returns an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		client:        cfg.Client,
		model:         cfg.Model,
		history:       cfg.History,
		composer:      cfg.Composer,
		tools:         cfg.Tools,
		maxIterations: cfg.MaxIterations,
		bus:           cfg.Bus,
		logger:        cfg.Logger.With("component", "executor"),
	}
}

// History returns the persisted messages of a conversation.
func (e *Executor) History(ctx context.Context, key checkpoint.Key) ([]checkpoint.Entry, error) {
	return e.history.Entries(ctx, key)
}

// Event is one message appended to the conversation during a turn.
type Event struct {
	Message llm.Message
	// Replayed marks tool results recovered from an interrupted turn
	// rather than produced by this one.
	Replayed bool
}

// Stream is one turn in progress.
type Stream struct {
	exec    *Executor
	key     checkpoint.Key
	entries []checkpoint.Entry
	queue   []Event
	iter    int
	done    bool

	InputTokens  int
	OutputTokens int
}

// Stream loads the conversation, appends utterance as a user message
// and returns the turn's event stream. Tool results left over from an
// interrupted turn are queued as replayed events.
func (e *Executor) Stream(ctx context.Context, key checkpoint.Key, utterance string) (*Stream, error) {
	if key.UserID == "" {
		return nil, ErrNoUser
	}
	if strings.TrimSpace(utterance) == "" {
		return nil, ErrEmptyUtterance
	}
	entries, err := e.history.Entries(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	s := &Stream{exec: e, key: key}
	entries = answerDangling(entries)
	for _, m := range trailingToolResults(entries) {
		s.queue = append(s.queue, Event{Message: m, Replayed: true})
	}

	s.entries = append(entries, checkpoint.NewEntry(llm.Message{Role: llm.RoleUser, Content: utterance}))
	if err := s.save(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Next returns the next event. ok is false once the model has produced
// a reply without tool calls.
func (s *Stream) Next(ctx context.Context) (ev Event, ok bool, err error) {
	if len(s.queue) > 0 {
		ev, s.queue = s.queue[0], s.queue[1:]
		return ev, true, nil
	}
	if s.done {
		return Event{}, false, nil
	}
	if pending := s.pendingCalls(); len(pending) > 0 {
		return Event{}, false, fmt.Errorf("%w: %v", ErrPendingToolResults, pending)
	}
	if s.iter >= s.exec.maxIterations {
		s.done = true
		return Event{}, false, ErrMaxIterations
	}

	e := s.exec
	prompt := e.composer.Compose(ctx, s.key, checkpoint.Messages(s.entries))
	resp, err := e.client.Chat(ctx, llm.Request{
		Model:    e.model,
		Messages: prompt,
		Tools:    e.tools,
	})
	s.iter++
	if err != nil {
		s.done = true
		return Event{}, false, fmt.Errorf("model call %d: %w", s.iter, err)
	}

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	s.InputTokens += resp.InputTokens
	s.OutputTokens += resp.OutputTokens

	e.logger.Debug("model responded",
		"conversation_id", s.key.ConversationID,
		"iter", s.iter,
		"model", resp.Model,
		"tool_calls", len(msg.ToolCalls),
		"stop_reason", resp.StopReason,
	)
	e.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"user_id":         s.key.UserID,
		"conversation_id": s.key.ConversationID,
		"iter":            s.iter,
		"model":           resp.Model,
		"tokens_in":       resp.InputTokens,
		"tokens_out":      resp.OutputTokens,
		"tool_calls":      len(msg.ToolCalls),
	})

	s.entries = append(s.entries, checkpoint.NewEntry(msg))
	if err := s.save(ctx); err != nil {
		s.done = true
		return Event{}, false, err
	}
	if !msg.HasToolCalls() {
		s.done = true
	}
	return Event{Message: msg}, true, nil
}

// Submit appends tool results for the newest assistant message.
func (s *Stream) Submit(ctx context.Context, results ...llm.Message) error {
	pending := s.pendingCalls()
	for _, r := range results {
		if r.Role != llm.RoleTool {
			return fmt.Errorf("submit: message role %q is not a tool result", r.Role)
		}
		if !contains(pending, r.ToolCallID) {
			return fmt.Errorf("submit: no pending tool call %q", r.ToolCallID)
		}
		s.entries = append(s.entries, checkpoint.NewEntry(r))
	}
	return s.save(ctx)
}

// Iterations returns the number of model calls made so far.
func (s *Stream) Iterations() int { return s.iter }

func (s *Stream) save(ctx context.Context) error {
	if _, err := s.exec.history.Save(ctx, s.key, s.entries); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// pendingCalls lists tool call ids of the newest assistant message that
// have no result yet.
func (s *Stream) pendingCalls() []string {
	msgs := checkpoint.Messages(s.entries)
	return unansweredCalls(msgs)
}

func unansweredCalls(msgs []llm.Message) []string {
	i := len(msgs) - 1
	for i >= 0 && msgs[i].Role == llm.RoleTool {
		i--
	}
	if i < 0 || msgs[i].Role != llm.RoleAssistant || !msgs[i].HasToolCalls() {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range msgs[i+1:] {
		answered[m.ToolCallID] = true
	}
	var out []string
	for _, tc := range msgs[i].ToolCalls {
		if !answered[tc.ID] {
			out = append(out, tc.ID)
		}
	}
	return out
}

// answerDangling closes out an interrupted tool round trip so the
// history stays well-formed for the model.
func answerDangling(entries []checkpoint.Entry) []checkpoint.Entry {
	msgs := checkpoint.Messages(entries)
	missing := unansweredCalls(msgs)
	if len(missing) == 0 {
		return entries
	}
	names := make(map[string]string)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			for _, tc := range msgs[i].ToolCalls {
				names[tc.ID] = tc.Function.Name
			}
			break
		}
	}
	for _, id := range missing {
		entries = append(entries, checkpoint.NewEntry(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: id,
			ToolName:   names[id],
			Content:    interruptedToolResult,
		}))
	}
	return entries
}

// trailingToolResults returns the tool results at the end of entries,
// which only happens when a turn stopped before the model replied to
// them.
func trailingToolResults(entries []checkpoint.Entry) []llm.Message {
	i := len(entries)
	for i > 0 && entries[i-1].Message.Role == llm.RoleTool {
		i--
	}
	return checkpoint.Messages(entries[i:])
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
