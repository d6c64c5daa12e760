package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/llm"
)

// fixedCounter charges every message the same.
type fixedCounter int

func (c fixedCounter) Count(llm.Message) int { return int(c) }

type fakeMemories struct {
	fullName, age string
	memories      []string
	err           error
	scopes        []facts.Scope
}

func (f *fakeMemories) Profile(context.Context, string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.fullName, f.age, nil
}

func (f *fakeMemories) List(_ context.Context, s facts.Scope) ([]string, error) {
	f.scopes = append(f.scopes, s)
	if f.err != nil {
		return nil, f.err
	}
	return f.memories, nil
}

// memHistory keeps checkpoints in memory.
type memHistory struct {
	mu    sync.Mutex
	data  map[checkpoint.Key][]checkpoint.Entry
	saves int
	err   error
}

func newMemHistory() *memHistory {
	return &memHistory{data: make(map[checkpoint.Key][]checkpoint.Entry)}
}

func (h *memHistory) Entries(_ context.Context, key checkpoint.Key) ([]checkpoint.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]checkpoint.Entry(nil), h.data[key]...), nil
}

func (h *memHistory) Save(_ context.Context, key checkpoint.Key, entries []checkpoint.Entry) (*checkpoint.Checkpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.saves++
	h.data[key] = append([]checkpoint.Entry(nil), entries...)
	return &checkpoint.Checkpoint{Key: key, MessageCount: len(entries)}, nil
}

func (h *memHistory) messages(key checkpoint.Key) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return checkpoint.Messages(h.data[key])
}

func (h *memHistory) seed(key checkpoint.Key, msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		h.data[key] = append(h.data[key], checkpoint.NewEntry(m))
	}
}

var testKey = checkpoint.Key{UserID: "u1", ConversationID: "c1"}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: json.RawMessage(args)}}
}

func reply(text string) llm.ScriptedResponse {
	return llm.ScriptedResponse{Message: llm.Message{Content: text}, InputTokens: 10, OutputTokens: 2}
}

func callsTool(calls ...llm.ToolCall) llm.ScriptedResponse {
	return llm.ScriptedResponse{Message: llm.Message{ToolCalls: calls}}
}

func newTestExecutor(client llm.Client, history HistoryStore, maxIter int) *Executor {
	mem := &fakeMemories{fullName: "Ada Lovelace", age: "36"}
	return NewExecutor(ExecutorConfig{
		Client:        client,
		Model:         "test-model",
		History:       history,
		Composer:      NewComposer(mem, fixedCounter(1), 1000, nil),
		MaxIterations: maxIter,
	})
}
