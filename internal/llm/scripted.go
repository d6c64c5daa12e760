package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned responses in order. It records every
// request so tests can assert on prompts and tool definitions. It is
// safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	Requests  []Request
}

// ScriptedResponse is one canned reply or error.
type ScriptedResponse struct {
	Message      Message
	Err          error
	InputTokens  int
	OutputTokens int
}

// NewScriptedClient returns a client that answers with responses in order.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Chat returns the next scripted response.
func (s *ScriptedClient) Chat(_ context.Context, req Request) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted client: no response left for request %d", len(s.Requests))
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	msg := next.Message
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	return &ChatResponse{
		Model:        req.Model,
		Message:      msg,
		InputTokens:  next.InputTokens,
		OutputTokens: next.OutputTokens,
	}, nil
}

// Calls returns how many requests have been made.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
