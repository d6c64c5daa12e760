// Package llm talks to hosted language models. Every provider is
// reached through [Client]; wire formats are converted at the provider
// boundary (anthropic.go, openai.go) so the rest of the service only
// sees [Message] and [ChatResponse].
package llm

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool result with the request that
	// produced it. Set only on RoleTool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName names the tool that produced a RoleTool message.
	ToolName string `json:"tool_name,omitempty"`
}

// HasToolCalls reports whether an assistant message requests tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw JSON arguments.
// Arguments are decoded against the tool's schema at dispatch.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef advertises a tool to the model. Properties and Required
// form a JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// JSONSchema returns the tool parameters as a JSON Schema object.
func (d ToolDef) JSONSchema() map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": d.Properties,
	}
	if len(d.Required) > 0 {
		schema["required"] = d.Required
	}
	return schema
}

// Request is one chat completion call.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
	// ForceTool, when set, requires the model to call the named tool.
	ForceTool string
	// MaxTokens overrides the client default when positive.
	MaxTokens int
}

// ChatResponse is the provider-neutral completion result.
type ChatResponse struct {
	Model        string
	Message      Message
	StopReason   string
	InputTokens  int
	OutputTokens int
}
