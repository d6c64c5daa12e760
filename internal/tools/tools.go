// Package tools defines the closed set of tools the assistant may call,
// their argument schemas, and the dispatcher that runs them.
package tools

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nugget/moodmender/internal/llm"
)

// Kind names one tool of the closed set.
type Kind string

const (
	KindMeme       Kind = "generate_contextual_meme"
	KindMemorySave Kind = "save_memory"
)

// Kinds lists every tool in the order offered to the model.
var Kinds = []Kind{KindMeme, KindMemorySave}

// ParseKind maps a tool name to its Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", &ErrToolUnavailable{ToolName: name}
}

// MemeArgs are the arguments of generate_contextual_meme.
type MemeArgs struct {
	ConversationContext string  `json:"conversation_context"`
	NumMemes            flexInt `json:"num_memes,omitempty"`
}

// MemoryArgs are the arguments of save_memory.
type MemoryArgs struct {
	Memory string `json:"memory"`
}

// Call is a decoded tool call. Exactly one of Meme and Memory is set,
// matching Kind.
type Call struct {
	ID     string
	Kind   Kind
	Meme   *MemeArgs
	Memory *MemoryArgs
}

// Defs returns the tool definitions offered to the model.
func Defs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        string(KindMeme),
			Description: "Generates memes based on conversation context using random templates. Use sparingly, when the user could use cheering up or asks for a meme.",
			Properties: map[string]any{
				"conversation_context": map[string]any{
					"type":        "string",
					"description": "What the user is going through, in a sentence or two, so the captions can riff on it.",
				},
				"num_memes": map[string]any{
					"type":        "integer",
					"description": "How many memes to make (default 2).",
				},
			},
			Required: []string{"conversation_context"},
		},
		{
			Name:        string(KindMemorySave),
			Description: "Save the given memory for the current user. Only when the user explicitly asks you to remember something or shares something important.",
			Properties: map[string]any{
				"memory": map[string]any{
					"type":        "string",
					"description": "The fact to remember, phrased in third person.",
				},
			},
			Required: []string{"memory"},
		},
	}
}

// Decode checks a model tool call against the closed set and its
// schema.
func Decode(tc llm.ToolCall) (Call, error) {
	kind, err := ParseKind(tc.Function.Name)
	if err != nil {
		return Call{}, err
	}
	call := Call{ID: tc.ID, Kind: kind}

	args := bytes.TrimSpace(tc.Function.Arguments)
	if len(args) == 0 || string(args) == "null" {
		args = []byte("{}")
	}

	switch kind {
	case KindMeme:
		var a MemeArgs
		if err := decodeStrict(args, &a); err != nil {
			return Call{}, &ErrInvalidArgs{Kind: kind, Reason: err.Error()}
		}
		a.ConversationContext = strings.TrimSpace(a.ConversationContext)
		if a.ConversationContext == "" {
			return Call{}, &ErrInvalidArgs{Kind: kind, Reason: "conversation_context is required"}
		}
		if a.NumMemes < 0 {
			return Call{}, &ErrInvalidArgs{Kind: kind, Reason: "num_memes must not be negative"}
		}
		call.Meme = &a
	case KindMemorySave:
		var a MemoryArgs
		if err := decodeStrict(args, &a); err != nil {
			return Call{}, &ErrInvalidArgs{Kind: kind, Reason: err.Error()}
		}
		a.Memory = strings.TrimSpace(a.Memory)
		if a.Memory == "" {
			return Call{}, &ErrInvalidArgs{Kind: kind, Reason: "memory is required"}
		}
		call.Memory = &a
	}
	return call, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// flexInt accepts a JSON number or a numeric string; some models quote
// integers.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}
