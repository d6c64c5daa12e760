package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoStructuredOutput is returned when the model produced nothing that
// could be decoded into the requested shape.
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// Complete runs a single-shot, tool-free completion and returns the
// assistant text.
func Complete(ctx context.Context, c Client, model, prompt string) (string, error) {
	resp, err := c.Chat(ctx, Request{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// CompleteJSON asks the model for output matching schema and decodes it
// into out. The schema is offered as a single forced tool; models that
// answer in text instead have their reply repaired and parsed as JSON.
func CompleteJSON(ctx context.Context, c Client, model, prompt string, schema ToolDef, out any) error {
	resp, err := c.Chat(ctx, Request{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		Tools:     []ToolDef{schema},
		ForceTool: schema.Name,
	})
	if err != nil {
		return err
	}

	for _, tc := range resp.Message.ToolCalls {
		if tc.Function.Name != schema.Name {
			continue
		}
		if err := json.Unmarshal(tc.Function.Arguments, out); err != nil {
			return fmt.Errorf("decode %s arguments: %w", schema.Name, err)
		}
		return nil
	}

	return decodeLooseJSON(resp.Message.Content, out)
}

// decodeLooseJSON extracts the first JSON object from text (tolerating
// code fences and chatter around it), repairs common syntax damage and
// decodes it.
func decodeLooseJSON(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ErrNoStructuredOutput
	}
	candidate := text[start : end+1]

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("repair structured output: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}
