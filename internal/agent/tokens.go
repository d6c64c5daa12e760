package agent

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/nugget/moodmender/internal/llm"
)

// perMessageTokens approximates the framing overhead of one chat
// message.
const perMessageTokens = 8

// TokenCounter estimates how many prompt tokens a message costs.
type TokenCounter interface {
	Count(m llm.Message) int
}

// TiktokenCounter counts with the cl100k_base encoding.
type TiktokenCounter struct {
	enc tokenizer.Codec
}

// NewTiktokenCounter loads the cl100k_base codec.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the content tokens of m plus the per-message overhead.
// Tool call names and arguments count as content.
func (c *TiktokenCounter) Count(m llm.Message) int {
	n := perMessageTokens + c.text(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.text(tc.Function.Name) + c.text(string(tc.Function.Arguments))
	}
	return n
}

func (c *TiktokenCounter) text(s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := c.enc.Encode(s)
	if err != nil {
		return len(s) / 4
	}
	return len(ids)
}

// Trim returns the longest suffix of msgs whose token cost fits budget,
// counting from the newest message backward. Messages are kept whole.
// The newest message is always kept even when it alone exceeds budget.
// Leading tool results are then dropped so none is separated from the
// assistant request that produced it; the window never grows past the
// budget for that. The one exception is a window of nothing but tool
// results, which is widened back to the request that produced them.
func Trim(msgs []llm.Message, budget int, counter TokenCounter) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := len(msgs) - 1
	total := counter.Count(msgs[start])
	for start > 0 {
		cost := counter.Count(msgs[start-1])
		if total+cost > budget {
			break
		}
		total += cost
		start--
	}

	aligned := start
	for aligned < len(msgs) && msgs[aligned].Role == llm.RoleTool {
		aligned++
	}
	if aligned == len(msgs) {
		aligned = start
		for aligned > 0 && msgs[aligned].Role == llm.RoleTool {
			aligned--
		}
	}
	return msgs[aligned:]
}
