package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/prompts"
)

// maxTopicWords bounds a generated topic label.
const maxTopicWords = 5

var topicSchema = llm.ToolDef{
	Name:        "assign_topic",
	Description: "Record the topic of the conversation.",
	Properties: map[string]any{
		"topic": map[string]any{
			"type":        "string",
			"description": "The conversation topic in 5 words or less.",
		},
	},
	Required: []string{"topic"},
}

// Labeler derives a short topic from the first message of a
// conversation.
type Labeler struct {
	client llm.Client
	model  string
}

// NewLabeler returns a Labeler using model on client.
func NewLabeler(client llm.Client, model string) *Labeler {
	return &Labeler{client: client, model: model}
}

// Label returns a topic of at most five words.
func (l *Labeler) Label(ctx context.Context, firstMessage string) (string, error) {
	var out struct {
		Topic string `json:"topic"`
	}
	if err := llm.CompleteJSON(ctx, l.client, l.model, prompts.TopicPrompt(firstMessage), topicSchema, &out); err != nil {
		return "", fmt.Errorf("label conversation: %w", err)
	}
	topic := cleanTopic(out.Topic)
	if topic == "" {
		return "", fmt.Errorf("label conversation: %w", llm.ErrNoStructuredOutput)
	}
	return topic, nil
}

func cleanTopic(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'.`)
	words := strings.Fields(s)
	if len(words) > maxTopicWords {
		words = words[:maxTopicWords]
	}
	return strings.Join(words, " ")
}
