package prompts

import "fmt"

const topicTemplate = `You are an expert in assigning concise topics to conversations. Assign a relevant topic in 5 words or less.

Here is the initial input message:

%s

What is the best topic for this conversation? Provide only the topic without any extra text.`

// TopicPrompt returns the prompt that labels a new conversation from
// its first message.
func TopicPrompt(firstMessage string) string {
	return fmt.Sprintf(topicTemplate, firstMessage)
}
