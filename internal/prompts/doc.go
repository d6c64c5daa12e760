// Package prompts holds every instruction MoodMender sends to a model.
//
// Prompt text lives in Go rather than config: templates are filled with
// fmt.Sprintf and covered by tests. Each prompt family has its own file
// (persona.go, meme.go, topic.go) with an exported function taking the
// dynamic parts and returning the finished prompt.
package prompts
