package prompts

import "fmt"

// captionTemplate asks for exactly as many captions as a template has
// text boxes. Format verbs: box count, template name, premise, context.
const captionTemplate = `Generate %d meme captions for the '%s' meme template. Keep every caption short and punchy. Write exactly one caption per line and never label them ("box one", "top text" and so on).

The captions should build toward a hilariously witty punchline: each one escalates the previous, and the last one pays it off.

If the template shows characters or people talking, make the captions read like a natural exchange between them that fits the image and the user's situation. No meta-commentary.

Premise: %s

Context: %s

Return ONLY the captions separated by newlines. Do not include any additional text or explanations:`

// CaptionPrompt returns the caption prompt for one template.
func CaptionPrompt(templateName string, boxCount int, premise, context string) string {
	return fmt.Sprintf(captionTemplate, boxCount, templateName, premise, context)
}

// premiseTemplate asks for the joke angle behind a meme. Format verbs:
// template name, context.
const premiseTemplate = `You are writing the joke behind a '%s' meme for a friend who is chatting with you.

Read the conversation context and state the humorous premise of the meme in 5 to 12 words. Make it relatable and kind, never mean about the user.

Context: %s`

// PremisePrompt returns the humor-premise prompt for one template.
func PremisePrompt(templateName, context string) string {
	return fmt.Sprintf(premiseTemplate, templateName, context)
}
