package relay

import "github.com/nugget/moodmender/internal/agent"

// Inbound frame types. Any other type carrying content is a chat
// message.
const (
	typeAudio     = "audio"
	typeStopAudio = "stop_audio"
)

// Outbound frame types.
const (
	typeAudioStarted       = "audio_started"
	typeAudioTranscription = "audio_transcription"
	typeNewConversation    = "new_conversation"
	typeConnectionReady    = "connection_ready"
	typeError              = "error"
)

// Client-facing messages.
const (
	msgRecordingStarted = "Recording started."
	msgNewConversation  = "New conversation started."
	msgConnected        = "Connected!"
	msgInvalidFrame     = "Invalid message format."
	msgNotFound         = "Conversation not found."
	msgNoRecording      = "No recording in progress."
	msgSpeechOff        = "Voice input is not available."
	msgTooLong          = "Recording is too long."
	msgTranscribeFailed = "Could not transcribe audio."
)

// inbound is a client text frame. Content is a pointer so a missing
// field can be told apart from an empty message.
type inbound struct {
	Type    string  `json:"type"`
	Content *string `json:"content"`
}

type statusFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type contentFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type toolFrame struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	URLs    []string `json:"urls"`
}

func errorFrame(msg string) statusFrame {
	return statusFrame{Type: typeError, Message: msg}
}

// emissionFrame maps a driver emission to its wire shape.
func emissionFrame(e agent.Emission) any {
	switch e.Kind {
	case agent.EmitToolMessage:
		urls := e.URLs
		if urls == nil {
			urls = []string{}
		}
		return toolFrame{Type: e.Kind, Content: e.Content, URLs: urls}
	case agent.EmitError:
		return errorFrame(e.Content)
	default:
		return contentFrame{Type: e.Kind, Content: e.Content}
	}
}
