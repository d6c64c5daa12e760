package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/moodmender/internal/agent"
	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/render"
)

const msgConversationNotFound = "Conversation not found."

// Message types in chat history, as the web client names them.
const (
	typeHuman = "HumanMessage"
	typeAI    = "AIMessage"
	typeTool  = "ToolMessage"
)

// LabelChatRequest is the body of POST /label_chat.
type LabelChatRequest struct {
	Message string `json:"message"`
}

// ConversationView is one sidebar entry.
type ConversationView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	CreatedAt string `json:"created_at"`
}

func viewOf(m *conversations.Metadata) ConversationView {
	return ConversationView{
		ID:        m.ID,
		Name:      m.Name,
		Topic:     m.Topic,
		CreatedAt: m.CreatedAt.Local().Format(conversations.ListTimeFormat),
	}
}

// MessageView is one message of a conversation's history. Content is
// a string, or a list of image URLs for tool messages.
type MessageView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Content   any    `json:"content"`
	HTML      string `json:"html,omitempty"`
	Name      string `json:"name,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleLabelChat(w http.ResponseWriter, r *http.Request) {
	var req LabelChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if blank(req.Message) {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	meta, err := s.deps.Conversations.Start(r.Context(), s.deps.Labeler, identity(r).UserID, req.Message)
	if err != nil {
		s.logger.Error("label chat failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error labeling chat")
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"message":           "Conversation labeled and stored successfully.",
		"conversation_id":   meta.ID,
		"label":             meta.Topic,
		"conversation_data": viewOf(meta),
	})
}

func (s *Server) handleFetchConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Conversations.List(r.Context(), identity(r).UserID)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error fetching conversations")
		return
	}
	if len(list) == 0 {
		s.respond(w, http.StatusOK, map[string]any{
			"message":       "No conversations found.",
			"conversations": []ConversationView{},
		})
		return
	}

	views := make([]ConversationView, len(list))
	for i := range list {
		views[i] = viewOf(&list[i])
	}
	s.respond(w, http.StatusOK, map[string]any{"conversations": views})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation_id")
	if convID == "new" {
		s.respond(w, http.StatusOK, map[string]any{
			"conversation_id":      "new",
			"messages":             []MessageView{},
			"fetched_conversation": nil,
		})
		return
	}

	ctx := r.Context()
	userID := identity(r).UserID
	meta, err := s.deps.Conversations.Get(ctx, userID, convID)
	if errors.Is(err, conversations.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, msgConversationNotFound)
		return
	}
	if err != nil {
		s.logger.Error("conversation lookup failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error fetching conversation")
		return
	}

	entries, err := s.deps.History.Entries(ctx, checkpoint.Key{UserID: userID, ConversationID: convID})
	if err != nil {
		s.logger.Error("history load failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error fetching conversation state")
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"conversation_id":      convID,
		"messages":             s.messageViews(entries),
		"fetched_conversation": viewOf(meta),
	})
}

// messageViews converts history for display. Assistant messages that
// only carry tool calls and tool results without images are skipped.
func (s *Server) messageViews(entries []checkpoint.Entry) []MessageView {
	out := make([]MessageView, 0, len(entries))
	for _, e := range entries {
		v := MessageView{ID: e.ID, Timestamp: e.CreatedAt.Format(time.RFC3339)}
		m := e.Message
		switch m.Role {
		case llm.RoleUser:
			v.Type, v.Content = typeHuman, m.Content
		case llm.RoleAssistant:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			v.Type, v.Content = typeAI, m.Content
			html, err := render.HTML(m.Content)
			if err != nil {
				s.logger.Debug("markdown render failed", "entry_id", e.ID, "error", err)
			}
			v.HTML = html
		case llm.RoleTool:
			urls := agent.ExtractURLs(m.Content)
			if len(urls) == 0 {
				continue
			}
			v.Type, v.Content, v.Name = typeTool, urls, m.ToolName
		default:
			continue
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation_id")
	err := s.deps.Conversations.Delete(r.Context(), identity(r).UserID, convID)
	if errors.Is(err, conversations.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, msgConversationNotFound)
		return
	}
	if err != nil {
		s.logger.Error("delete conversation failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Error deleting conversation")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"message": "Conversation " + convID + " deleted successfully.",
	})
}
