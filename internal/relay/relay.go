// Package relay serves the chat websocket. Each connection is one
// goroutine: it reads client frames, runs turns through the driver one
// at a time and writes every emission back as a JSON frame.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/moodmender/internal/agent"
	"github.com/nugget/moodmender/internal/auth"
	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/events"
	"github.com/nugget/moodmender/internal/speech"
)

// NewConversationID is the path segment that starts a conversation.
const NewConversationID = "new"

const (
	writeWait              = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

// Turner runs one chat turn. *agent.Driver satisfies it.
type Turner interface {
	ProcessMessage(ctx context.Context, key checkpoint.Key, text string, emit agent.EmitFunc) error
}

// ConversationStore is the metadata the relay needs.
// *conversations.Store satisfies it.
type ConversationStore interface {
	Exists(ctx context.Context, userID, id string) (bool, error)
	Start(ctx context.Context, labeler conversations.TopicLabeler, userID, firstMessage string) (*conversations.Metadata, error)
}

// Config holds the relay's collaborators.
type Config struct {
	Auth          *auth.Issuer
	Conversations ConversationStore
	Labeler       conversations.TopicLabeler
	Driver        Turner
	// Speech may be nil; audio frames are then answered with an error.
	Speech speech.Engine
	Bus    *events.Bus
	Logger *slog.Logger
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	// MaxMessageBytes caps one inbound frame (default 1 MiB).
	MaxMessageBytes int64
}

// Relay is the websocket handler for /llm_chat/{conversation_id}.
type Relay struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New returns a Relay.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	r := &Relay{cfg: cfg, logger: cfg.Logger.With("component", "relay")}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, origin)
}

// ServeHTTP authenticates the request, upgrades it and serves the
// connection until the client leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id, err := r.cfg.Auth.FromRequest(req)
	if err != nil {
		r.logger.Debug("websocket rejected", "error", err, "remote", req.RemoteAddr)
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	convID := req.PathValue("conversation_id")
	if convID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.logger.Warn("websocket upgrade failed", "error", err, "remote", req.RemoteAddr)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(r.cfg.MaxMessageBytes)

	c := &conn{
		relay: r,
		ws:    ws,
		key:   checkpoint.Key{UserID: id.UserID, ConversationID: convID},
		logger: r.logger.With(
			"user_id", id.UserID,
			"remote", req.RemoteAddr,
		),
	}

	start := time.Now()
	r.cfg.Bus.Emit(events.SourceRelay, events.KindConnectionOpen, map[string]any{
		"user_id":         id.UserID,
		"conversation_id": convID,
	})
	c.logger.Info("websocket connected", "conversation_id", convID)

	reason := "client closed"
	if err := c.serve(req.Context()); err != nil {
		var gone *disconnectError
		if errors.As(err, &gone) {
			c.logger.Debug("websocket disconnected", "error", gone.err)
		} else {
			reason = "server error"
			c.logger.Error("websocket failed", "conversation_id", c.key.ConversationID, "error", err)
			c.close(websocket.CloseInternalServerErr, "Server error")
		}
	}

	c.logger.Info("websocket closed",
		"conversation_id", c.key.ConversationID,
		"reason", reason,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	r.cfg.Bus.Emit(events.SourceRelay, events.KindConnectionClose, map[string]any{
		"user_id":         id.UserID,
		"conversation_id": c.key.ConversationID,
		"reason":          reason,
	})
}

// disconnectError marks a failed read or write: the client is gone and
// nothing more can be sent.
type disconnectError struct{ err error }

func (e *disconnectError) Error() string { return "client disconnected: " + e.err.Error() }
func (e *disconnectError) Unwrap() error { return e.err }

type conn struct {
	relay   *Relay
	ws      *websocket.Conn
	key     checkpoint.Key
	capture speech.Session
	logger  *slog.Logger
}

func (c *conn) serve(ctx context.Context) error {
	defer c.closeCapture()

	if c.key.ConversationID == NewConversationID {
		if err := c.startConversation(ctx); err != nil {
			return err
		}
	} else {
		ok, err := c.relay.cfg.Conversations.Exists(ctx, c.key.UserID, c.key.ConversationID)
		if err != nil {
			return fmt.Errorf("look up conversation: %w", err)
		}
		if !ok {
			c.logger.Warn("unknown conversation", "conversation_id", c.key.ConversationID)
			if err := c.send(errorFrame(msgNotFound)); err != nil {
				return err
			}
			c.close(websocket.ClosePolicyViolation, msgNotFound)
			return nil
		}
		if err := c.send(statusFrame{Type: typeConnectionReady, Message: msgConnected}); err != nil {
			return err
		}
	}

	for {
		text, err := c.nextUtterance(ctx)
		if err != nil {
			return err
		}
		if err := c.turn(ctx, text); err != nil {
			return err
		}
	}
}

// startConversation waits for the first utterance, creates the
// conversation it opens and runs the first turn.
func (c *conn) startConversation(ctx context.Context) error {
	text, err := c.nextUtterance(ctx)
	if err != nil {
		return err
	}
	meta, err := c.relay.cfg.Conversations.Start(ctx, c.relay.cfg.Labeler, c.key.UserID, text)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	c.key.ConversationID = meta.ID
	c.relay.cfg.Bus.Emit(events.SourceRelay, events.KindConversationCreated, map[string]any{
		"user_id":         c.key.UserID,
		"conversation_id": meta.ID,
		"topic":           meta.Topic,
	})

	if err := c.send(statusFrame{Type: typeNewConversation, ConversationID: meta.ID, Message: msgNewConversation}); err != nil {
		return err
	}
	return c.turn(ctx, text)
}

func (c *conn) turn(ctx context.Context, text string) error {
	return c.relay.cfg.Driver.ProcessMessage(ctx, c.key, text, func(e agent.Emission) error {
		return c.send(emissionFrame(e))
	})
}

// nextUtterance reads frames until the client has said something: a
// text message, or a finished recording that transcribed to text.
// Audio control and binary frames are handled along the way.
func (c *conn) nextUtterance(ctx context.Context) (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", &disconnectError{err}
		}

		if mt == websocket.BinaryMessage {
			if err := c.appendAudio(data); err != nil {
				return "", err
			}
			continue
		}

		var f inbound
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Warn("malformed frame", "error", err, "bytes", len(data))
			if err := c.send(errorFrame(msgInvalidFrame)); err != nil {
				return "", err
			}
			continue
		}

		switch f.Type {
		case typeAudio:
			if err := c.openCapture(ctx); err != nil {
				return "", err
			}
		case typeStopAudio:
			text, ok, err := c.finishCapture(ctx)
			if err != nil {
				return "", err
			}
			if ok {
				return text, nil
			}
		default:
			if f.Content == nil || strings.TrimSpace(*f.Content) == "" {
				c.logger.Warn("frame without content", "type", f.Type)
				if err := c.send(errorFrame(msgInvalidFrame)); err != nil {
					return "", err
				}
				continue
			}
			return *f.Content, nil
		}
	}
}

func (c *conn) openCapture(ctx context.Context) error {
	if c.relay.cfg.Speech == nil {
		return c.send(errorFrame(msgSpeechOff))
	}
	c.closeCapture()
	session, err := c.relay.cfg.Speech.Start(ctx)
	if err != nil {
		c.logger.Error("capture start failed", "error", err)
		return c.send(errorFrame(msgTranscribeFailed))
	}
	c.capture = session
	return c.send(statusFrame{Type: typeAudioStarted, Message: msgRecordingStarted})
}

func (c *conn) appendAudio(p []byte) error {
	if c.capture == nil {
		c.logger.Debug("audio frame outside a recording", "bytes", len(p))
		return nil
	}
	if _, err := c.capture.Write(p); err != nil {
		c.logger.Warn("recording discarded", "error", err)
		c.closeCapture()
		msg := msgTranscribeFailed
		if errors.Is(err, speech.ErrTooLarge) {
			msg = msgTooLong
		}
		return c.send(errorFrame(msg))
	}
	return nil
}

// finishCapture stops the open recording and reports its transcript.
// ok is false when there was nothing usable to transcribe.
func (c *conn) finishCapture(ctx context.Context) (text string, ok bool, err error) {
	if c.capture == nil {
		return "", false, c.send(errorFrame(msgNoRecording))
	}
	session := c.capture
	c.capture = nil
	defer session.Close()

	text, err = session.Stop(ctx)
	if errors.Is(err, speech.ErrEmpty) {
		// Nothing recorded reads as silence.
		text, err = "", nil
	}
	if err != nil {
		c.logger.Warn("transcription failed", "conversation_id", c.key.ConversationID, "error", err)
		return "", false, c.send(errorFrame(msgTranscribeFailed))
	}

	c.relay.cfg.Bus.Emit(events.SourceRelay, events.KindTranscription, map[string]any{
		"user_id":         c.key.UserID,
		"conversation_id": c.key.ConversationID,
		"chars":           len(text),
	})
	if err := c.send(contentFrame{Type: typeAudioTranscription, Content: text}); err != nil {
		return "", false, err
	}
	return text, strings.TrimSpace(text) != "", nil
}

func (c *conn) closeCapture() {
	if c.capture == nil {
		return
	}
	if err := c.capture.Close(); err != nil {
		c.logger.Warn("capture close failed", "error", err)
	}
	c.capture = nil
}

func (c *conn) send(frame any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return &disconnectError{err}
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		return &disconnectError{err}
	}
	return nil
}

func (c *conn) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
	}
}
