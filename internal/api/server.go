// Package api serves MoodMender's HTTP endpoints: accounts, the
// conversation sidebar, chat history and the chat websocket route.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/moodmender/internal/auth"
	"github.com/nugget/moodmender/internal/buildinfo"
	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/connwatch"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/users"
)

const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// UserStore is the account storage the API needs. *users.Store
// satisfies it.
type UserStore interface {
	Create(ctx context.Context, in users.NewUser) (*users.User, error)
	ByEmail(ctx context.Context, email string) (*users.User, error)
	Authenticate(ctx context.Context, email, password string) (*users.User, error)
}

// ProfileWriter records the profile facts the persona prompt reads.
// *facts.Memories satisfies it.
type ProfileWriter interface {
	PutProfile(ctx context.Context, userID, fullName, age string) error
}

// ConversationStore is the metadata the API needs.
// *conversations.Store satisfies it.
type ConversationStore interface {
	Start(ctx context.Context, labeler conversations.TopicLabeler, userID, firstMessage string) (*conversations.Metadata, error)
	Get(ctx context.Context, userID, id string) (*conversations.Metadata, error)
	List(ctx context.Context, userID string) ([]conversations.Metadata, error)
	Delete(ctx context.Context, userID, id string) error
}

// HistoryReader returns the persisted messages of a conversation.
// *checkpoint.Store satisfies it.
type HistoryReader interface {
	Entries(ctx context.Context, key checkpoint.Key) ([]checkpoint.Entry, error)
}

// HealthReporter summarizes external dependencies for /health.
// *connwatch.Monitor satisfies it.
type HealthReporter interface {
	Healthy() bool
	Status() []connwatch.Status
}

// Deps holds the server's collaborators.
type Deps struct {
	Users         UserStore
	Profiles      ProfileWriter
	Conversations ConversationStore
	Labeler       conversations.TopicLabeler
	History       HistoryReader
	Auth          *auth.Issuer
	// Chat serves the websocket at /llm_chat/{conversation_id}.
	Chat http.Handler
	// Health may be nil; /health then only reports liveness.
	Health         HealthReporter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  deps.Logger.With("component", "api"),
	}
}

// Handler returns the routed, wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Accounts
	mux.HandleFunc("POST /signup", s.handleSignup)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /get_auth_user", s.requireAuth(s.handleAuthUser))

	// Conversations
	mux.HandleFunc("POST /label_chat", s.requireAuth(s.handleLabelChat))
	mux.HandleFunc("GET /fetch_conversations", s.requireAuth(s.handleFetchConversations))
	mux.HandleFunc("GET /chat/{conversation_id}", s.requireAuth(s.handleChatHistory))
	mux.HandleFunc("DELETE /chat/{conversation_id}", s.requireAuth(s.handleChatDelete))

	// Chat websocket; authenticates itself before upgrading.
	if s.deps.Chat != nil {
		mux.Handle("GET /llm_chat/{conversation_id}", s.deps.Chat)
	}

	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS allows the configured browser origins to call the API with
// credentials and answers preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.deps.AllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a valid auth cookie and puts the
// caller's identity on the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.deps.Auth.FromRequest(r)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, auth.ErrNoToken) {
				msg = "Not authenticated"
			}
			s.errorResponse(w, http.StatusUnauthorized, msg)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

// identity returns the caller set by requireAuth.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process is up. An
// unreachable dependency only downgrades the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if h := s.deps.Health; h != nil {
		if !h.Healthy() {
			body["status"] = "degraded"
		}
		body["services"] = h.Status()
	}
	s.respond(w, http.StatusOK, body)
}

// respond writes v as JSON with the given status.
func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

// errorResponse writes {"detail": message}, the error shape the web
// client reads.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]string{"detail": message})
}

// decodeBody parses a JSON request body into v. Unknown fields are
// ignored.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
