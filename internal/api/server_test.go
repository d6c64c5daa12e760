package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/moodmender/internal/auth"
	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/connwatch"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/users"
)

type fakeUsers struct {
	mu       sync.Mutex
	byEmail  map[string]*users.User
	password map[string]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: map[string]*users.User{}, password: map[string]string{}}
}

func (f *fakeUsers) Create(_ context.Context, in users.NewUser) (*users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email := users.NormalizeEmail(in.Email)
	if _, ok := f.byEmail[email]; ok {
		return nil, users.ErrEmailTaken
	}
	u := &users.User{ID: "user-" + email, FirstName: strings.TrimSpace(in.FirstName), LastName: strings.TrimSpace(in.LastName), Age: in.Age, Email: email}
	f.byEmail[email] = u
	f.password[email] = in.Password
	return u, nil
}

func (f *fakeUsers) ByEmail(_ context.Context, email string) (*users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byEmail[users.NormalizeEmail(email)]; ok {
		return u, nil
	}
	return nil, users.ErrNotFound
}

func (f *fakeUsers) Authenticate(ctx context.Context, email, password string) (*users.User, error) {
	u, err := f.ByEmail(ctx, email)
	if err != nil || f.password[u.Email] != password {
		return nil, users.ErrBadCredentials
	}
	return u, nil
}

type fakeProfiles struct {
	mu   sync.Mutex
	puts map[string][2]string
}

func (f *fakeProfiles) PutProfile(_ context.Context, userID, fullName, age string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[userID] = [2]string{fullName, age}
	return nil
}

type fakeHistory map[checkpoint.Key][]checkpoint.Entry

func (f fakeHistory) Entries(_ context.Context, key checkpoint.Key) ([]checkpoint.Entry, error) {
	return f[key], nil
}

type stubLabeler string

func (s stubLabeler) Label(context.Context, string) (string, error) { return string(s), nil }

type testEnv struct {
	handler  http.Handler
	users    *fakeUsers
	profiles *fakeProfiles
	convs    *conversations.Store
	history  fakeHistory
	issuer   *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := conversations.Open(filepath.Join(t.TempDir(), "conversations.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		users:    newFakeUsers(),
		profiles: &fakeProfiles{puts: map[string][2]string{}},
		convs:    conversations.NewStore(db, nil, nil),
		history:  fakeHistory{},
		issuer:   auth.NewIssuer("test-secret", time.Hour, false),
	}
	srv := NewServer("", 0, Deps{
		Users:          env.users,
		Profiles:       env.profiles,
		Conversations:  env.convs,
		Labeler:        stubLabeler("Exam Stress"),
		History:        env.history,
		Auth:           env.issuer,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookie *http.Cookie) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
		}
	}
	return rec, out
}

func (e *testEnv) login(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	token, _, err := e.issuer.Issue(auth.Identity{UserID: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	return &http.Cookie{Name: auth.CookieName, Value: token}
}

const signupBody = `{"firstName":" Ada ","lastName":"Lovelace","age":36,"email":"Ada@Example.com","password":"Sup3r!pass"}`

func TestSignup(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, "POST", "/signup", signupBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["message"] != "User Ada Lovelace successfully registered." {
		t.Errorf("message = %v", body["message"])
	}
	if got := env.profiles.puts["user-ada@example.com"]; got != [2]string{"Ada Lovelace", "36"} {
		t.Errorf("profile = %v", got)
	}

	rec, body = env.do(t, "POST", "/signup", signupBody, nil)
	if rec.Code != http.StatusBadRequest || body["detail"] != msgEmailTaken {
		t.Errorf("duplicate signup = %d %v", rec.Code, body)
	}
}

func TestSignup_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{name: "weak password", body: `{"firstName":"A","lastName":"B","age":20,"email":"a@b.co","password":"password"}`, wantDetail: users.PasswordPolicy},
		{name: "missing name", body: `{"lastName":"B","age":20,"email":"a@b.co","password":"Sup3r!pass"}`, wantDetail: "firstName is required"},
		{name: "bad email", body: `{"firstName":"A","lastName":"B","age":20,"email":"nope","password":"Sup3r!pass"}`, wantDetail: "email is not a valid address"},
		{name: "bad age", body: `{"firstName":"A","lastName":"B","age":0,"email":"a@b.co","password":"Sup3r!pass"}`, wantDetail: "age must be a positive number"},
		{name: "not json", body: `{`, wantDetail: "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec, body := env.do(t, "POST", "/signup", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if detail, _ := body["detail"].(string); !strings.Contains(detail, tt.wantDetail) {
				t.Errorf("detail = %q, want %q", detail, tt.wantDetail)
			}
		})
	}
}

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/signup", signupBody, nil)

	rec, body := env.do(t, "POST", "/login", `{"email":"ada@example.com","password":"wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized || body["detail"] != msgBadCredentials {
		t.Fatalf("bad login = %d %v", rec.Code, body)
	}

	rec, body = env.do(t, "POST", "/login", `{"email":"ada@example.com","password":"Sup3r!pass"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", rec.Code, body)
	}
	session := body["data"].(map[string]any)["session"].(map[string]any)
	if session["token_type"] != "bearer" || session["access_token"] == "" {
		t.Errorf("session = %v", session)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName || !cookies[0].HttpOnly {
		t.Fatalf("cookies = %+v", cookies)
	}

	rec, body = env.do(t, "GET", "/get_auth_user", "", cookies[0])
	user := body["user"].(map[string]any)
	if rec.Code != http.StatusOK || user["user_id"] != "user-ada@example.com" || user["email"] != "ada@example.com" {
		t.Errorf("get_auth_user = %d %v", rec.Code, body)
	}

	rec, body = env.do(t, "POST", "/logout", "", nil)
	if rec.Code != http.StatusOK || body["message"] != "Logout successful" {
		t.Errorf("logout = %d %v", rec.Code, body)
	}
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Errorf("logout cookie = %+v", c)
	}
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, "GET", "/fetch_conversations", "", nil)
	if rec.Code != http.StatusUnauthorized || body["detail"] != "Not authenticated" {
		t.Errorf("no cookie = %d %v", rec.Code, body)
	}

	rec, body = env.do(t, "GET", "/fetch_conversations", "", &http.Cookie{Name: auth.CookieName, Value: "garbage"})
	if rec.Code != http.StatusUnauthorized || body["detail"] != "Invalid token" {
		t.Errorf("bad cookie = %d %v", rec.Code, body)
	}
}

func TestConversations(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "u1")

	rec, body := env.do(t, "GET", "/fetch_conversations", "", cookie)
	if rec.Code != http.StatusOK || body["message"] != "No conversations found." {
		t.Fatalf("empty list = %d %v", rec.Code, body)
	}
	if convs, ok := body["conversations"].([]any); !ok || len(convs) != 0 {
		t.Errorf("conversations = %v, want []", body["conversations"])
	}

	rec, body = env.do(t, "POST", "/label_chat", `{"message":"exams tomorrow and I'm panicking"}`, cookie)
	if rec.Code != http.StatusOK || body["label"] != "Exam Stress" {
		t.Fatalf("label_chat = %d %v", rec.Code, body)
	}
	id, _ := body["conversation_id"].(string)

	_, body = env.do(t, "GET", "/fetch_conversations", "", cookie)
	convs := body["conversations"].([]any)
	if len(convs) != 1 {
		t.Fatalf("conversations = %v", convs)
	}
	first := convs[0].(map[string]any)
	if first["id"] != id || first["topic"] != "Exam Stress" || first["name"] != "Conversation "+id {
		t.Errorf("entry = %v", first)
	}
	if _, err := time.Parse(conversations.ListTimeFormat, first["created_at"].(string)); err != nil {
		t.Errorf("created_at = %v: %v", first["created_at"], err)
	}

	// another user sees nothing
	_, body = env.do(t, "GET", "/fetch_conversations", "", env.login(t, "u2"))
	if body["message"] != "No conversations found." {
		t.Errorf("u2 list = %v", body)
	}

	rec, body = env.do(t, "DELETE", "/chat/"+id, "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d %v", rec.Code, body)
	}
	if rec, _ = env.do(t, "DELETE", "/chat/"+id, "", cookie); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestChatHistory(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "u1")

	rec, body := env.do(t, "GET", "/chat/new", "", cookie)
	if rec.Code != http.StatusOK || body["conversation_id"] != "new" || body["fetched_conversation"] != nil {
		t.Fatalf("new = %d %v", rec.Code, body)
	}
	if msgs := body["messages"].([]any); len(msgs) != 0 {
		t.Errorf("messages = %v", msgs)
	}

	if rec, _ := env.do(t, "GET", "/chat/missing", "", cookie); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", rec.Code)
	}

	meta, err := env.convs.Create(context.Background(), "u1", "Vibes")
	if err != nil {
		t.Fatal(err)
	}
	env.history[checkpoint.Key{UserID: "u1", ConversationID: meta.ID}] = []checkpoint.Entry{
		checkpoint.NewEntry(llm.Message{Role: llm.RoleUser, Content: "meme me"}),
		checkpoint.NewEntry(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Function: llm.FunctionCall{Name: "generate_contextual_meme"}}}}),
		checkpoint.NewEntry(llm.Message{Role: llm.RoleTool, ToolCallID: "t1", ToolName: "generate_contextual_meme", Content: "https://i.imgflip.com/a.jpg"}),
		checkpoint.NewEntry(llm.Message{Role: llm.RoleTool, ToolCallID: "t2", ToolName: "save_memory", Content: "Saved memory: likes cats"}),
		checkpoint.NewEntry(llm.Message{Role: llm.RoleAssistant, Content: "you're **iconic**"}),
	}

	rec, body = env.do(t, "GET", "/chat/"+meta.ID, "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %v", rec.Code, body)
	}
	if fc := body["fetched_conversation"].(map[string]any); fc["topic"] != "Vibes" {
		t.Errorf("fetched_conversation = %v", fc)
	}

	msgs := body["messages"].([]any)
	var types []string
	for _, m := range msgs {
		types = append(types, m.(map[string]any)["type"].(string))
	}
	if strings.Join(types, ",") != "HumanMessage,ToolMessage,AIMessage" {
		t.Fatalf("types = %v", types)
	}

	tool := msgs[1].(map[string]any)
	urls := tool["content"].([]any)
	if len(urls) != 1 || urls[0] != "https://i.imgflip.com/a.jpg" || tool["name"] != "generate_contextual_meme" {
		t.Errorf("tool message = %v", tool)
	}
	ai := msgs[2].(map[string]any)
	if ai["content"] != "you're **iconic**" || !strings.Contains(ai["html"].(string), "<strong>iconic</strong>") {
		t.Errorf("ai message = %v", ai)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("OPTIONS", "/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "http://localhost:3000" || h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("headers = %v", h)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, "GET", "/version", "", nil)
	if rec.Code != http.StatusOK || body["version"] == nil || body["go_version"] == nil {
		t.Errorf("version = %d %v", rec.Code, body)
	}
}

type fakeHealth []connwatch.Status

func (f fakeHealth) Healthy() bool {
	for _, s := range f {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (f fakeHealth) Status() []connwatch.Status { return f }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthReporter
		wantStatus string
		services   int
	}{
		{name: "liveness only", wantStatus: "healthy"},
		{name: "all ready", health: fakeHealth{{Name: "imgflip", Ready: true}}, wantStatus: "healthy", services: 1},
		{
			name:       "degraded",
			health:     fakeHealth{{Name: "imgflip", Ready: true}, {Name: "postgres", LastError: "connection refused"}},
			wantStatus: "degraded",
			services:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer("", 0, Deps{Health: tt.health})
			env := &testEnv{handler: srv.Handler()}
			rec, body := env.do(t, "GET", "/health", "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status code = %d, want 200", rec.Code)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
			services, _ := body["services"].([]any)
			if len(services) != tt.services {
				t.Errorf("services = %v, want %d entries", body["services"], tt.services)
			}
		})
	}
}
