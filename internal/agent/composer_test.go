package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/llm"
)

func TestCompose_Persona(t *testing.T) {
	mem := &fakeMemories{fullName: "Ada Lovelace", age: "36", memories: []string{"likes cats", "hates Mondays"}}
	c := NewComposer(mem, fixedCounter(1), 100, nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hey"},
		{Role: llm.RoleAssistant, Content: "heyy"},
		{Role: llm.RoleUser, Content: "rough day"},
	}
	got := c.Compose(context.Background(), testKey, history)

	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	sys := got[0]
	if sys.Role != llm.RoleSystem {
		t.Fatalf("first role = %q, want system", sys.Role)
	}
	for _, want := range []string{"Ada Lovelace, 36", "likes cats, hates Mondays"} {
		if !strings.Contains(sys.Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if got[3].Content != "rough day" {
		t.Errorf("last message = %q", got[3].Content)
	}
	if len(mem.scopes) != 1 || mem.scopes[0] != (facts.Scope{UserID: "u1", ConversationID: "c1"}) {
		t.Errorf("memories listed for %+v", mem.scopes)
	}
}

func TestCompose_NoMemories(t *testing.T) {
	c := NewComposer(&fakeMemories{fullName: "A B", age: "20"}, fixedCounter(1), 100, nil)
	got := c.Compose(context.Background(), testKey, []llm.Message{{Role: llm.RoleUser, Content: "x"}})
	if !strings.Contains(got[0].Content, "No memories yet.") {
		t.Errorf("system prompt = %q", got[0].Content)
	}
}

func TestCompose_TrimsToCeiling(t *testing.T) {
	// System message costs 10, leaving room for three 10-token messages.
	c := NewComposer(&fakeMemories{fullName: "A B", age: "20"}, fixedCounter(10), 40, nil)

	var history []llm.Message
	for i := 0; i < 6; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: string(rune('a' + i))})
	}

	got := c.Compose(context.Background(), testKey, history)
	// system + the newest three messages.
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4: %v", len(got), roles(got))
	}
	if got[1].Content != "d" || got[3].Content != "f" {
		t.Errorf("window = %q .. %q", got[1].Content, got[3].Content)
	}
}

func TestCompose_ErrorFallback(t *testing.T) {
	c := NewComposer(&fakeMemories{err: errors.New("disk on fire")}, fixedCounter(1000), 10, nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
	}
	got := c.Compose(context.Background(), testKey, history)

	if len(got) != 4 {
		t.Fatalf("fallback should keep the untrimmed history, got %d messages", len(got))
	}
	if got[0].Role != llm.RoleSystem || !strings.Contains(got[0].Content, "disk on fire") {
		t.Errorf("system = %+v", got[0])
	}
}

func TestCompose_MissingUser(t *testing.T) {
	c := NewComposer(&fakeMemories{fullName: "A B", age: "1"}, fixedCounter(1), 100, nil)
	got := c.Compose(context.Background(), checkpoint.Key{ConversationID: "c1"}, nil)
	if len(got) != 1 || !strings.Contains(got[0].Content, "user id not found") {
		t.Errorf("got %+v", got)
	}
}
