package tools

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/memes"
)

// MemeGenerator makes memes. *memes.Generator satisfies it.
type MemeGenerator interface {
	Generate(ctx context.Context, convContext string, count int) []memes.Result
}

// MemorySaver stores memories. *facts.Memories satisfies it.
type MemorySaver interface {
	Save(ctx context.Context, s facts.Scope, text string) facts.SaveResult
}

// Outcome is what a tool call produced. Content is the tool result
// shown to the model and the client; URLs are the display strings sent
// alongside it.
type Outcome struct {
	Kind    Kind
	Content string
	URLs    []string
	// Err is set when the call itself was rejected or the tool failed
	// completely.
	Err error
}

// Dispatcher runs decoded tool calls.
type Dispatcher struct {
	memes    MemeGenerator
	memories MemorySaver
	logger   *slog.Logger
}

// NewDispatcher returns a Dispatcher over the two tool backends.
func NewDispatcher(memes MemeGenerator, memories MemorySaver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{memes: memes, memories: memories, logger: logger.With("component", "tools")}
}

// Execute runs one decoded tool call. It never fails: bad
// calls yield an Outcome whose Content explains the error to the model.
func (d *Dispatcher) Execute(ctx context.Context, scope facts.Scope, call Call) Outcome {
	start := time.Now()
	var out Outcome

	switch call.Kind {
	case KindMeme:
		results := d.memes.Generate(ctx, call.Meme.ConversationContext, int(call.Meme.NumMemes))
		display := memes.Strings(results)
		out = Outcome{Kind: KindMeme, Content: strings.Join(display, " "), URLs: display}
		if !anyOK(results) {
			out.Err = results[0].Err
		}
	case KindMemorySave:
		res := d.memories.Save(ctx, scope, call.Memory.Memory)
		out = Outcome{Kind: KindMemorySave, Content: res.String(), URLs: []string{}, Err: res.Err}
	default:
		err := &ErrToolUnavailable{ToolName: string(call.Kind)}
		out = Rejected(err)
	}

	d.logger.Info("tool executed",
		"tool", call.Kind,
		"call_id", call.ID,
		"ok", out.Err == nil,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out
}

// Rejected is the Outcome for a call that failed Decode.
func Rejected(err error) Outcome {
	return Outcome{Content: "Error: " + err.Error(), URLs: []string{}, Err: err}
}

func anyOK(results []memes.Result) bool {
	for _, r := range results {
		if r.OK() {
			return true
		}
	}
	return false
}
