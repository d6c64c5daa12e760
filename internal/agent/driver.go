package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/events"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/llm"
	"github.com/nugget/moodmender/internal/tools"
)

// Emission kinds, matching the websocket frame types.
const (
	EmitAIMessage   = "ai_message"
	EmitToolMessage = "tool_message"
	EmitError       = "error"
)

// TurnFailedMessage is sent when a turn cannot complete.
const TurnFailedMessage = "Sorry, I couldn't process that message."

// Emission is one thing the client should see.
type Emission struct {
	Kind    string
	Content string
	// URLs is set for tool messages; never nil for them.
	URLs []string
}

// EmitFunc delivers an emission. An error aborts the turn and is
// returned from ProcessMessage; it means the client is gone.
type EmitFunc func(Emission) error

// ToolRunner executes decoded tool calls. *tools.Dispatcher satisfies
// it.
type ToolRunner interface {
	Execute(ctx context.Context, scope facts.Scope, call tools.Call) tools.Outcome
}

// Driver runs one user turn at a time against the executor.
type Driver struct {
	exec   *Executor
	tools  ToolRunner
	bus    *events.Bus
	logger *slog.Logger
}

// NewDriver returns a Driver.
func NewDriver(exec *Executor, runner ToolRunner, bus *events.Bus, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{exec: exec, tools: runner, bus: bus, logger: logger.With("component", "driver")}
}

// ProcessMessage runs a full turn for text and emits everything the
// client should see, in order. Model and tool failures become error
// emissions; only a failing emit is returned.
func (d *Driver) ProcessMessage(ctx context.Context, key checkpoint.Key, text string, emit EmitFunc) error {
	start := time.Now()
	log := d.logger.With("user_id", key.UserID, "conversation_id", key.ConversationID)
	d.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"user_id":         key.UserID,
		"conversation_id": key.ConversationID,
	})

	emitted := 0
	send := func(e Emission) error {
		emitted++
		return emit(e)
	}

	stream, turnErr := d.exec.Stream(ctx, key, text)
	if turnErr == nil {
		turnErr = d.consume(ctx, key, stream, send)
	}

	var emitErr *emitError
	if errors.As(turnErr, &emitErr) {
		log.Info("client went away mid-turn", "error", emitErr.err)
		return emitErr.err
	}

	iterations, tokensIn, tokensOut := 0, 0, 0
	if stream != nil {
		iterations, tokensIn, tokensOut = stream.Iterations(), stream.InputTokens, stream.OutputTokens
	}
	if turnErr != nil {
		log.Error("turn failed", "error", turnErr, "iterations", iterations)
		if err := send(Emission{Kind: EmitError, Content: TurnFailedMessage}); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	log.Info("turn complete",
		"iterations", iterations,
		"emissions", emitted,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	d.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"conversation_id": key.ConversationID,
		"iterations":      iterations,
		"emissions":       emitted,
		"ok":              turnErr == nil,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	return nil
}

type emitError struct{ err error }

func (e *emitError) Error() string { return "emit: " + e.err.Error() }

func (d *Driver) consume(ctx context.Context, key checkpoint.Key, stream *Stream, send EmitFunc) error {
	scope := facts.Scope{UserID: key.UserID, ConversationID: key.ConversationID}
	for {
		ev, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		msg := ev.Message
		switch {
		case msg.Role == llm.RoleTool:
			urls := ExtractURLs(msg.Content)
			if err := send(Emission{Kind: EmitToolMessage, Content: strings.Join(urls, " "), URLs: urls}); err != nil {
				return &emitError{err}
			}

		case msg.Role == llm.RoleAssistant && msg.HasToolCalls():
			results := make([]llm.Message, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				out := d.runTool(ctx, scope, tc)
				results = append(results, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					Content:    out.Content,
				})
				if err := send(Emission{Kind: EmitToolMessage, Content: out.Content, URLs: out.URLs}); err != nil {
					// Record what ran so the next turn can replay it.
					if serr := stream.Submit(ctx, results...); serr != nil {
						d.logger.Warn("tool results not saved after disconnect",
							"conversation_id", key.ConversationID,
							"call_id", tc.ID,
							"error", serr,
						)
					}
					return &emitError{err}
				}
			}
			if err := stream.Submit(ctx, results...); err != nil {
				return err
			}

		case msg.Role == llm.RoleAssistant && strings.TrimSpace(msg.Content) != "":
			if err := send(Emission{Kind: EmitAIMessage, Content: msg.Content}); err != nil {
				return &emitError{err}
			}
		}
	}
}

func (d *Driver) runTool(ctx context.Context, scope facts.Scope, tc llm.ToolCall) tools.Outcome {
	call, err := tools.Decode(tc)
	var out tools.Outcome
	if err != nil {
		d.logger.Warn("rejected tool call", "tool", tc.Function.Name, "call_id", tc.ID, "error", err)
		out = tools.Rejected(err)
	} else {
		out = d.tools.Execute(ctx, scope, call)
	}
	if out.URLs == nil {
		out.URLs = []string{}
	}
	d.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"conversation_id": scope.ConversationID,
		"tool":            tc.Function.Name,
		"ok":              out.Err == nil,
	})
	return out
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// ExtractURLs finds URL-shaped substrings in text, stripping trailing
// quotes, commas and brackets left over from list formatting.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if u := strings.TrimRight(m, `'",]`); u != "" {
			out = append(out, u)
		}
	}
	return out
}
