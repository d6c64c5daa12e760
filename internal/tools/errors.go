package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call names a tool outside
// the closed set. The model hallucinated a name; the call is answered
// with an error result rather than retried.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArgs is returned when a tool call's arguments do not match
// the tool's schema.
type ErrInvalidArgs struct {
	Kind   Kind
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidArgs) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Kind, e.Reason)
}
