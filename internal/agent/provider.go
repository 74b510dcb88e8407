package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// Provider runs one turn of the agentic loop against an LLM. Run is
// synchronous: it returns the complete ordered list of events a single
// turn produced. Streaming to the client happens one layer up, by the
// orchestrator re-emitting TextEvents as it receives them from Run — this
// interface itself does not stream, matching the single-round-trip
// contract the session protocol makes with its provider.
type Provider interface {
	// Run sends the full message history and the tools currently visible
	// for the session's context, and returns the ordered events the model
	// produced for this turn.
	Run(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) ([]Event, error)

	// Name identifies the provider for logging and metrics labels.
	Name() string
}

// EventKind discriminates the members of the Event union.
type EventKind string

const (
	EventKindText     EventKind = "text"
	EventKindToolCall EventKind = "tool_call"
	EventKindError    EventKind = "error"
)

// Event is one unit of a provider turn's output. Exactly one of the
// payload fields is meaningful, selected by Kind — use the constructors
// below rather than building an Event by hand.
type Event struct {
	Kind EventKind

	// Text carries EventKindText's content.
	Text string

	// ToolCall carries EventKindToolCall's request.
	ToolCall *ToolCallRequest

	// Err carries EventKindError's message.
	Err string

	// SuggestedActions optionally accompanies a text event; the last
	// text event in a turn that carries any wins for the terminal
	// agent_response.
	SuggestedActions []string
}

// ToolCallRequest is a provider's request to invoke a named tool, tagged
// with the provider-assigned call id used to correlate the eventual
// result back into history.
type ToolCallRequest struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// NewTextEvent builds a text event.
func NewTextEvent(text string) Event {
	return Event{Kind: EventKindText, Text: text}
}

// NewToolCallEvent builds a tool-call event.
func NewToolCallEvent(callID, name string, args json.RawMessage) Event {
	return Event{Kind: EventKindToolCall, ToolCall: &ToolCallRequest{CallID: callID, Name: name, Args: args}}
}

// NewErrorEvent builds a provider-error event. A provider turn that emits
// this is always terminal: the orchestrator ends the loop with an
// agent_response and does not dispatch any tool calls also present in the
// same turn.
func NewErrorEvent(message string) Event {
	return Event{Kind: EventKindError, Err: message}
}

// ToolCalls filters a turn's events down to its tool-call requests, in
// the order the provider emitted them — dispatch order is part of the
// contract.
func ToolCalls(events []Event) []*ToolCallRequest {
	var calls []*ToolCallRequest
	for _, e := range events {
		if e.Kind == EventKindToolCall {
			calls = append(calls, e.ToolCall)
		}
	}
	return calls
}

// Text concatenates a turn's text events.
func Text(events []Event) string {
	var out string
	for _, e := range events {
		if e.Kind == EventKindText {
			out += e.Text
		}
	}
	return out
}

// FirstError returns the message of the first error event, if any.
func FirstError(events []Event) (string, bool) {
	for _, e := range events {
		if e.Kind == EventKindError {
			return e.Err, true
		}
	}
	return "", false
}
