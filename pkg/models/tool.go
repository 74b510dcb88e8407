package models

import "encoding/json"

// ExecutionSide discriminates where a tool actually runs.
type ExecutionSide string

const (
	// ExecutionSideServer tools run in the session process via Handler.
	ExecutionSideServer ExecutionSide = "server"
	// ExecutionSideClient tools run on the connected client via a round trip.
	ExecutionSideClient ExecutionSide = "client"
)

// ContextFilter decides whether a tool is visible to the LLM for a given
// client context. A nil filter means the tool is always visible.
type ContextFilter func(ctx ClientContext) bool

// Handler executes a server-side tool in the session process.
type Handler func(ctx ClientContext, params json.RawMessage) (json.RawMessage, error)

// ResultValidator validates a client-returned tool result before it is
// allowed into the LLM history. A nil validator accepts any value.
type ResultValidator func(result json.RawMessage) error

// ToolDefinition is the registry's record of one tool. The zero value is
// not meaningful on its own — use NewServerTool or NewClientTool so the
// execution-side invariants (a server tool has a handler and no result
// schema, a client tool never has a handler) hold by construction.
type ToolDefinition struct {
	Name          string
	Description   string
	Parameters    json.RawMessage // opaque JSON Schema, forwarded verbatim to the provider
	ExecutionSide ExecutionSide
	ContextFilter ContextFilter
	TimeoutMs     int

	handler         Handler
	resultValidator ResultValidator
}

// NewServerTool constructs a server-side tool. handler must not be nil.
func NewServerTool(name, description string, parameters json.RawMessage, handler Handler) ToolDefinition {
	return ToolDefinition{
		Name:          name,
		Description:   description,
		Parameters:    parameters,
		ExecutionSide: ExecutionSideServer,
		handler:       handler,
	}
}

// NewClientTool constructs a client-side tool. resultValidator may be nil,
// meaning any client-returned value is accepted as-is.
func NewClientTool(name, description string, parameters json.RawMessage, resultValidator ResultValidator) ToolDefinition {
	return ToolDefinition{
		Name:          name,
		Description:   description,
		Parameters:    parameters,
		ExecutionSide: ExecutionSideClient,
		resultValidator: resultValidator,
	}
}

// WithContextFilter returns a copy of the tool with its visibility
// predicate set.
func (t ToolDefinition) WithContextFilter(filter ContextFilter) ToolDefinition {
	t.ContextFilter = filter
	return t
}

// WithTimeout returns a copy of the tool with a per-tool client timeout.
// Only meaningful for client-side tools; a zero value falls back to the
// session default.
func (t ToolDefinition) WithTimeout(ms int) ToolDefinition {
	t.TimeoutMs = ms
	return t
}

// Handler returns the server handler, or nil for a client-side tool.
func (t ToolDefinition) HandlerFunc() Handler {
	return t.handler
}

// Validator returns the client-result validator, or nil if the tool has
// none (server tools never have one; unspecified client tools pass any
// value through unchanged).
func (t ToolDefinition) Validator() ResultValidator {
	return t.resultValidator
}

// IsVisible reports whether the tool is visible for ctx: true when it has
// no ContextFilter, otherwise the filter's result.
func (t ToolDefinition) IsVisible(ctx ClientContext) bool {
	if t.ContextFilter == nil {
		return true
	}
	return t.ContextFilter(ctx)
}

// ClientContext is the client-reported view of what the user is currently
// looking at. All fields are optional; ad hoc facets live in Metadata.
type ClientContext struct {
	PageID       string         `json:"page_id,omitempty"`
	ActiveTab    string         `json:"active_tab,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Router is a trivial, importable carrier of tool definitions — it has no
// behavior beyond being a unit a caller can pass to Registry.Use.
type Router struct {
	Tools []ToolDefinition
}

// NewRouter builds a Router from a list of tools.
func NewRouter(tools ...ToolDefinition) Router {
	return Router{Tools: tools}
}
