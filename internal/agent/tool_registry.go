package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// ToolRegistry is the sole source of truth for tool definitions, schema,
// and context-based availability. It eliminates client-side spoofing: a
// client can only ever execute a tool the server both defined and, at
// dispatch time, still considers available.
//
// Registration order is preserved for enumeration (ToolsForContext),
// because a provider may cache its function-list by stable ordering.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]models.ToolDefinition
	order  []string
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry. logger may be nil, in which
// case a discarding logger is used.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ToolRegistry{
		tools:  make(map[string]models.ToolDefinition),
		logger: logger,
	}
}

// Register inserts or replaces a tool by name. Re-registration logs a
// warning, per spec: the registry never silently shadows a tool.
func (r *ToolRegistry) Register(tool models.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(tool)
}

func (r *ToolRegistry) registerLocked(tool models.ToolDefinition) {
	if _, exists := r.tools[tool.Name]; exists {
		r.logger.Warn("tool re-registered, replacing previous definition", "tool", tool.Name)
	} else {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
}

// RegisterAll registers each tool in order.
func (r *ToolRegistry) RegisterAll(tools []models.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.registerLocked(t)
	}
}

// Use registers every tool carried by a Router — a trivial, importable
// unit of related tool definitions.
func (r *ToolRegistry) Use(router models.Router) {
	r.RegisterAll(router.Tools)
}

// ByName returns a tool definition and whether it was found.
func (r *ToolRegistry) ByName(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsAvailable reports whether name is both registered and visible for ctx.
// An unknown tool is never available.
func (r *ToolRegistry) IsAvailable(name string, ctx models.ClientContext) bool {
	t, ok := r.ByName(name)
	if !ok {
		return false
	}
	return t.IsVisible(ctx)
}

// ToolsForContext returns every registered tool visible for ctx, in stable
// insertion order.
func (r *ToolRegistry) ToolsForContext(ctx models.ClientContext) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if t.IsVisible(ctx) {
			out = append(out, t)
		}
	}
	return out
}

// ValidateResult applies a tool's result schema (if any) to a
// client-returned value before it is allowed into the LLM history. This is
// the trust boundary: client-returned results are never taken on faith.
//
// Unknown tool -> error. No schema -> value passed through unchanged
// (server-side tools trust their own handler and never set a validator;
// client-side tools without one opt out of validation explicitly).
func (r *ToolRegistry) ValidateResult(name string, value json.RawMessage) (json.RawMessage, error) {
	t, ok := r.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	validator := t.Validator()
	if validator == nil {
		return value, nil
	}
	if err := validator(value); err != nil {
		return nil, fmt.Errorf("Result validation failed: %w", err)
	}
	return value, nil
}

// NewJSONSchemaValidator compiles a JSON-Schema document into a
// models.ResultValidator backed by santhosh-tekuri/jsonschema. Tools that
// want structural validation of their client-returned result pass the
// returned validator to NewClientTool.
func NewJSONSchemaValidator(schemaDoc json.RawMessage) (models.ResultValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", bytes.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("invalid result schema: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("invalid result schema: %w", err)
	}
	return func(result json.RawMessage) error {
		var v any
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("result is not valid JSON: %w", err)
		}
		return schema.Validate(v)
	}, nil
}

// ExecuteServer invokes a server-side tool's handler directly. Callers
// must have already confirmed the tool is server-side and available.
func (r *ToolRegistry) ExecuteServer(ctx context.Context, name string, clientCtx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
	_ = ctx
	t, ok := r.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	handler := t.HandlerFunc()
	if handler == nil {
		return nil, fmt.Errorf("tool %s has no server handler", name)
	}
	return handler(clientCtx, params)
}
