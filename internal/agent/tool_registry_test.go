package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

func echoHandler(ctx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func TestToolRegistry_RegisterAndByName(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewServerTool("echo", "echoes input", nil, echoHandler))

	tool, ok := r.ByName("echo")
	if !ok {
		t.Fatal("expected echo to be registered")
	}
	if tool.ExecutionSide != models.ExecutionSideServer {
		t.Errorf("ExecutionSide = %q, want server", tool.ExecutionSide)
	}

	if _, ok := r.ByName("missing"); ok {
		t.Error("expected missing tool to be absent")
	}
}

func TestToolRegistry_ReRegistrationReplaces(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewServerTool("echo", "v1", nil, echoHandler))
	r.Register(models.NewServerTool("echo", "v2", nil, echoHandler))

	tool, _ := r.ByName("echo")
	if tool.Description != "v2" {
		t.Errorf("Description = %q, want v2 (replaced)", tool.Description)
	}
}

func TestToolRegistry_ToolsForContextPreservesOrderAndFilters(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewServerTool("a", "", nil, echoHandler))
	r.Register(models.NewServerTool("b", "", nil, echoHandler).WithContextFilter(func(ctx models.ClientContext) bool {
		return ctx.PageID == "settings"
	}))
	r.Register(models.NewServerTool("c", "", nil, echoHandler))

	visible := r.ToolsForContext(models.ClientContext{PageID: "home"})
	if len(visible) != 2 || visible[0].Name != "a" || visible[1].Name != "c" {
		t.Fatalf("visible = %+v, want [a c]", visible)
	}

	visible = r.ToolsForContext(models.ClientContext{PageID: "settings"})
	if len(visible) != 3 {
		t.Fatalf("expected all 3 tools visible on settings page, got %d", len(visible))
	}
}

func TestToolRegistry_IsAvailable(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewServerTool("a", "", nil, echoHandler).WithContextFilter(func(ctx models.ClientContext) bool {
		return ctx.PageID == "settings"
	}))

	if r.IsAvailable("a", models.ClientContext{PageID: "home"}) {
		t.Error("expected a to be unavailable on home page")
	}
	if !r.IsAvailable("a", models.ClientContext{PageID: "settings"}) {
		t.Error("expected a to be available on settings page")
	}
	if r.IsAvailable("missing", models.ClientContext{}) {
		t.Error("expected unknown tool to be unavailable")
	}
}

func TestToolRegistry_ValidateResult(t *testing.T) {
	r := NewToolRegistry(nil)
	validator, err := NewJSONSchemaValidator(json.RawMessage(`{"type":"object","required":["ok"]}`))
	if err != nil {
		t.Fatalf("NewJSONSchemaValidator() error = %v", err)
	}
	r.Register(models.NewClientTool("confirm", "", nil, validator))

	if _, err := r.ValidateResult("confirm", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Errorf("expected valid result to pass, got %v", err)
	}
	if _, err := r.ValidateResult("confirm", json.RawMessage(`{}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
	if _, err := r.ValidateResult("missing", json.RawMessage(`{}`)); err == nil {
		t.Error("expected unknown tool to error")
	}
}

func TestToolRegistry_ValidateResult_NoValidatorPassesThrough(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewClientTool("open_dialog", "", nil, nil))

	value := json.RawMessage(`{"anything":"goes"}`)
	result, err := r.ValidateResult("open_dialog", value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != string(value) {
		t.Errorf("result = %s, want unchanged %s", result, value)
	}
}

func TestToolRegistry_ExecuteServer(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewServerTool("echo", "", nil, echoHandler))

	result, err := r.ExecuteServer(context.Background(), "echo", models.ClientContext{}, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("ExecuteServer() error = %v", err)
	}
	if string(result) != `{"x":1}` {
		t.Errorf("result = %s, want {\"x\":1}", result)
	}
}

func TestToolRegistry_ExecuteServer_UnknownTool(t *testing.T) {
	r := NewToolRegistry(nil)
	_, err := r.ExecuteServer(context.Background(), "missing", models.ClientContext{}, nil)
	if err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestToolRegistry_ExecuteServer_ClientToolHasNoHandler(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(models.NewClientTool("open_dialog", "", nil, nil))

	_, err := r.ExecuteServer(context.Background(), "open_dialog", models.ClientContext{}, nil)
	if err == nil {
		t.Error("expected error: client tool has no server handler")
	}
}

func TestToolRegistry_Use(t *testing.T) {
	r := NewToolRegistry(nil)
	router := models.NewRouter(
		models.NewServerTool("a", "", nil, echoHandler),
		models.NewServerTool("b", "", nil, echoHandler),
	)
	r.Use(router)

	if _, ok := r.ByName("a"); !ok {
		t.Error("expected a registered via Use")
	}
	if _, ok := r.ByName("b"); !ok {
		t.Error("expected b registered via Use")
	}
}

func TestNewJSONSchemaValidator_InvalidSchema(t *testing.T) {
	_, err := NewJSONSchemaValidator(json.RawMessage(`not json`))
	if err == nil {
		t.Error("expected error for invalid schema document")
	}
}
