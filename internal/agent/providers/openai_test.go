package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentbridge/internal/agent/toolconv"
	"github.com/haasonsaas/agentbridge/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

func TestNewOpenAIProvider_DefaultsModel(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "")
	if p.model != openai.GPT4o {
		t.Errorf("model = %q, want default gpt-4o", p.model)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestNewOpenAIProvider_ExplicitModel(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "gpt-4-turbo")
	if p.model != "gpt-4-turbo" {
		t.Errorf("model = %q, want gpt-4-turbo", p.model)
	}
}

func TestToOpenAIMessages_RoundTrip(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}}},
		{Role: models.RoleTool, ToolCallID: "tc-1", Content: "results"},
	}
	converted, err := toolconv.ToOpenAIMessages(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(converted) != 3 {
		t.Fatalf("converted length = %d, want 3", len(converted))
	}
	if converted[2].ToolCallID != "tc-1" {
		t.Errorf("tool message ToolCallID = %q, want tc-1", converted[2].ToolCallID)
	}
	if converted[1].ToolCalls[0].Function.Name != "search" {
		t.Errorf("assistant tool call name = %q, want search", converted[1].ToolCalls[0].Function.Name)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := []models.ToolDefinition{
		models.NewServerTool("weather", "gets weather", json.RawMessage(`{"type":"object","properties":{}}`), nil),
	}
	converted := toolconv.ToOpenAITools(tools)
	if len(converted) != 1 {
		t.Fatalf("converted length = %d, want 1", len(converted))
	}
	if converted[0].Function.Name != "weather" {
		t.Errorf("Name = %q, want weather", converted[0].Function.Name)
	}
}

func TestToOpenAITools_InvalidSchemaFallsBackToEmptyObject(t *testing.T) {
	tools := []models.ToolDefinition{
		models.NewServerTool("broken", "", json.RawMessage(`not json`), nil),
	}
	converted := toolconv.ToOpenAITools(tools)
	params, ok := converted[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters type = %T, want map[string]any", converted[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("fallback schema type = %v, want object", params["type"])
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"rate limit", &testError{"rate limit exceeded"}, true},
		{"500", &testError{"HTTP 500"}, true},
		{"timeout", &testError{"request timeout"}, true},
		{"unrelated", &testError{"invalid api key"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
