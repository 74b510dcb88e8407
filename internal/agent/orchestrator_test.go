package agent

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/haasonsaas/agentbridge/internal/sessions"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

type scriptedProvider struct {
	mu     sync.Mutex
	turns  [][]Event
	calls  int
}

func (p *scriptedProvider) Run(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.turns) {
		return []Event{NewTextEvent("")}, nil
	}
	events := p.turns[p.calls]
	p.calls++
	return events, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type fakeOutbound struct {
	mu        sync.Mutex
	responses []string
	done      []bool
	contexts  []models.ClientContext
}

func (f *fakeOutbound) SendToolInvocation(ctx context.Context, sessionID, toolName, callID string, params json.RawMessage) error {
	return nil
}

func (f *fakeOutbound) SendAgentResponse(ctx context.Context, sessionID string, content string, done bool, suggestedActions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, content)
	f.done = append(f.done, done)
	return nil
}

func (f *fakeOutbound) SendContextSync(ctx context.Context, sessionID string, clientContext models.ClientContext, availableTools []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, clientContext)
	return nil
}

func newTestOrchestrator(provider Provider, registry *ToolRegistry, outbound Outbound) (*Orchestrator, sessions.Store) {
	store := sessions.NewMemoryStore()
	orch := NewOrchestrator(OrchestratorConfig{
		SessionID: "sess-1",
		Store:     store,
		Registry:  registry,
		Provider:  provider,
		Outbound:  outbound,
	})
	return orch, store
}

func TestOrchestrator_InitializeSeedsFreshSession(t *testing.T) {
	orch, store := newTestOrchestrator(&scriptedProvider{}, NewToolRegistry(nil), &fakeOutbound{})
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	saved, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(saved.Messages) != 1 || saved.Messages[0].Role != models.RoleSystem {
		t.Fatalf("expected a single seeded system message, got %+v", saved.Messages)
	}
}

func TestOrchestrator_TextOnlyTurnTerminates(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Event{{NewTextEvent("hello there")}}}
	outbound := &fakeOutbound{}
	orch, _ := newTestOrchestrator(provider, NewToolRegistry(nil), outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := orch.HandleUserMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	if len(outbound.done) == 0 || !outbound.done[len(outbound.done)-1] {
		t.Fatalf("expected a terminal done=true agent_response, got %+v", outbound.done)
	}
	if provider.calls != 1 {
		t.Errorf("provider.calls = %d, want 1 (single turn)", provider.calls)
	}
}

func TestOrchestrator_ToolCallDrivesSecondTurn(t *testing.T) {
	registry := NewToolRegistry(nil)
	registry.Register(models.NewServerTool("weather", "", nil, func(ctx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"temp":72}`), nil
	}))

	provider := &scriptedProvider{turns: [][]Event{
		{NewToolCallEvent("c1", "weather", json.RawMessage(`{}`))},
		{NewTextEvent("it's 72 degrees")},
	}}
	outbound := &fakeOutbound{}
	orch, store := newTestOrchestrator(provider, registry, outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := orch.HandleUserMessage(context.Background(), "what's the weather"); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	if provider.calls != 2 {
		t.Fatalf("provider.calls = %d, want 2", provider.calls)
	}

	saved, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var sawToolResult bool
	for _, msg := range saved.Messages {
		if msg.Role == models.RoleTool && msg.ToolCallID == "c1" {
			sawToolResult = true
			if msg.Content != `{"temp":72}` {
				t.Errorf("tool result content = %q", msg.Content)
			}
		}
	}
	if !sawToolResult {
		t.Error("expected a persisted tool-role message for call c1")
	}
}

func TestOrchestrator_GhostExecutionOnContextChangeMidTurn(t *testing.T) {
	registry := NewToolRegistry(nil)
	registry.Register(models.NewServerTool("settings_tool", "", nil, func(ctx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}).WithContextFilter(func(ctx models.ClientContext) bool { return ctx.PageID == "settings" }))

	provider := &scriptedProvider{turns: [][]Event{
		{NewToolCallEvent("c1", "settings_tool", json.RawMessage(`{}`))},
		{NewTextEvent("done")},
	}}
	outbound := &fakeOutbound{}
	orch, _ := newTestOrchestrator(provider, registry, outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(models.ClientContext{PageID: "settings"})
	if err := orch.HandleContextUpdate(context.Background(), raw); err != nil {
		t.Fatal(err)
	}

	navigateAway, _ := json.Marshal(models.ClientContext{PageID: "home"})

	// First call: context is "settings", so the tool is available and
	// dispatches normally.
	if err := orch.HandleUserMessage(context.Background(), "adjust settings"); err != nil {
		t.Fatal(err)
	}

	if err := orch.HandleContextUpdate(context.Background(), navigateAway); err != nil {
		t.Fatal(err)
	}

	provider.mu.Lock()
	provider.calls = 0
	provider.turns = [][]Event{{NewToolCallEvent("c2", "settings_tool", json.RawMessage(`{}`))}, {NewTextEvent("done")}}
	provider.mu.Unlock()

	if err := orch.HandleUserMessage(context.Background(), "adjust settings again"); err != nil {
		t.Fatal(err)
	}

	const wantGhostContent = "Error: User is no longer on the valid page. The tool cannot be executed in the current context."
	messages := orch.messagesSnapshot()
	var sawGhostError bool
	for _, msg := range messages {
		if msg.ToolCallID == "c2" && msg.Content == wantGhostContent {
			sawGhostError = true
		}
	}
	if !sawGhostError {
		t.Error("expected call c2 to be ghosted after navigating away from settings")
	}
}

func TestOrchestrator_TurnCapStopsLoop(t *testing.T) {
	registry := NewToolRegistry(nil)
	registry.Register(models.NewServerTool("loop_tool", "", nil, func(ctx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	var turns [][]Event
	for i := 0; i < 10; i++ {
		turns = append(turns, []Event{NewToolCallEvent("c", "loop_tool", json.RawMessage(`{}`))})
	}
	provider := &scriptedProvider{turns: turns}
	outbound := &fakeOutbound{}
	orch := NewOrchestrator(OrchestratorConfig{
		SessionID: "sess-1",
		Store:     sessions.NewMemoryStore(),
		Registry:  registry,
		Provider:  provider,
		Outbound:  outbound,
		MaxTurns:  3,
	})
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := orch.HandleUserMessage(context.Background(), "go"); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if provider.calls != 3 {
		t.Errorf("provider.calls = %d, want 3 (MaxTurns cap)", provider.calls)
	}
}

func TestOrchestrator_ProviderErrorEndsLoopWithTerminalResponse(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Event{{NewErrorEvent("rate limited")}}}
	outbound := &fakeOutbound{}
	orch, _ := newTestOrchestrator(provider, NewToolRegistry(nil), outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := orch.HandleUserMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	last := outbound.responses[len(outbound.responses)-1]
	if last != "Error: rate limited" {
		t.Errorf("terminal response = %q, want %q", last, "Error: rate limited")
	}
}

func TestOrchestrator_ContextUpdateSendsContextSync(t *testing.T) {
	registry := NewToolRegistry(nil)
	registry.Register(models.NewServerTool("a", "", nil, echoHandler))
	outbound := &fakeOutbound{}
	orch, _ := newTestOrchestrator(&scriptedProvider{}, registry, outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(models.ClientContext{PageID: "home"})
	if err := orch.HandleContextUpdate(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
	if len(outbound.contexts) != 1 || outbound.contexts[0].PageID != "home" {
		t.Errorf("contexts = %+v", outbound.contexts)
	}
}

func TestOrchestrator_InvalidContextUpdateIsDropped(t *testing.T) {
	outbound := &fakeOutbound{}
	orch, _ := newTestOrchestrator(&scriptedProvider{}, NewToolRegistry(nil), outbound)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	before := orch.CurrentContext()
	if err := orch.HandleContextUpdate(context.Background(), json.RawMessage(`not json`)); err != nil {
		t.Fatalf("HandleContextUpdate should not error on invalid payload, got %v", err)
	}
	after := orch.CurrentContext()
	if !reflect.DeepEqual(before, after) {
		t.Error("expected context to remain unchanged after invalid payload")
	}
	if len(outbound.contexts) != 0 {
		t.Error("expected no context_sync for a dropped update")
	}
}

func TestRegisterGetCurrentContext(t *testing.T) {
	registry := NewToolRegistry(nil)
	RegisterGetCurrentContext(registry)

	result, err := registry.ExecuteServer(context.Background(), ContextGetCurrentContextTool, models.ClientContext{PageID: "home"}, nil)
	if err != nil {
		t.Fatalf("ExecuteServer() error = %v", err)
	}
	var ctx models.ClientContext
	if err := json.Unmarshal(result, &ctx); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if ctx.PageID != "home" {
		t.Errorf("PageID = %q, want home", ctx.PageID)
	}
}
