package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/internal/sessions"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// DefaultMaxTurns is the hard cap on provider round-trips a single
// user_message may drive. A turn counts as one provider call regardless
// of how many tool calls it produced.
const DefaultMaxTurns = 5

// DefaultSystemPrompt seeds a session's history when none is configured.
const DefaultSystemPrompt = "You are a helpful assistant with access to tools. Use them when they help answer the user's request."

// ContextGetCurrentContextTool is the name of the implicit server tool every
// registry carries, letting the LLM self-inspect the session's current
// context without a client round-trip.
const ContextGetCurrentContextTool = "get_current_context"

// RegisterGetCurrentContext installs the implicit get_current_context
// server tool into registry. The server façade calls this once at
// startup, before any session is created.
func RegisterGetCurrentContext(registry *ToolRegistry) {
	registry.Register(models.NewServerTool(
		ContextGetCurrentContextTool,
		"Returns the current client context (page, active tab, capabilities, metadata) verbatim.",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx models.ClientContext, params json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(ctx)
		},
	))
}

// Outbound is the orchestrator's view of the connection: the frames it
// may push to the client. ClientInvoker is embedded so a Dispatcher can
// be driven by the same implementation.
type Outbound interface {
	ClientInvoker
	SendAgentResponse(ctx context.Context, sessionID string, content string, done bool, suggestedActions []string) error
	SendContextSync(ctx context.Context, sessionID string, clientContext models.ClientContext, availableTools []string) error
}

// Orchestrator is the per-connection state machine: it owns one session's
// history and context, runs the agent loop on user_message, and applies
// context_update synchronously so a mid-loop dispatch always observes the
// latest value.
type Orchestrator struct {
	sessionID string

	store      sessions.Store
	locker     sessions.Locker
	registry   *ToolRegistry
	dispatcher *Dispatcher
	provider   Provider
	outbound   Outbound
	toolEvents sessions.ToolEventStore // optional; nil disables audit logging

	logger   *slog.Logger
	maxTurns int

	mu      sync.RWMutex
	session *models.Session
}

// OrchestratorConfig bundles an Orchestrator's collaborators. Provider,
// Store, and Outbound are required; Locker, ToolEvents, and Logger fall
// back to sensible defaults when nil/zero.
type OrchestratorConfig struct {
	SessionID  string
	Store      sessions.Store
	Locker     sessions.Locker
	Registry   *ToolRegistry
	Provider   Provider
	Outbound   Outbound
	ToolEvents sessions.ToolEventStore
	Logger     *slog.Logger
	MaxTurns   int
}

// NewOrchestrator builds an Orchestrator from cfg.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	locker := cfg.Locker
	if locker == nil {
		locker = sessions.NewLocalLocker(sessions.DefaultLockTimeout)
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Orchestrator{
		sessionID:  cfg.SessionID,
		store:      cfg.Store,
		locker:     locker,
		registry:   cfg.Registry,
		dispatcher: NewDispatcher(cfg.Registry, logger),
		provider:   cfg.Provider,
		outbound:   cfg.Outbound,
		toolEvents: cfg.ToolEvents,
		logger:     logger,
		maxTurns:   maxTurns,
	}
}

// Initialize restores a persisted session or seeds a fresh one. It must be
// called once, before any HandleContextUpdate/HandleUserMessage call.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	existing, err := o.store.Get(ctx, o.sessionID)
	if err == nil {
		o.mu.Lock()
		o.session = existing
		o.mu.Unlock()
		return nil
	}
	if err != sessions.ErrNotFound {
		o.logger.Warn("session restore failed, seeding fresh session", "session_id", o.sessionID, "error", err)
	}

	now := time.Now()
	fresh := &models.Session{
		ID:        o.sessionID,
		Context:   models.ClientContext{},
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []models.Message{{
			Role:      models.RoleSystem,
			Content:   DefaultSystemPrompt,
			CreatedAt: now,
		}},
	}
	o.mu.Lock()
	o.session = fresh
	o.mu.Unlock()

	if err := o.store.Save(ctx, fresh); err != nil {
		o.logger.Warn("session seed persist failed", "session_id", o.sessionID, "error", err)
	}
	return nil
}

// CurrentContext returns the session's live context. Safe to pass as a
// Dispatcher contextFn: it always reflects the most recent accepted
// context_update, even one that lands after the current turn's provider
// call started.
func (o *Orchestrator) CurrentContext() models.ClientContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session.Context
}

func (o *Orchestrator) messagesSnapshot() []models.Message {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Message, len(o.session.Messages))
	copy(out, o.session.Messages)
	return out
}

func (o *Orchestrator) appendMessage(ctx context.Context, msg models.Message) {
	o.mu.Lock()
	o.session.Messages = append(o.session.Messages, msg)
	o.session.UpdatedAt = time.Now()
	o.mu.Unlock()

	// Storage errors never block the in-memory loop: the in-memory copy
	// stays authoritative, and the next successful write heals durability.
	if err := o.store.AppendMessage(ctx, o.sessionID, msg); err != nil {
		o.logger.Warn("append message persist failed", "session_id", o.sessionID, "error", err)
	}
}

// HandleContextUpdate validates and applies a client_update payload. An
// invalid payload is logged and dropped without mutating state, per the
// protocol/validation error class.
func (o *Orchestrator) HandleContextUpdate(ctx context.Context, raw json.RawMessage) error {
	var next models.ClientContext
	if err := json.Unmarshal(raw, &next); err != nil {
		o.logger.Warn("dropping invalid context_update", "session_id", o.sessionID, "error", err)
		return nil
	}

	o.mu.Lock()
	o.session.Context = next
	o.session.UpdatedAt = time.Now()
	snapshot := *o.session
	o.mu.Unlock()

	if err := o.store.Save(ctx, &snapshot); err != nil {
		o.logger.Warn("context_update persist failed", "session_id", o.sessionID, "error", err)
	}

	visible := o.registry.ToolsForContext(next)
	names := make([]string, len(visible))
	for i, t := range visible {
		names[i] = t.Name
	}
	if err := o.outbound.SendContextSync(ctx, o.sessionID, next, names); err != nil {
		o.logger.Warn("context_sync send failed", "session_id", o.sessionID, "error", err)
	}
	return nil
}

// HandleUserMessage appends the user's message and runs the agent loop to
// completion. Concurrent user_message calls on the same session are
// serialized by locker: a second call queues behind the first rather than
// racing it, per spec.md's concurrency model (queue, not reject).
func (o *Orchestrator) HandleUserMessage(ctx context.Context, content string) error {
	if err := o.locker.Lock(ctx, o.sessionID); err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer o.locker.Unlock(o.sessionID)

	o.appendMessage(ctx, models.Message{
		Role:      models.RoleUser,
		SessionID: o.sessionID,
		Content:   content,
		CreatedAt: time.Now(),
	})

	for turn := 0; turn < o.maxTurns; turn++ {
		done, err := o.runTurn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	o.logger.Warn("turn cap reached with tool calls still pending", "session_id", o.sessionID, "max_turns", o.maxTurns)
	return nil
}

// runTurn executes one provider call and its resulting tool dispatches.
// It returns done=true when the loop should stop: a text-only turn or a
// provider error.
func (o *Orchestrator) runTurn(ctx context.Context) (done bool, err error) {
	currentContext := o.CurrentContext()
	tools := o.registry.ToolsForContext(currentContext)
	messages := o.messagesSnapshot()

	events, runErr := o.provider.Run(ctx, messages, tools)
	if runErr != nil {
		o.emitTerminal(ctx, fmt.Sprintf("Error: %s", runErr.Error()), nil)
		return true, nil
	}

	if msg, hasErr := FirstError(events); hasErr {
		o.emitTerminal(ctx, fmt.Sprintf("Error: %s", msg), nil)
		return true, nil
	}

	var suggested []string
	for _, e := range events {
		if e.Kind == EventKindText && e.Text != "" {
			if sendErr := o.outbound.SendAgentResponse(ctx, o.sessionID, e.Text, false, nil); sendErr != nil {
				o.logger.Warn("agent_response stream send failed", "session_id", o.sessionID, "error", sendErr)
			}
			if len(e.SuggestedActions) > 0 {
				suggested = e.SuggestedActions
			}
		}
	}

	calls := ToolCalls(events)
	text := Text(events)

	assistantMsg := models.Message{
		Role:      models.RoleAssistant,
		SessionID: o.sessionID,
		Content:   text,
		CreatedAt: time.Now(),
	}
	for _, c := range calls {
		assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, models.ToolCall{ID: c.CallID, Name: c.Name, Input: c.Args})
	}
	o.appendMessage(ctx, assistantMsg)

	if len(calls) == 0 {
		if sendErr := o.outbound.SendAgentResponse(ctx, o.sessionID, "", true, suggested); sendErr != nil {
			o.logger.Warn("terminal agent_response send failed", "session_id", o.sessionID, "error", sendErr)
		}
		return true, nil
	}

	toolMessages := o.dispatcher.DispatchAll(ctx, o.sessionID, o.CurrentContext, calls, o.outbound)
	for i, tm := range toolMessages {
		tm.SessionID = o.sessionID
		o.appendMessage(ctx, tm)
		o.recordToolEvent(ctx, calls[i], tm)
	}

	return false, nil
}

func (o *Orchestrator) recordToolEvent(ctx context.Context, call *ToolCallRequest, result models.Message) {
	if o.toolEvents == nil {
		return
	}
	isErr := isErrorContent(result.Content)
	if err := o.toolEvents.AddToolResult(ctx, o.sessionID, "", call.CallID, &sessions.ToolResultEvent{
		SessionID:  o.sessionID,
		ToolCallID: call.CallID,
		IsError:    isErr,
		Content:    result.Content,
		CreatedAt:  result.CreatedAt,
	}); err != nil {
		o.logger.Warn("tool event audit write failed", "session_id", o.sessionID, "error", err)
	}
}

// ResolveToolResult delivers a client's agent:tool_result frame to the
// dispatch call awaiting callID.
func (o *Orchestrator) ResolveToolResult(callID string, result json.RawMessage) {
	o.dispatcher.ResolveResult(callID, result)
}

// ResolveToolError delivers a client's agent:tool_error frame to the
// dispatch call awaiting callID.
func (o *Orchestrator) ResolveToolError(callID, message string) {
	o.dispatcher.ResolveError(callID, message)
}

func (o *Orchestrator) emitTerminal(ctx context.Context, content string, suggestedActions []string) {
	if err := o.outbound.SendAgentResponse(ctx, o.sessionID, content, true, suggestedActions); err != nil {
		o.logger.Warn("terminal agent_response send failed", "session_id", o.sessionID, "error", err)
	}
}
