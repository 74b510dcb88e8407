package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// DefaultClientToolTimeout is used when a client tool has no per-tool
// timeout and the session has no override.
const DefaultClientToolTimeout = 30 * time.Second

// ghostExecutionContent is the literal tool history entry appended when a
// tool call is rejected by the anti-ghost re-check (spec.md §4.4 step 6).
const ghostExecutionContent = "Error: User is no longer on the valid page. The tool cannot be executed in the current context."

// ClientInvoker sends a tool_invocation frame to the connected client and
// returns once the frame is written — it does not wait for the reply.
// The reply arrives later, out of band, through Dispatcher.Resolve*.
type ClientInvoker interface {
	SendToolInvocation(ctx context.Context, sessionID, toolName, callID string, params json.RawMessage) error
}

type clientOutcome struct {
	result json.RawMessage
	errMsg string
	isErr  bool
}

// Dispatcher executes one LLM turn's tool calls, in order, against a
// ToolRegistry. Server-side tools are invoked directly; client-side tools
// round-trip over a ClientInvoker, correlated by call id.
//
// Anti-ghost execution: availability is rechecked against contextFn() —
// the session's *current* context, not the context the provider turn
// started with — immediately before each dispatch, so a context_update
// that arrives mid-turn takes effect before the next tool in the turn
// runs.
type Dispatcher struct {
	registry *ToolRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan clientOutcome
}

// NewDispatcher creates a Dispatcher bound to registry.
func NewDispatcher(registry *ToolRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		waiters:  make(map[string]chan clientOutcome),
	}
}

// ResolveResult delivers a successful client tool_result for callID to
// whichever dispatch call is waiting on it. A callID with no waiter (a
// late reply after timeout, or a reply for an unknown call) is dropped.
func (d *Dispatcher) ResolveResult(callID string, result json.RawMessage) {
	d.deliver(callID, clientOutcome{result: result})
}

// ResolveError delivers a client tool_error for callID.
func (d *Dispatcher) ResolveError(callID, message string) {
	d.deliver(callID, clientOutcome{errMsg: message, isErr: true})
}

func (d *Dispatcher) deliver(callID string, outcome clientOutcome) {
	d.mu.Lock()
	ch, ok := d.waiters[callID]
	if ok {
		delete(d.waiters, callID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	ch <- outcome
}

func (d *Dispatcher) register(callID string) chan clientOutcome {
	ch := make(chan clientOutcome, 1)
	d.mu.Lock()
	d.waiters[callID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(callID string) {
	d.mu.Lock()
	delete(d.waiters, callID)
	d.mu.Unlock()
}

// DispatchAll executes calls in order, returning one tool-role message
// per call. contextFn is consulted fresh before each dispatch so the
// anti-ghost check observes the latest context_update. A dispatch error
// never aborts the loop — it is folded into that call's message content
// as the tool history entry spec.md's error taxonomy requires.
func (d *Dispatcher) DispatchAll(ctx context.Context, sessionID string, contextFn func() models.ClientContext, calls []*ToolCallRequest, invoker ClientInvoker) []models.Message {
	messages := make([]models.Message, 0, len(calls))
	for _, call := range calls {
		messages = append(messages, d.dispatchOne(ctx, sessionID, contextFn, call, invoker))
	}
	return messages
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sessionID string, contextFn func() models.ClientContext, call *ToolCallRequest, invoker ClientInvoker) (msg models.Message) {
	msg = models.Message{
		Role:       models.RoleTool,
		ToolCallID: call.CallID,
		CreatedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool dispatch panicked", "tool", call.Name, "call_id", call.CallID, "panic", r)
			msg.Content = plainError("%v", r)
		}
	}()

	tool, ok := d.registry.ByName(call.Name)
	if !ok {
		d.logger.Warn("dispatch: unknown tool", "tool", call.Name, "call_id", call.CallID)
		msg.Content = jsonError(fmt.Sprintf("tool not found: %s", call.Name))
		return msg
	}

	if !d.registry.IsAvailable(call.Name, contextFn()) {
		d.logger.Warn("dispatch: ghost execution", "tool", call.Name, "call_id", call.CallID)
		msg.Content = ghostExecutionContent
		return msg
	}

	switch tool.ExecutionSide {
	case models.ExecutionSideServer:
		result, err := d.registry.ExecuteServer(ctx, call.Name, contextFn(), call.Args)
		if err != nil {
			d.logger.Warn("dispatch: server tool failed", "tool", call.Name, "call_id", call.CallID, "error", err)
			msg.Content = jsonError(err.Error())
			return msg
		}
		msg.Content = string(result)
		return msg

	case models.ExecutionSideClient:
		return d.dispatchClient(ctx, sessionID, tool, call, invoker, msg)

	default:
		msg.Content = jsonError(fmt.Sprintf("unknown execution side %q", tool.ExecutionSide))
		return msg
	}
}

func (d *Dispatcher) dispatchClient(ctx context.Context, sessionID string, tool models.ToolDefinition, call *ToolCallRequest, invoker ClientInvoker, msg models.Message) models.Message {
	timeout := DefaultClientToolTimeout
	if tool.TimeoutMs > 0 {
		timeout = time.Duration(tool.TimeoutMs) * time.Millisecond
	}

	waitCh := d.register(call.CallID)
	if err := invoker.SendToolInvocation(ctx, sessionID, call.Name, call.CallID, call.Args); err != nil {
		d.unregister(call.CallID)
		d.logger.Warn("dispatch: send tool_invocation failed", "tool", call.Name, "call_id", call.CallID, "error", err)
		msg.Content = jsonError(err.Error())
		return msg
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-waitCh:
		if outcome.isErr {
			msg.Content = jsonError(outcome.errMsg)
			return msg
		}
		validated, err := d.registry.ValidateResult(call.Name, outcome.result)
		if err != nil {
			d.logger.Warn("dispatch: result validation failed", "tool", call.Name, "call_id", call.CallID, "error", err)
			msg.Content = jsonError(err.Error())
			return msg
		}
		msg.Content = string(validated)
		return msg

	case <-timer.C:
		d.unregister(call.CallID)
		d.logger.Warn("dispatch: client tool timed out", "tool", call.Name, "call_id", call.CallID, "timeout", timeout)
		msg.Content = plainError("Tool Timeout (%dms)", timeout.Milliseconds())
		return msg

	case <-ctx.Done():
		d.unregister(call.CallID)
		msg.Content = jsonError(ctx.Err().Error())
		return msg
	}
}

// plainError formats the plain-text tool history encoding used for
// ghost-execution, timeout, and thrown-exception dispatch failures
// (spec.md §4.4 step 6, §4.5).
func plainError(format string, args ...any) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// jsonError formats the JSON-encoded tool history entry used for
// handler/result failures: {"error": "<reason>"}.
func jsonError(reason string) string {
	payload, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, reason)
	}
	return string(payload)
}

// isErrorContent reports whether a tool history entry represents a dispatch
// failure, whether encoded as a JSON {"error": ...} payload (handler/result
// failures) or as the plain-text "Error: ..." form (ghost execution,
// timeout, thrown exception).
func isErrorContent(content string) bool {
	if strings.HasPrefix(content, "Error: ") {
		return true
	}
	var payload map[string]string
	if json.Unmarshal([]byte(content), &payload) == nil {
		_, ok := payload["error"]
		return ok
	}
	return false
}
