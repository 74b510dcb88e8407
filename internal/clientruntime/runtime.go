// Package clientruntime is a reference Go implementation of the client
// executor runtime: it registers named local tool executors, dispatches
// inbound tool_invocation frames to them with a local timeout, and emits
// context_update on connect or whenever a scoped contribution changes.
//
// A real browser client implements this same contract in JavaScript; this
// package exists so a Go-based client (a CLI, a headless agent, a test
// harness) can participate in the protocol without reimplementing it.
package clientruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/internal/clientctx"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// DefaultToolTimeout matches the orchestrator's DefaultClientToolTimeout:
// a client-side executor that runs longer than this loses the race and
// the invocation is reported back as a timeout error regardless of
// whether the executor eventually finishes.
const DefaultToolTimeout = 30 * time.Second

// Executor is a client-local tool implementation, keyed by tool id.
type Executor func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Sender is the runtime's view of the connection: the frames it pushes
// back to the server.
type Sender interface {
	SendToolResult(ctx context.Context, toolID, callID string, result json.RawMessage) error
	SendToolError(ctx context.Context, toolID, callID, message string) error
	SendContextUpdate(ctx context.Context, clientContext models.ClientContext) error
}

// Runtime holds the registered executors for one client connection.
type Runtime struct {
	mu        sync.RWMutex
	executors map[string]Executor
	funcPtrs  map[string]uintptr

	sender         Sender
	defaultTimeout time.Duration
	merger         *clientctx.Merger
	logger         *slog.Logger
}

// NewRuntime creates a Runtime. sender is required; defaultTimeout <= 0
// falls back to DefaultToolTimeout; logger may be nil.
func NewRuntime(sender Sender, defaultTimeout time.Duration, logger *slog.Logger) *Runtime {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultToolTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runtime{
		executors:      make(map[string]Executor),
		funcPtrs:       make(map[string]uintptr),
		sender:         sender,
		defaultTimeout: defaultTimeout,
		merger:         clientctx.NewMerger(),
		logger:         logger,
	}
}

// RegisterExecutor binds toolID to fn, replacing any prior binding. A
// call that re-registers the identical function reference is a no-op,
// matching the idempotent-registration contract (components mounting
// and re-mounting with the same closure should not reset in-flight
// bookkeeping for no reason).
func (r *Runtime) RegisterExecutor(toolID string, fn Executor) {
	ptr := reflect.ValueOf(fn).Pointer()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.funcPtrs[toolID]; ok && existing == ptr {
		return
	}
	r.executors[toolID] = fn
	r.funcPtrs[toolID] = ptr
}

// UnregisterExecutor removes toolID's binding, if any.
func (r *Runtime) UnregisterExecutor(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, toolID)
	delete(r.funcPtrs, toolID)
}

func (r *Runtime) lookup(toolID string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[toolID]
	return fn, ok
}

// HandleToolInvocation services one inbound agent:tool_invocation frame.
// It never returns an error to the caller — every outcome (missing
// executor, executor error, panic, or timeout) is reported back over
// Sender as a tool_result or tool_error frame, per spec.
func (r *Runtime) HandleToolInvocation(ctx context.Context, toolID, callID string, params json.RawMessage) {
	fn, ok := r.lookup(toolID)
	if !ok {
		r.sendError(ctx, toolID, callID, fmt.Sprintf("Tool '%s' is not available in the current client version", toolID))
		return
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- outcome{err: fmt.Errorf("%v", rec)}
			}
		}()
		result, err := fn(ctx, params)
		resultCh <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(r.defaultTimeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		if out.err != nil {
			r.sendError(ctx, toolID, callID, out.err.Error())
			return
		}
		if err := r.sender.SendToolResult(ctx, toolID, callID, out.result); err != nil {
			r.logger.Warn("send tool_result failed", "tool", toolID, "call_id", callID, "error", err)
		}
	case <-timer.C:
		r.sendError(ctx, toolID, callID, fmt.Sprintf("Tool Timeout (%dms)", r.defaultTimeout.Milliseconds()))
	case <-ctx.Done():
		r.sendError(ctx, toolID, callID, ctx.Err().Error())
	}
}

func (r *Runtime) sendError(ctx context.Context, toolID, callID, message string) {
	if err := r.sender.SendToolError(ctx, toolID, callID, message); err != nil {
		r.logger.Warn("send tool_error failed", "tool", toolID, "call_id", callID, "error", err)
	}
}

// SyncContext sets scopeKey's contribution and emits the freshly merged
// context as a context_update frame — the call a UI scope makes on mount
// and on every change; Connect is just SyncContext called once per scope
// already registered before the first frame is sent.
func (r *Runtime) SyncContext(ctx context.Context, scopeKey string, contribution clientctx.Contribution) error {
	r.merger.Set(scopeKey, contribution)
	return r.sender.SendContextUpdate(ctx, r.merger.Merge())
}

// ClearContext removes scopeKey's contribution and re-syncs.
func (r *Runtime) ClearContext(ctx context.Context, scopeKey string) error {
	r.merger.Clear(scopeKey)
	return r.sender.SendContextUpdate(ctx, r.merger.Merge())
}
