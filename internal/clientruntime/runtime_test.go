package clientruntime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentbridge/internal/clientctx"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

type fakeSender struct {
	mu       sync.Mutex
	results  []string
	errors   []string
	contexts []models.ClientContext
}

func (f *fakeSender) SendToolResult(ctx context.Context, toolID, callID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, string(result))
	return nil
}

func (f *fakeSender) SendToolError(ctx context.Context, toolID, callID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
	return nil
}

func (f *fakeSender) SendContextUpdate(ctx context.Context, clientContext models.ClientContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, clientContext)
	return nil
}

func TestRuntime_MissingExecutorSendsError(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)

	rt.HandleToolInvocation(context.Background(), "unregistered", "c1", nil)

	if len(sender.errors) != 1 {
		t.Fatalf("errors = %v, want 1", sender.errors)
	}
}

func TestRuntime_SuccessfulExecutorSendsResult(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)
	rt.RegisterExecutor("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	rt.HandleToolInvocation(context.Background(), "echo", "c1", json.RawMessage(`{"x":1}`))

	if len(sender.results) != 1 || sender.results[0] != `{"x":1}` {
		t.Fatalf("results = %v", sender.results)
	}
}

func TestRuntime_ExecutorErrorSendsError(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)
	rt.RegisterExecutor("broken", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	rt.HandleToolInvocation(context.Background(), "broken", "c1", nil)

	if len(sender.errors) != 1 || sender.errors[0] != "boom" {
		t.Fatalf("errors = %v", sender.errors)
	}
}

func TestRuntime_ExecutorPanicSendsError(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)
	rt.RegisterExecutor("panicky", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})

	rt.HandleToolInvocation(context.Background(), "panicky", "c1", nil)

	if len(sender.errors) != 1 {
		t.Fatalf("errors = %v, want 1 recovered panic", sender.errors)
	}
}

func TestRuntime_ExecutorTimeout(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, 10*time.Millisecond, nil)
	rt.RegisterExecutor("slow", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})

	rt.HandleToolInvocation(context.Background(), "slow", "c1", nil)

	if len(sender.errors) != 1 {
		t.Fatalf("errors = %v, want 1 timeout", sender.errors)
	}
}

func TestRuntime_RegisterExecutorIdempotentForIdenticalReference(t *testing.T) {
	rt := NewRuntime(&fakeSender{}, time.Second, nil)
	fn := func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}

	rt.RegisterExecutor("tool", fn)
	rt.RegisterExecutor("tool", fn)

	rt.mu.RLock()
	count := len(rt.executors)
	rt.mu.RUnlock()
	if count != 1 {
		t.Errorf("executors = %d, want 1", count)
	}
}

func TestRuntime_UnregisterExecutor(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)
	rt.RegisterExecutor("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	rt.UnregisterExecutor("echo")

	rt.HandleToolInvocation(context.Background(), "echo", "c1", nil)

	if len(sender.errors) != 1 {
		t.Fatalf("expected missing-executor error after unregister, got %v", sender.errors)
	}
}

func TestRuntime_SyncContextMergesAndSends(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)

	if err := rt.SyncContext(context.Background(), "router", clientctx.Contribution{PageID: "settings"}); err != nil {
		t.Fatalf("SyncContext() error = %v", err)
	}
	if len(sender.contexts) != 1 || sender.contexts[0].PageID != "settings" {
		t.Fatalf("contexts = %+v", sender.contexts)
	}
}

func TestRuntime_ClearContext(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, time.Second, nil)
	_ = rt.SyncContext(context.Background(), "router", clientctx.Contribution{PageID: "settings"})
	_ = rt.ClearContext(context.Background(), "router")

	last := sender.contexts[len(sender.contexts)-1]
	if last.PageID != "" {
		t.Errorf("PageID = %q, want empty after clear", last.PageID)
	}
}
