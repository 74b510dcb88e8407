// Package clientctx implements the client-side contract for building the
// ClientContext sent on agent:context_update: scoped contributions merged
// into a single snapshot before it is validated and applied server-side.
package clientctx

import (
	"sync"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// Contribution is one scope's partial view of the context. Any field left
// at its zero value is treated as "not contributed" by that scope, except
// Capabilities and Metadata, which merge rather than overwrite.
type Contribution struct {
	PageID       string
	ActiveTab    string
	Capabilities []string
	Metadata     map[string]any
}

// Merger accumulates named scope contributions and produces the single
// ClientContext a client sends on connect or whenever a scope changes.
//
// Merge rule (spec-mandated): iterate scopes in insertion order; simple
// fields shallow-overwrite (last writer wins); Capabilities concatenate
// across scopes then dedupe, preserving first occurrence.
type Merger struct {
	mu     sync.Mutex
	order  []string
	scopes map[string]Contribution
}

// NewMerger creates an empty Merger.
func NewMerger() *Merger {
	return &Merger{scopes: make(map[string]Contribution)}
}

// Set replaces scopeKey's contribution. A scope set for the first time is
// appended to the insertion order; re-setting an existing scope keeps its
// original position, so "last writer wins" means last writer among
// shallow-overwritten fields, not last writer of insertion order.
func (m *Merger) Set(scopeKey string, c Contribution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scopes[scopeKey]; !exists {
		m.order = append(m.order, scopeKey)
	}
	m.scopes[scopeKey] = c
}

// Clear removes scopeKey's contribution entirely.
func (m *Merger) Clear(scopeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scopes[scopeKey]; !exists {
		return
	}
	delete(m.scopes, scopeKey)
	for i, key := range m.order {
		if key == scopeKey {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Merge produces the combined ClientContext across all current scopes, in
// insertion order.
func (m *Merger) Merge() models.ClientContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result models.ClientContext
	seenCapability := make(map[string]bool)

	for _, scopeKey := range m.order {
		c := m.scopes[scopeKey]

		if c.PageID != "" {
			result.PageID = c.PageID
		}
		if c.ActiveTab != "" {
			result.ActiveTab = c.ActiveTab
		}
		for _, cap := range c.Capabilities {
			if seenCapability[cap] {
				continue
			}
			seenCapability[cap] = true
			result.Capabilities = append(result.Capabilities, cap)
		}
		for k, v := range c.Metadata {
			if result.Metadata == nil {
				result.Metadata = make(map[string]any)
			}
			result.Metadata[k] = v
		}
	}
	return result
}
