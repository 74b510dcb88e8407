// Package sessions implements durable storage, dispatch serialization, and
// tool-event auditing for the session orchestrator.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// ErrNotFound is returned by Get when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Store persists session state: the latest validated client context and
// the ordered message history. A Store is consulted on connect (to
// restore state) and written after every mutation, but it is never the
// source of truth mid-session — the orchestrator keeps its own
// in-memory copy and treats storage errors as logged, non-fatal events.
type Store interface {
	// Get loads a session by id, or ErrNotFound if none exists.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Save persists the full current state of a session (context and
	// history). It upserts: callers don't need a separate Create path.
	Save(ctx context.Context, session *models.Session) error

	// AppendMessage appends one message to a session's durable history.
	// Implementations that can't append incrementally may fall back to
	// loading and re-saving the full session.
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error

	// Delete removes a session's durable state.
	Delete(ctx context.Context, id string) error
}
