package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

// maxMessagesPerSession bounds in-memory history growth per session.
const maxMessagesPerSession = 1000

// MemoryStore is an in-process Store, used for local runs and tests. It
// is itself concurrency-safe, but the orchestrator never relies on it as
// the authoritative copy mid-session — see Store's doc comment.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*models.Session{}}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	if len(clone.Messages) > maxMessagesPerSession {
		clone.Messages = clone.Messages[len(clone.Messages)-maxMessagesPerSession:]
	}
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Messages = append(session.Messages, msg)
	if len(session.Messages) > maxMessagesPerSession {
		session.Messages = session.Messages[len(session.Messages)-maxMessagesPerSession:]
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	clone.Messages = append([]models.Message{}, session.Messages...)
	if session.Context.Metadata != nil {
		clone.Context.Metadata = deepCloneMap(session.Context.Metadata)
	}
	if session.Context.Capabilities != nil {
		clone.Context.Capabilities = append([]string{}, session.Context.Capabilities...)
	}
	return &clone
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
