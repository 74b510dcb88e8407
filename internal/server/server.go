// Package server is the WebSocket façade: it accepts connections, mints
// one Orchestrator per connection keyed by connection id, and translates
// between protocol.Frame wire messages and Orchestrator calls.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agentbridge/internal/agent"
	"github.com/haasonsaas/agentbridge/internal/sessions"
)

const (
	readBufferSize  = 8192
	writeBufferSize = 8192
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 15 * time.Second
)

// ProviderFactory builds the Provider used for one connection. It is a
// factory rather than a shared instance so a multi-tenant deployment can
// route different sessions to different credentials/models.
type ProviderFactory func(sessionID string) agent.Provider

// Server accepts WebSocket connections and runs one Orchestrator per
// connection. The tool registry is shared and immutable after Start;
// per-connection state (the session map) is written only on
// connect/disconnect, per spec.md §5's shared-state rule.
type Server struct {
	registry        *agent.ToolRegistry
	store           sessions.Store
	locker          sessions.Locker
	toolEvents      sessions.ToolEventStore
	providerFactory ProviderFactory
	logger          *slog.Logger
	upgrader        websocket.Upgrader
	maxTurns        int

	mu    sync.Mutex
	conns map[string]*connection
}

// Config bundles a Server's collaborators. Registry, Store, and
// ProviderFactory are required.
type Config struct {
	Registry        *agent.ToolRegistry
	Store           sessions.Store
	Locker          sessions.Locker
	ToolEvents      sessions.ToolEventStore
	ProviderFactory ProviderFactory
	Logger          *slog.Logger
	MaxTurns        int
}

// New builds a Server and auto-registers the implicit get_current_context
// tool on cfg.Registry, per spec.md §4.6.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	agent.RegisterGetCurrentContext(cfg.Registry)

	return &Server{
		registry:        cfg.Registry,
		store:           cfg.Store,
		locker:          cfg.Locker,
		toolEvents:      cfg.ToolEvents,
		providerFactory: cfg.ProviderFactory,
		logger:          logger,
		maxTurns:        cfg.MaxTurns,
		conns:           make(map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// lifecycle to completion (blocks until the client disconnects).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := sessionIDFromRequest(r)
	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
		logger:    s.logger,
	}

	orch := agent.NewOrchestrator(agent.OrchestratorConfig{
		SessionID:  sessionID,
		Store:      s.store,
		Locker:     s.locker,
		Registry:   s.registry,
		Provider:   s.providerFactory(sessionID),
		Outbound:   c,
		ToolEvents: s.toolEvents,
		Logger:     s.logger,
		MaxTurns:   s.maxTurns,
	})
	c.orchestrator = orch

	s.register(sessionID, c)
	defer s.unregister(sessionID)

	if err := orch.Initialize(ctx); err != nil {
		s.logger.Error("orchestrator initialize failed", "session_id", sessionID, "error", err)
		return
	}

	c.run()
}

func (s *Server) register(sessionID string, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID] = c
}

func (s *Server) unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sessionID)
}

// sessionIDFromRequest uses an explicit ?session_id= query param when
// present (reconnect case), else mints a fresh one for this connection.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	return uuid.NewString()
}
