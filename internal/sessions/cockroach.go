package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/agentbridge/pkg/models"
	_ "github.com/lib/pq"
)

// CockroachStore implements Store against a CockroachDB (Postgres wire
// protocol) cluster via lib/pq, for deployments that need sessions to
// survive a process restart.
type CockroachStore struct {
	db *sql.DB

	stmtGetSession    *sql.Stmt
	stmtUpsertSession *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtGetMessages   *sql.Stmt
}

// CockroachConfig holds connection parameters for NewCockroachStore.
type CockroachConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns sane local-development defaults.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "agentbridge",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewCockroachStore opens a connection and prepares the store's statements.
func NewCockroachStore(config *CockroachConfig) (*CockroachStore, error) {
	if config == nil {
		config = DefaultCockroachConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newCockroachStoreWithDSN(dsn, config)
}

// NewCockroachStoreFromDSN opens a store from a raw DSN, e.g. one read
// from an environment variable.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}
	return newCockroachStoreWithDSN(dsn, config)
}

func newCockroachStoreWithDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &CockroachStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// Schema (created out of band, e.g. via migration tooling):
//
//	CREATE TABLE sessions (
//	    id TEXT PRIMARY KEY,
//	    context JSONB NOT NULL DEFAULT '{}',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE messages (
//	    id TEXT PRIMARY KEY,
//	    session_id TEXT NOT NULL REFERENCES sessions(id),
//	    role TEXT NOT NULL,
//	    content TEXT,
//	    tool_calls JSONB,
//	    tool_call_id TEXT,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
func (s *CockroachStore) prepareStatements() error {
	var err error

	s.stmtUpsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET context = $2, updated_at = $4
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT context, created_at, updated_at FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	s.stmtGetMessages, err = s.db.Prepare(`
		SELECT id, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("prepare get messages: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool and prepared statements.
func (s *CockroachStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGetSession, s.stmtUpsertSession, s.stmtDeleteSession, s.stmtAppendMessage, s.stmtGetMessages} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// Get loads a session and its full message history.
func (s *CockroachStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{ID: id}
	var contextJSON []byte
	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(&contextJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &session.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return session, nil
}

func (s *CockroachStore) getMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.stmtGetMessages.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var toolCallsJSON []byte
		var toolCallID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &toolCallsJSON, &toolCallID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionID = sessionID
		msg.ToolCallID = toolCallID.String
		if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Save upserts a session's context. It does not touch message history —
// use AppendMessage for that, since the orchestrator appends one message
// at a time rather than re-saving the whole history on every turn.
func (s *CockroachStore) Save(ctx context.Context, session *models.Session) error {
	contextJSON, err := json.Marshal(session.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.stmtUpsertSession.ExecContext(ctx, session.ID, contextJSON, createdAt, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AppendMessage inserts one message into a session's durable history.
func (s *CockroachStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err = s.stmtAppendMessage.ExecContext(ctx, msg.ID, sessionID, msg.Role, msg.Content, toolCallsJSON, msg.ToolCallID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Delete removes a session. Messages are left for the caller's schema
// (e.g. ON DELETE CASCADE) to reap.
func (s *CockroachStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
