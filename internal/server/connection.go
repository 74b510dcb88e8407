package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agentbridge/internal/agent"
	"github.com/haasonsaas/agentbridge/pkg/models"
	"github.com/haasonsaas/agentbridge/pkg/protocol"
)

// connection owns one WebSocket's read/write loops and implements
// agent.Outbound by framing orchestrator calls as protocol.Frame values.
type connection struct {
	sessionID    string
	conn         *websocket.Conn
	send         chan []byte
	ctx          context.Context
	cancel       context.CancelFunc
	logger       *slog.Logger
	seq          int64
	orchestrator *agent.Orchestrator
}

func (c *connection) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *connection) close() {
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *connection) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "session_id", c.sessionID, "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *connection) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame to the orchestrator. user_message
// handling runs on its own goroutine since it blocks on provider calls
// and client-tool round-trips; Orchestrator's own session lock keeps a
// second concurrent user_message queued behind the first rather than
// racing it, so launching it unblocked here does not violate ordering.
func (c *connection) dispatch(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventContextUpdate:
		if err := c.orchestrator.HandleContextUpdate(c.ctx, frame.Payload); err != nil {
			c.logger.Warn("context_update handling failed", "session_id", c.sessionID, "error", err)
		}

	case protocol.EventUserMessage:
		var payload protocol.UserMessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("dropping invalid user_message", "session_id", c.sessionID, "error", err)
			return
		}
		go func() {
			if err := c.orchestrator.HandleUserMessage(c.ctx, payload.Content); err != nil {
				c.logger.Warn("user_message handling failed", "session_id", c.sessionID, "error", err)
			}
		}()

	case protocol.EventToolResult:
		var payload protocol.ToolResultPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("dropping invalid tool_result", "session_id", c.sessionID, "error", err)
			return
		}
		c.orchestrator.ResolveToolResult(payload.CallID, payload.Result)

	case protocol.EventToolError:
		var payload protocol.ToolErrorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("dropping invalid tool_error", "session_id", c.sessionID, "error", err)
			return
		}
		c.orchestrator.ResolveToolError(payload.CallID, payload.Message)

	default:
		c.logger.Warn("dropping unknown event", "session_id", c.sessionID, "event", frame.Event)
	}
}

func (c *connection) writeFrame(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := protocol.Frame{
		Seq:     atomic.AddInt64(&c.seq, 1),
		Event:   event,
		Payload: raw,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// SendToolInvocation implements agent.ClientInvoker.
func (c *connection) SendToolInvocation(ctx context.Context, sessionID, toolName, callID string, params json.RawMessage) error {
	return c.writeFrame(protocol.EventToolInvocation, protocol.ToolInvocationPayload{
		ToolID: toolName,
		CallID: callID,
		Params: params,
	})
}

// SendAgentResponse implements agent.Outbound.
func (c *connection) SendAgentResponse(ctx context.Context, sessionID string, content string, done bool, suggestedActions []string) error {
	return c.writeFrame(protocol.EventAgentResponse, protocol.AgentResponsePayload{
		Content:          content,
		Done:             done,
		SuggestedActions: suggestedActions,
	})
}

// SendContextSync implements agent.Outbound.
func (c *connection) SendContextSync(ctx context.Context, sessionID string, clientContext models.ClientContext, availableTools []string) error {
	return c.writeFrame(protocol.EventContextSync, protocol.ContextSyncPayload{
		Context: protocol.ContextUpdatePayload{
			PageID:       clientContext.PageID,
			ActiveTab:    clientContext.ActiveTab,
			Capabilities: clientContext.Capabilities,
			Metadata:     clientContext.Metadata,
		},
		AvailableTools: availableTools,
	})
}
