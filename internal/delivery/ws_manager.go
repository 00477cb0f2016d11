package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"livechat-ws/internal/broadcast"
	"livechat-ws/internal/chat"
	"livechat-ws/internal/domain"
)

const writeTimeout = 10 * time.Second

// wsClient is one websocket connection. Events from the hub and direct
// replies share the connection, so every write goes through writeMux.
type wsClient struct {
	conn     *websocket.Conn
	sub      *broadcast.Subscriber
	kind     domain.ParticipantKind
	id       uuid.UUID
	writeMux sync.Mutex
}

func (c *wsClient) write(messageType int, payload []byte) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

func (c *wsClient) reply(resp domain.WebSocketResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

// WSManager bridges websocket connections to the broadcast hub and the
// chat service.
type WSManager struct {
	hub  *broadcast.Hub
	chat *chat.Service
	log  *slog.Logger
}

func NewWSManager(hub *broadcast.Hub, svc *chat.Service, log *slog.Logger) *WSManager {
	return &WSManager{hub: hub, chat: svc, log: log}
}

// HandleVisitor serves /ws/session/:session_id. The session id was checked
// by the handshake middleware.
func (w *WSManager) HandleVisitor(conn *websocket.Conn) {
	defer conn.Close()
	sessionID, ok := conn.Locals("session_id").(uuid.UUID)
	if !ok {
		return
	}
	client := &wsClient{
		conn: conn,
		sub:  w.hub.Subscribe(broadcast.SessionRoom(sessionID)),
		kind: domain.ParticipantVisitor,
		id:   sessionID,
	}
	w.serve(client,
		func(ctx context.Context) error { return w.chat.VisitorConnected(ctx, sessionID) },
		func(ctx context.Context) error { return w.chat.VisitorDisconnected(ctx, sessionID) },
		w.handleVisitorMessage,
	)
}

// HandleOperator serves /ws/operator/:operator_id. Operators receive their
// own room and the dashboard, and join chat rooms on demand.
func (w *WSManager) HandleOperator(conn *websocket.Conn) {
	defer conn.Close()
	operatorID, ok := conn.Locals(operatorLocal).(uuid.UUID)
	if !ok {
		return
	}
	client := &wsClient{
		conn: conn,
		sub:  w.hub.Subscribe(broadcast.OperatorRoom(operatorID), broadcast.DashboardRoom),
		kind: domain.ParticipantOperator,
		id:   operatorID,
	}
	w.serve(client,
		func(ctx context.Context) error { return w.chat.OperatorConnected(ctx, operatorID) },
		func(ctx context.Context) error { return w.chat.OperatorDisconnected(ctx, operatorID) },
		w.handleOperatorMessage,
	)
}

type messageHandler func(ctx context.Context, c *wsClient, msg *domain.WebSocketMessage)

func (w *WSManager) serve(c *wsClient, connected, disconnected func(context.Context) error, handle messageHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := w.log.With("kind", c.kind, "id", c.id, "subscriber", c.sub.ID)

	if err := connected(ctx); err != nil {
		log.Error("register connection", "error", err)
	}
	defer func() {
		w.hub.Unsubscribe(c.sub)
		if err := disconnected(context.Background()); err != nil {
			log.Error("unregister connection", "error", err)
		}
		log.Info("websocket client disconnected")
	}()

	go w.writeLoop(c, log)

	_ = c.reply(domain.WebSocketResponse{
		Type:    "connection_established",
		Success: true,
		Data: map[string]interface{}{
			"id":        c.id,
			"kind":      c.kind,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
	log.Info("websocket client connected")

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", "error", err)
			return
		}
		var msg domain.WebSocketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.sendError(c, "invalid message")
			continue
		}
		w.dispatch(ctx, c, &msg, handle, log)
	}
}

// writeLoop forwards hub payloads until the subscriber is removed. A
// subscriber dropped for being slow gets its connection closed, which ends
// the read loop.
func (w *WSManager) writeLoop(c *wsClient, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic in websocket writer", "panic", r)
		}
		c.conn.Close()
	}()
	for payload := range c.sub.C() {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			log.Warn("websocket write failed", "error", err)
			w.hub.Unsubscribe(c.sub)
			return
		}
	}
}

func (w *WSManager) dispatch(ctx context.Context, c *wsClient, msg *domain.WebSocketMessage, handle messageHandler, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic handling websocket message", "type", msg.Type, "panic", r)
		}
	}()
	if msg.Type == "ping" {
		_ = c.reply(domain.WebSocketResponse{
			Type:    "pong",
			Success: true,
			Data:    map[string]interface{}{"timestamp": time.Now().UTC().Format(time.RFC3339)},
		})
		return
	}
	handle(ctx, c, msg)
}

func (w *WSManager) handleVisitorMessage(ctx context.Context, c *wsClient, msg *domain.WebSocketMessage) {
	switch msg.Type {
	case "typing":
		var req domain.TypingRequest
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &req)
		}
		w.chat.Typing(ctx, c.id, "user", req.IsTyping)
	case "confirm_presence":
		if err := w.chat.ConfirmPresence(ctx, c.id); err != nil {
			w.sendError(c, err.Error())
		}
	default:
		w.sendError(c, "Unknown message type: "+msg.Type)
	}
}

func (w *WSManager) handleOperatorMessage(ctx context.Context, c *wsClient, msg *domain.WebSocketMessage) {
	switch msg.Type {
	case "join_chat":
		if _, err := w.chat.GetSession(ctx, msg.SessionID); err != nil {
			w.sendError(c, err.Error())
			return
		}
		if !w.hub.Join(c.sub, broadcast.SessionRoom(msg.SessionID)) {
			return
		}
		_ = c.reply(domain.WebSocketResponse{Type: "chat_joined", Success: true, Data: map[string]interface{}{"session_id": msg.SessionID}})
	case "leave_chat":
		w.hub.Leave(c.sub, broadcast.SessionRoom(msg.SessionID))
		_ = c.reply(domain.WebSocketResponse{Type: "chat_left", Success: true, Data: map[string]interface{}{"session_id": msg.SessionID}})
	case "typing":
		if msg.SessionID == uuid.Nil {
			w.sendError(c, "session_id is required")
			return
		}
		var req domain.TypingRequest
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &req)
		}
		w.chat.Typing(ctx, msg.SessionID, "operator", req.IsTyping)
	default:
		w.sendError(c, "Unknown message type: "+msg.Type)
	}
}

func (w *WSManager) sendError(c *wsClient, errorMsg string) {
	if err := c.reply(domain.WebSocketResponse{Type: "error", Success: false, Error: errorMsg}); err != nil {
		w.log.Debug("send websocket error", "error", err)
	}
}
