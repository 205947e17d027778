package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"nhooyr.io/websocket"

	"github.com/example/chat-delivery/internal/broadcast"
	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/internal/locality"
	"github.com/example/chat-delivery/internal/model"
	"github.com/example/chat-delivery/internal/protocol"
	"github.com/example/chat-delivery/internal/session"
)

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverFrame is one outbound websocket message.
type serverFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type joinPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type messagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type markReadPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type deletePayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// wsConn adapts a websocket connection to the hub. Writes are serialized;
// the read loop owns the other direction.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload interface{}) error {
	data, err := json.Marshal(serverFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

type socketHandler struct {
	svc       *protocol.Service
	hub       *hub.Hub
	registry  *locality.Registry
	validator session.Validator
	nodeAddr  string

	connections metric.Int64UpDownCounter
}

func newSocketHandler(svc *protocol.Service, h *hub.Hub, registry *locality.Registry,
	validator session.Validator, nodeAddr string, meter metric.Meter) http.Handler {
	connections, _ := meter.Int64UpDownCounter("socket_connections",
		metric.WithDescription("Live websocket connections on this node"))
	return &socketHandler{
		svc:         svc,
		hub:         h,
		registry:    registry,
		validator:   validator,
		nodeAddr:    nodeAddr,
		connections: connections,
	}
}

func (h *socketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	ident, err := h.validator.Validate(r.Context(), userID, token)
	if err != nil {
		slog.Warn("Rejecting unauthenticated socket", "user", userID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("Websocket accept failed", "user", userID, "error", err)
		return
	}

	conn := newWSConn(ws)
	if prev := h.hub.Register(userID, conn); prev != nil {
		prev.Send(broadcast.EventSessionEnded, map[string]string{"reason": "duplicate_login"})
	}
	h.registry.Set(r.Context(), userID, h.nodeAddr)
	h.connections.Add(r.Context(), 1)
	slog.Info("Socket connected", "user", userID, "conn", conn.ID())

	h.readLoop(r.Context(), ws, conn, ident, token)

	// Stale-connection guard in the hub: a fresh reconnect with a new conn
	// id is not evicted by this unregister.
	h.hub.Unregister(userID, conn)
	h.svc.Disconnect(context.Background(), userID)
	h.connections.Add(context.Background(), -1)
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("Socket disconnected", "user", userID, "conn", conn.ID())
}

// readLoop applies inbound frames serially for this connection. Other
// connections proceed concurrently; protocol errors are already emitted to
// the socket by the service and only logged here.
func (h *socketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, ident *session.Identity, token string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && !errors.Is(err, context.Canceled) {
				slog.Debug("Socket read failed", "user", ident.UserID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.Send(broadcast.EventError, model.ErrorPayload{Message: "invalid frame"})
			continue
		}
		h.dispatch(ctx, frame, ident, token)
	}
}

func (h *socketHandler) dispatch(ctx context.Context, frame clientFrame, ident *session.Identity, token string) {
	switch frame.Event {
	case "joinRoom":
		var p joinPayload
		if json.Unmarshal(frame.Data, &p) != nil || p.RoomID == "" {
			break
		}
		h.svc.Join(ctx, ident.UserID, token, p.RoomID, p.Password)
	case "leaveRoom":
		var p roomPayload
		if json.Unmarshal(frame.Data, &p) != nil || p.RoomID == "" {
			break
		}
		h.svc.Leave(ctx, ident.UserID, p.RoomID)
	case "message":
		var p messagePayload
		if json.Unmarshal(frame.Data, &p) != nil || p.RoomID == "" || p.Content == "" {
			break
		}
		h.svc.SendMessage(ctx, ident.UserID, p.RoomID, p.Content)
	case "messagesRead":
		var p markReadPayload
		if json.Unmarshal(frame.Data, &p) != nil || p.RoomID == "" {
			break
		}
		h.svc.MarkRead(ctx, ident.UserID, p.RoomID, p.MessageIDs)
	case "deleteMessage":
		var p deletePayload
		if json.Unmarshal(frame.Data, &p) != nil || p.RoomID == "" || p.MessageID == "" {
			break
		}
		h.svc.DeleteMessage(ctx, ident.UserID, p.RoomID, p.MessageID)
	case "heartbeat":
		h.svc.Heartbeat(ctx, ident.UserID)
	default:
		slog.Debug("Unknown socket event", "user", ident.UserID, "event", frame.Event)
	}
}
