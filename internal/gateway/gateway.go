// Package gateway is the node-internal HTTP surface that delivery workers
// push targeted events through. It only ever touches sockets registered on
// this node; routing a user to the right node is the worker's job. Every
// endpoint answers success even when nothing was delivered, because by the
// time a task reaches a gateway the source mutation is already durable and
// a missing socket just means the user is gone.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-delivery/internal/broadcast"
	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/pkg/telemetry"
)

// DeliverRequest is the body a worker posts to a gateway endpoint.
type DeliverRequest struct {
	RoomID  string          `json:"roomId"`
	Event   string          `json:"event"`
	UserIDs []string        `json:"userIds"`
	Payload json.RawMessage `json:"payload"`
}

// DeliverResponse reports how many local sockets received the event.
type DeliverResponse struct {
	Success   bool `json:"success"`
	Delivered int  `json:"delivered"`
}

// Server handles internal delivery pushes for one node.
type Server struct {
	hub       *hub.Hub
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewServer builds the gateway around the node's socket hub.
func NewServer(h *hub.Hub, meter metric.Meter) *Server {
	delivered, _ := meter.Int64Counter("gateway_delivered_total",
		metric.WithDescription("Local socket deliveries via the internal gateway"))
	dropped, _ := meter.Int64Counter("gateway_dropped_total",
		metric.WithDescription("Gateway targets with no local socket"))
	return &Server{hub: h, delivered: delivered, dropped: dropped}
}

// Router mounts the delivery endpoints. The paths mirror the event classes
// of the work queue; all of them share the one deliver handler since the
// event name travels in the body.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/internal/deliver", func(r chi.Router) {
		r.Post("/message", s.handleDeliver)
		r.Post("/mark", s.handleDeliver)
		r.Post("/join", s.handleDeliver)
		r.Post("/participants", s.handleDeliver)
		r.Post("/leave", s.handleDeliver)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartHTTPServerSpan(r, "gateway deliver")
	defer span.End()

	var req DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Malformed bodies are the one case the caller should hear about.
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("chat.room", req.RoomID),
		attribute.String("chat.event", req.Event),
		attribute.Int("chat.targets", len(req.UserIDs)),
	)

	n := s.Deliver(ctx, &req)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeliverResponse{Success: true, Delivered: n})
}

// Deliver pushes the event to whichever of the targets hold a socket on
// this node. Undecodable payloads and absent sockets are dropped; the
// return value is purely informational.
func (s *Server) Deliver(ctx context.Context, req *DeliverRequest) int {
	payload, err := broadcast.DecodePayload(req.Event, req.Payload)
	if err != nil {
		slog.WarnContext(ctx, "Dropping undecodable gateway push", "event", req.Event, "error", err)
		s.dropped.Add(ctx, int64(len(req.UserIDs)), metric.WithAttributes(attribute.String("reason", "unknown_event")))
		return 0
	}

	n := s.hub.SendToUsers(req.UserIDs, req.Event, payload)
	s.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", req.Event)))
	if missed := len(req.UserIDs) - n; missed > 0 {
		s.dropped.Add(ctx, int64(missed), metric.WithAttributes(attribute.String("reason", "no_socket")))
		slog.DebugContext(ctx, "Gateway targets without local socket", "room", req.RoomID, "event", req.Event, "missed", missed)
	}
	return n
}

// Client posts delivery requests to other nodes' gateways. It satisfies
// the queue's Poster.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a gateway client with a short per-push timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// pathFor maps an event name to its gateway endpoint.
func pathFor(event string) string {
	switch event {
	case broadcast.EventMessagesRead:
		return "mark"
	case broadcast.EventJoinRoomSuccess:
		return "join"
	case broadcast.EventParticipantsUpdate:
		return "participants"
	case broadcast.EventUserLeft:
		return "leave"
	}
	return "message"
}

// Push sends one event batch to the gateway at nodeAddr.
func (c *Client) Push(ctx context.Context, nodeAddr, event, roomID string, userIDs []string, payload json.RawMessage) error {
	body, err := json.Marshal(DeliverRequest{RoomID: roomID, Event: event, UserIDs: userIDs, Payload: payload})
	if err != nil {
		return err
	}
	url := "http://" + nodeAddr + "/internal/deliver/" + pathFor(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("gateway returned " + resp.Status)
	}
	return nil
}
