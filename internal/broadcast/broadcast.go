// Package broadcast is the cheap all-node fan-out path: one shared pub/sub
// subject that every node subscribes to. An envelope carries the origin
// node id so the publisher's own subscription discards it (the event was
// already delivered locally). Delivery is best-effort and unordered across
// publishers; a dropped envelope is never retried.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/internal/membership"
	"github.com/example/chat-delivery/pkg/telemetry"
)

// Subject is the single shared broadcast topic.
const Subject = "chat.broadcast"

// Envelope is the wire format of the broadcast channel. Payload is encoded
// independently of the envelope so the subscriber can decode it per the
// static event table.
type Envelope struct {
	ServerID string          `json:"serverId"`
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// Publisher sends envelopes on the shared subject. Publish failures are
// logged and dropped: the store mutation that triggered the event already
// succeeded, and live push is best-effort.
type Publisher struct {
	nc       *nats.Conn
	serverID string
	counter  metric.Int64Counter
}

// NewPublisher builds a publisher identified by serverID on the channel.
func NewPublisher(nc *nats.Conn, serverID string, meter metric.Meter) *Publisher {
	counter, _ := meter.Int64Counter("broadcast_published_total",
		metric.WithDescription("Envelopes published on the broadcast channel"))
	return &Publisher{nc: nc, serverID: serverID, counter: counter}
}

// Publish wraps payload in an envelope and sends it. Fire-and-forget.
func (p *Publisher) Publish(ctx context.Context, roomID, event string, payload interface{}) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "Failed to marshal broadcast payload", "event", event, "error", err)
		return
	}
	env := Envelope{ServerID: p.serverID, RoomID: roomID, Event: event, Payload: payloadJSON}
	data, err := json.Marshal(env)
	if err != nil {
		slog.WarnContext(ctx, "Failed to marshal broadcast envelope", "event", event, "error", err)
		return
	}
	if err := telemetry.TracedPublish(ctx, p.nc, Subject, data); err != nil {
		slog.WarnContext(ctx, "Broadcast publish failed", "room", roomID, "event", event, "error", err)
		return
	}
	p.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// Subscriber re-emits envelopes from other nodes to the local sockets of
// the target room. Targets come from the membership tracker, not the
// locality registry.
type Subscriber struct {
	serverID  string
	tracker   *membership.Tracker
	hub       *hub.Hub
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewSubscriber builds the subscriber side of the channel.
func NewSubscriber(serverID string, tracker *membership.Tracker, h *hub.Hub, meter metric.Meter) *Subscriber {
	delivered, _ := meter.Int64Counter("broadcast_delivered_total",
		metric.WithDescription("Local socket deliveries from the broadcast channel"))
	dropped, _ := meter.Int64Counter("broadcast_dropped_total",
		metric.WithDescription("Envelopes dropped by the subscriber"))
	return &Subscriber{serverID: serverID, tracker: tracker, hub: h, delivered: delivered, dropped: dropped}
}

// Subscribe attaches the handler to the shared subject. No queue group:
// every node needs every envelope.
func (s *Subscriber) Subscribe(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(Subject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "broadcast receive")
		defer span.End()
		s.Handle(ctx, msg.Data)
	})
}

// Handle processes one raw envelope. Returns the number of local sockets
// the event was re-emitted to; 0 with no error means suppressed or no
// local members.
func (s *Subscriber) Handle(ctx context.Context, data []byte) int {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.WarnContext(ctx, "Invalid broadcast envelope", "error", err)
		s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid")))
		return 0
	}

	// Origin suppression: this node already delivered the event locally
	// before publishing it.
	if env.ServerID == s.serverID {
		return 0
	}

	payload, err := DecodePayload(env.Event, env.Payload)
	if err != nil {
		slog.DebugContext(ctx, "Dropping undecodable broadcast", "event", env.Event, "error", err)
		s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_event")))
		return 0
	}

	members := s.tracker.Members(env.RoomID)
	if len(members) == 0 {
		return 0
	}

	n := s.hub.SendToUsers(members, env.Event, payload)
	s.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", env.Event)))
	slog.DebugContext(ctx, "Re-emitted broadcast", "room", env.RoomID, "event", env.Event, "delivered", n)
	return n
}
