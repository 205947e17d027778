package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/internal/membership"
	"github.com/example/chat-delivery/internal/model"
)

type recordConn struct {
	id     string
	events []string
}

func (c *recordConn) ID() string { return c.id }

func (c *recordConn) Send(event string, _ interface{}) error {
	c.events = append(c.events, event)
	return nil
}

func envelope(t *testing.T, serverID, roomID, event string, payload interface{}) []byte {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Envelope{ServerID: serverID, RoomID: roomID, Event: event, Payload: payloadJSON})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func newSubscriber(tracker *membership.Tracker, h *hub.Hub) *Subscriber {
	return NewSubscriber("node-a", tracker, h, otel.Meter("test"))
}

func TestSubscriber_OriginSuppression(t *testing.T) {
	tracker := membership.NewTracker()
	h := hub.New()
	conn := &recordConn{id: "c1"}
	tracker.Add("u1", "r1")
	h.Register("u1", conn)

	sub := newSubscriber(tracker, h)

	// Envelope published by this very node must not be re-delivered.
	data := envelope(t, "node-a", "r1", EventMessage, model.MessageResponse{RoomID: "r1"})
	if n := sub.Handle(context.Background(), data); n != 0 {
		t.Errorf("Expected 0 deliveries for own envelope, got %d", n)
	}
	if len(conn.events) != 0 {
		t.Errorf("Expected no events on local socket, got %v", conn.events)
	}
}

func TestSubscriber_ReEmitsToLocalMembers(t *testing.T) {
	tracker := membership.NewTracker()
	h := hub.New()
	inRoom := &recordConn{id: "c1"}
	otherRoom := &recordConn{id: "c2"}
	tracker.Add("u1", "r1")
	tracker.Add("u2", "r2")
	h.Register("u1", inRoom)
	h.Register("u2", otherRoom)

	sub := newSubscriber(tracker, h)

	data := envelope(t, "node-b", "r1", EventMessage, model.MessageResponse{RoomID: "r1", Content: "hi"})
	if n := sub.Handle(context.Background(), data); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if len(inRoom.events) != 1 || inRoom.events[0] != EventMessage {
		t.Errorf("Expected message event for room member, got %v", inRoom.events)
	}
	if len(otherRoom.events) != 0 {
		t.Errorf("Expected no events for other room, got %v", otherRoom.events)
	}
}

func TestSubscriber_UnknownEventDropped(t *testing.T) {
	tracker := membership.NewTracker()
	h := hub.New()
	conn := &recordConn{id: "c1"}
	tracker.Add("u1", "r1")
	h.Register("u1", conn)

	sub := newSubscriber(tracker, h)

	data := envelope(t, "node-b", "r1", "totallyNewEvent", map[string]string{"x": "y"})
	if n := sub.Handle(context.Background(), data); n != 0 {
		t.Errorf("Expected unknown event to be dropped, got %d deliveries", n)
	}
}

func TestSubscriber_InvalidEnvelopeDropped(t *testing.T) {
	sub := newSubscriber(membership.NewTracker(), hub.New())
	if n := sub.Handle(context.Background(), []byte("not json")); n != 0 {
		t.Errorf("Expected invalid envelope to be dropped, got %d", n)
	}
}

func TestDecodePayload_Table(t *testing.T) {
	tests := []struct {
		event   string
		payload interface{}
	}{
		{EventMessage, model.MessageResponse{RoomID: "r1", Content: "hello"}},
		{EventMessagesRead, model.MessagesRead{UserID: "u1", MessageIDs: []string{"m1"}}},
		{EventParticipantsUpdate, []model.UserResponse{{ID: "u1", Name: "A"}}},
		{EventUserLeft, map[string]string{"userId": "u1", "userName": "A"}},
		{EventRoomUpdate, model.Room{ID: "r1", Name: "general"}},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			raw, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := DecodePayload(tt.event, raw); err != nil {
				t.Errorf("DecodePayload(%s) failed: %v", tt.event, err)
			}
		})
	}

	if _, err := DecodePayload("bogus", []byte("{}")); err == nil {
		t.Error("Expected error for unknown event")
	}
}
