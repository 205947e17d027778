package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/example/chat-delivery/internal/broadcast"
	"github.com/example/chat-delivery/internal/hub"
)

type fakeConn struct {
	id     string
	events []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, _ interface{}) error {
	c.events = append(c.events, event)
	return nil
}

func deliverBody(t *testing.T, event, roomID string, userIDs []string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(DeliverRequest{RoomID: roomID, Event: event, UserIDs: userIDs, Payload: raw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func TestServer_DeliversToLocalSocket(t *testing.T) {
	h := hub.New()
	conn := &fakeConn{id: "c1"}
	h.Register("u1", conn)
	srv := NewServer(h, otel.Meter("test"))

	body := deliverBody(t, broadcast.EventMessage, "r1", []string{"u1"}, map[string]string{"content": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/internal/deliver/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp DeliverResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Delivered != 1 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if len(conn.events) != 1 || conn.events[0] != broadcast.EventMessage {
		t.Errorf("Expected message event on socket, got %v", conn.events)
	}
}

func TestServer_AbsentSocketStillSucceeds(t *testing.T) {
	srv := NewServer(hub.New(), otel.Meter("test"))

	body := deliverBody(t, broadcast.EventUserLeft, "r1", []string{"ghost"}, map[string]string{"userId": "ghost"})
	req := httptest.NewRequest(http.MethodPost, "/internal/deliver/leave", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for absent socket, got %d", rec.Code)
	}
	var resp DeliverResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Delivered != 0 {
		t.Errorf("Expected success with 0 delivered, got %+v", resp)
	}
}

func TestServer_UnknownEventStillSucceeds(t *testing.T) {
	srv := NewServer(hub.New(), otel.Meter("test"))

	body := deliverBody(t, "mysteryEvent", "r1", []string{"u1"}, map[string]string{})
	req := httptest.NewRequest(http.MethodPost, "/internal/deliver/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for unknown event, got %d", rec.Code)
	}
}

func TestServer_MalformedBody(t *testing.T) {
	srv := NewServer(hub.New(), otel.Meter("test"))

	req := httptest.NewRequest(http.MethodPost, "/internal/deliver/message", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestClient_PushRoundTrip(t *testing.T) {
	h := hub.New()
	conn := &fakeConn{id: "c1"}
	h.Register("u1", conn)
	srv := NewServer(h, otel.Meter("test"))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	nodeAddr := strings.TrimPrefix(ts.URL, "http://")

	client := NewClient()
	payload, _ := json.Marshal(map[string]string{"content": "hello"})
	if err := client.Push(context.Background(), nodeAddr, broadcast.EventMessage, "r1", []string{"u1"}, payload); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(conn.events) != 1 {
		t.Errorf("Expected 1 event after push, got %v", conn.events)
	}
}

func TestPathFor(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{broadcast.EventMessage, "message"},
		{broadcast.EventMessagesRead, "mark"},
		{broadcast.EventJoinRoomSuccess, "join"},
		{broadcast.EventParticipantsUpdate, "participants"},
		{broadcast.EventUserLeft, "leave"},
		{"anythingElse", "message"},
	}
	for _, tt := range tests {
		if got := pathFor(tt.event); got != tt.want {
			t.Errorf("pathFor(%s) = %q, want %q", tt.event, got, tt.want)
		}
	}
}
