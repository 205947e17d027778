package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/example/chat-delivery/internal/cache"
	"github.com/example/chat-delivery/internal/locality"
)

func TestChunk(t *testing.T) {
	ids := make([]string, 450)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%03d", i)
	}

	chunks := Chunk(ids, 200)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks for 450 ids at size 200, got %d", len(chunks))
	}
	if len(chunks[0]) != 200 || len(chunks[1]) != 200 || len(chunks[2]) != 50 {
		t.Errorf("Unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	// Every id appears exactly once across all chunks.
	seen := make(map[string]int)
	for _, chunk := range chunks {
		for _, id := range chunk {
			seen[id]++
		}
	}
	if len(seen) != len(ids) {
		t.Errorf("Expected %d distinct ids, got %d", len(ids), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Id %s appears %d times", id, n)
		}
	}
}

func TestChunk_Edges(t *testing.T) {
	if got := Chunk(nil, 200); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
	if got := Chunk([]string{"a"}, 200); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("Expected single chunk for single id, got %v", got)
	}
	if got := Chunk([]string{"a", "b", "c", "d"}, 2); len(got) != 2 {
		t.Errorf("Expected 2 chunks, got %d", len(got))
	}
}

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"message", SubjectMessage},
		{"userLeft", SubjectLeave},
		{"messagesRead", SubjectMark},
		{"participantsUpdate", SubjectParticipants},
		{"joinRoomSuccess", ""},
	}
	for _, tt := range tests {
		if got := SubjectFor(tt.event); got != tt.want {
			t.Errorf("SubjectFor(%s) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

type push struct {
	nodeAddr string
	event    string
	userIDs  []string
}

type fakePoster struct {
	pushes  []push
	failFor string
}

func (p *fakePoster) Push(_ context.Context, nodeAddr, event, _ string, userIDs []string, _ json.RawMessage) error {
	if nodeAddr == p.failFor {
		return fmt.Errorf("node %s unreachable", nodeAddr)
	}
	p.pushes = append(p.pushes, push{nodeAddr: nodeAddr, event: event, userIDs: userIDs})
	return nil
}

func TestDeliverer_GroupsByNode(t *testing.T) {
	ctx := context.Background()
	registry := locality.NewRegistry(cache.NewMemory(), time.Minute)
	registry.Set(ctx, "u1", "node-a:8281")
	registry.Set(ctx, "u2", "node-b:8281")
	registry.Set(ctx, "u3", "node-a:8281")
	// u4 has no socket anywhere.

	poster := &fakePoster{}
	d := NewDeliverer(registry, poster, otel.Meter("test"))

	task, _ := json.Marshal(Task{
		RoomID:       "r1",
		Event:        "message",
		Participants: []string{"u1", "u2", "u3", "u4"},
		Payload:      json.RawMessage(`{"content":"hi"}`),
	})
	if err := d.Handle(ctx, task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(poster.pushes) != 2 {
		t.Fatalf("Expected 2 pushes (one per node), got %d", len(poster.pushes))
	}
	// Nodes are pushed in sorted order.
	if poster.pushes[0].nodeAddr != "node-a:8281" || len(poster.pushes[0].userIDs) != 2 {
		t.Errorf("Unexpected first push: %+v", poster.pushes[0])
	}
	if poster.pushes[1].nodeAddr != "node-b:8281" || len(poster.pushes[1].userIDs) != 1 {
		t.Errorf("Unexpected second push: %+v", poster.pushes[1])
	}
}

func TestDeliverer_PushFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	registry := locality.NewRegistry(cache.NewMemory(), time.Minute)
	registry.Set(ctx, "u1", "node-a:8281")
	registry.Set(ctx, "u2", "node-b:8281")

	poster := &fakePoster{failFor: "node-a:8281"}
	d := NewDeliverer(registry, poster, otel.Meter("test"))

	task, _ := json.Marshal(Task{RoomID: "r1", Event: "message", Participants: []string{"u1", "u2"}})
	if err := d.Handle(ctx, task); err != nil {
		t.Fatalf("Expected push failure to be absorbed, got %v", err)
	}
	if len(poster.pushes) != 1 || poster.pushes[0].nodeAddr != "node-b:8281" {
		t.Errorf("Expected the healthy node to still be pushed, got %+v", poster.pushes)
	}
}

func TestDeliverer_BadTask(t *testing.T) {
	d := NewDeliverer(locality.NewRegistry(cache.NewMemory(), time.Minute), &fakePoster{}, otel.Meter("test"))
	if err := d.Handle(context.Background(), []byte("not json")); err == nil {
		t.Error("Expected error for unreadable task")
	}
}
