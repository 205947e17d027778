// Package queue is the targeted delivery path: instead of broadcasting an
// event to every node, the producer chunks the room's participant list and
// publishes one task per chunk on a JetStream work queue. Workers consume
// the tasks, resolve each participant's node through the locality registry
// and push the event to that node's internal gateway. This path is used
// for rooms above the fan-out threshold and by producers that hold no
// sockets at all.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamName identifies the work-queue stream shared by all workers.
const StreamName = "CHAT_DELIVERY"

// One subject per event class so consumers can tell task kinds apart
// without opening the body.
const (
	SubjectMessage      = "chat.message"
	SubjectLeave        = "chat.leave"
	SubjectMark         = "chat.mark"
	SubjectParticipants = "chat.participants"
)

// Task is one chunk of a targeted delivery. Participants never exceeds the
// producer's chunk size. Payload is the event body exactly as a socket
// would receive it.
type Task struct {
	RoomID       string          `json:"roomId"`
	Event        string          `json:"event"`
	Participants []string        `json:"participants"`
	Payload      json.RawMessage `json:"payload"`
}

// SubjectFor maps a client event name to its queue subject. The zero value
// means the event has no targeted path and must go over broadcast.
func SubjectFor(event string) string {
	switch event {
	case "message":
		return SubjectMessage
	case "userLeft":
		return SubjectLeave
	case "messagesRead":
		return SubjectMark
	case "participantsUpdate":
		return SubjectParticipants
	}
	return ""
}

// EnsureStream creates or updates the delivery stream. Work-queue
// retention: each task is consumed by exactly one worker.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectMessage, SubjectLeave, SubjectMark, SubjectParticipants},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    time.Hour,
		Storage:   jetstream.FileStorage,
	})
	return err
}

// Chunk splits ids into consecutive slices of at most size elements. The
// returned slices alias ids.
func Chunk(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Publisher chunks participant lists and enqueues delivery tasks.
type Publisher struct {
	js        jetstream.JetStream
	chunkSize int
	enqueued  metric.Int64Counter
}

// NewPublisher builds a publisher that splits targets into chunks of
// chunkSize participants.
func NewPublisher(js jetstream.JetStream, chunkSize int, meter metric.Meter) *Publisher {
	enqueued, _ := meter.Int64Counter("delivery_tasks_enqueued_total",
		metric.WithDescription("Targeted delivery tasks put on the work queue"))
	return &Publisher{js: js, chunkSize: chunkSize, enqueued: enqueued}
}

// Publish enqueues event for every participant, one task per chunk. The
// producing side is done once the tasks are acknowledged by the stream;
// actual socket delivery happens in the workers and is best-effort.
func (p *Publisher) Publish(ctx context.Context, roomID, event string, participants []string, payload interface{}) error {
	subject := SubjectFor(event)
	if subject == "" {
		slog.WarnContext(ctx, "Event has no targeted delivery subject", "event", event)
		return nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, chunk := range Chunk(participants, p.chunkSize) {
		task := Task{RoomID: roomID, Event: event, Participants: chunk, Payload: payloadJSON}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			return err
		}
		p.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}
	return nil
}
