package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-delivery/internal/locality"
)

// Poster pushes one event batch to a node's internal gateway. Implemented
// by the gateway HTTP client.
type Poster interface {
	Push(ctx context.Context, nodeAddr, event, roomID string, userIDs []string, payload json.RawMessage) error
}

// Deliverer is the worker side of the queue. For each task it resolves
// every participant's node through the locality registry, groups the ones
// that share a node, and pushes one gateway request per node. A user with
// no registry entry has no live socket anywhere and is skipped; a failed
// gateway push is logged and dropped, never retried.
type Deliverer struct {
	registry *locality.Registry
	poster   Poster
	pushed   metric.Int64Counter
	skipped  metric.Int64Counter
}

// NewDeliverer builds a worker-side task handler.
func NewDeliverer(registry *locality.Registry, poster Poster, meter metric.Meter) *Deliverer {
	pushed, _ := meter.Int64Counter("delivery_gateway_pushes_total",
		metric.WithDescription("Gateway push requests sent by delivery workers"))
	skipped, _ := meter.Int64Counter("delivery_targets_skipped_total",
		metric.WithDescription("Targets skipped for lack of a locality entry"))
	return &Deliverer{registry: registry, poster: poster, pushed: pushed, skipped: skipped}
}

// Handle processes one raw task. It returns an error only when the task
// itself is unreadable; per-target failures are absorbed so the task is
// acknowledged exactly once.
func (d *Deliverer) Handle(ctx context.Context, data []byte) error {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}

	byNode := make(map[string][]string)
	for _, userID := range task.Participants {
		addr, ok := d.registry.Get(ctx, userID)
		if !ok {
			d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("event", task.Event)))
			continue
		}
		byNode[addr] = append(byNode[addr], userID)
	}
	if len(byNode) == 0 {
		return nil
	}

	// Deterministic push order keeps logs and traces readable.
	nodes := make([]string, 0, len(byNode))
	for addr := range byNode {
		nodes = append(nodes, addr)
	}
	sort.Strings(nodes)

	for _, addr := range nodes {
		if err := d.poster.Push(ctx, addr, task.Event, task.RoomID, byNode[addr], task.Payload); err != nil {
			slog.WarnContext(ctx, "Gateway push failed", "node", addr, "event", task.Event, "targets", len(byNode[addr]), "error", err)
			continue
		}
		d.pushed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", task.Event)))
	}
	return nil
}
