// The delivery-worker binary consumes targeted delivery tasks from the
// work queue, resolves each participant's node through the locality
// registry, and pushes the event to that node's gateway. It holds no
// sockets itself; any number of workers can run side by side since the
// stream hands each task to exactly one of them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/chat-delivery/internal/cache"
	"github.com/example/chat-delivery/internal/config"
	"github.com/example/chat-delivery/internal/gateway"
	"github.com/example/chat-delivery/internal/locality"
	"github.com/example/chat-delivery/internal/queue"
	"github.com/example/chat-delivery/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := telemetry.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("delivery-worker")

	slog.Info("Starting delivery worker", "nats_url", cfg.NatsURL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("delivery-worker"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	redis, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	registry := locality.NewRegistry(redis, cfg.LocalityTTL)
	deliverer := queue.NewDeliverer(registry, gateway.NewClient(), meter)

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := queue.EnsureStream(ctx, js); err != nil {
		slog.Error("Failed to ensure delivery stream", "error", err)
		os.Exit(1)
	}

	stream, err := js.Stream(ctx, queue.StreamName)
	if err != nil {
		slog.Error("Failed to get stream", "error", err)
		os.Exit(1)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "delivery-worker",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		slog.Error("Failed to create consumer", "error", err)
		os.Exit(1)
	}
	slog.Info("JetStream consumer ready", "name", "delivery-worker")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		natsMsg := &nats.Msg{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			Header:  msg.Headers(),
		}
		ctx, span := telemetry.StartConsumerSpan(context.Background(), natsMsg, "deliver task")
		defer span.End()
		span.SetAttributes(attribute.String("delivery.subject", msg.Subject()))

		if err := deliverer.Handle(ctx, msg.Data()); err != nil {
			// Unreadable task: redelivery cannot fix it, drop it.
			slog.WarnContext(ctx, "Dropping unreadable delivery task", "subject", msg.Subject(), "error", err)
			span.RecordError(err)
		}
		msg.Ack()
	})
	if err != nil {
		slog.Error("Failed to start consumer", "error", err)
		os.Exit(1)
	}
	defer cc.Stop()

	slog.Info("Delivery worker ready", "stream", queue.StreamName)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down delivery worker")
	nc.Drain()
}
