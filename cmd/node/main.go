// The node binary terminates websocket connections for a slice of the
// user base and runs the full delivery core: join/leave protocol,
// broadcast channel subscription, targeted queue publishing, and the
// internal delivery gateway other processes push through.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/example/chat-delivery/internal/broadcast"
	"github.com/example/chat-delivery/internal/cache"
	"github.com/example/chat-delivery/internal/config"
	"github.com/example/chat-delivery/internal/gateway"
	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/internal/locality"
	"github.com/example/chat-delivery/internal/membership"
	"github.com/example/chat-delivery/internal/protocol"
	"github.com/example/chat-delivery/internal/queue"
	"github.com/example/chat-delivery/internal/session"
	"github.com/example/chat-delivery/internal/store"
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

	meter := otel.Meter("chat-node")

	slog.Info("Starting chat node", "node", cfg.NodeID, "advertise", cfg.AdvertiseAddr)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("chat-node-"+cfg.NodeID),
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

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := queue.EnsureStream(ctx, js); err != nil {
		slog.Error("Failed to ensure delivery stream", "error", err)
		os.Exit(1)
	}

	redis, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var validator session.Validator
	if cfg.JWKSURL != "" {
		jwks, err := session.NewJWKSValidator(cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			slog.Error("Failed to load JWKS", "error", err)
			os.Exit(1)
		}
		defer jwks.Close()
		validator = jwks
	} else {
		slog.Warn("No JWKS_URL configured, accepting any token")
		validator = session.Insecure{}
	}

	tracker := membership.NewTracker()
	sockets := hub.New()
	registry := locality.NewRegistry(redis, cfg.LocalityTTL)
	rooms := cache.NewRoomCache(redis, st.FindRoomByID, cfg.CacheTTL)
	users := cache.NewUserCache(redis, st.FindUserByID, st.FindUsersByIDs, cfg.CacheTTL)

	publisher := broadcast.NewPublisher(nc, cfg.NodeID, meter)
	subscriber := broadcast.NewSubscriber(cfg.NodeID, tracker, sockets, meter)
	sub, err := subscriber.Subscribe(nc)
	if err != nil {
		slog.Error("Failed to subscribe to broadcast channel", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	var targeter protocol.Targeter
	if cfg.TargetedFanoutThreshold > 0 {
		targeter = queue.NewPublisher(js, cfg.ChunkSize, meter)
	}

	svc := protocol.NewService(protocol.Params{
		Store:           st,
		Rooms:           rooms,
		Users:           users,
		Tracker:         tracker,
		Hub:             sockets,
		Registry:        registry,
		Validator:       validator,
		Broadcast:       publisher,
		Queue:           targeter,
		NodeAddr:        cfg.AdvertiseAddr,
		LookupRetries:   cfg.RoomLookupRetries,
		LookupDelay:     cfg.RoomLookupDelay,
		PageSize:        cfg.MessagePageSize,
		FanoutThreshold: cfg.TargetedFanoutThreshold,
	}, meter)

	gw := gateway.NewServer(sockets, meter)
	gatewaySrv := &http.Server{Addr: cfg.GatewayListenAddr, Handler: gw.Router()}
	go func() {
		slog.Info("Delivery gateway listening", "addr", cfg.GatewayListenAddr)
		if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	socketSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newSocketHandler(svc, sockets, registry, validator, cfg.AdvertiseAddr, meter),
	}
	go func() {
		slog.Info("Websocket endpoint listening", "addr", cfg.ListenAddr)
		if err := socketSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Socket server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down chat node")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	socketSrv.Shutdown(shutdownCtx)
	gatewaySrv.Shutdown(shutdownCtx)
	nc.Drain()
}
