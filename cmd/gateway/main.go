package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Nilanshjain/Wisp/internal/config"
	"github.com/Nilanshjain/Wisp/internal/fanout"
	"github.com/Nilanshjain/Wisp/internal/gatewayapi"
	"github.com/Nilanshjain/Wisp/internal/hub"
	"github.com/Nilanshjain/Wisp/internal/identity"
	"github.com/Nilanshjain/Wisp/internal/presence"
	"github.com/Nilanshjain/Wisp/internal/rooms"
	"github.com/Nilanshjain/Wisp/internal/router"
	"github.com/Nilanshjain/Wisp/internal/session"
	"github.com/Nilanshjain/Wisp/internal/telemetry"
)

// Inbound frame payloads.
type typingRequest struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type groupTypingRequest struct {
	GroupID  string `json:"groupId"`
	IsTyping bool   `json:"isTyping"`
}

type groupRequest struct {
	GroupID string `json:"groupId"`
}

func main() {
	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, "wisp-gateway")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	slog.Info("Starting Wisp realtime gateway", "nats_url", cfg.NATSURL, "listen", cfg.ListenAddr,
		"presence_backend", cfg.PresenceBackend, "group_backend", cfg.GroupBackend, "auth_mode", cfg.AuthMode)

	var kvStore *presence.KVStore

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("wisp-gateway"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected, continuing with local-only delivery", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected")
				if kvStore == nil {
					return
				}
				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if err := kvStore.Reset(js); err != nil {
					slog.Error("Failed to recreate presence buckets after reconnect", "error", err)
				}
			}),
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

	// Presence store, selected by configuration
	var store presence.Store
	switch cfg.PresenceBackend {
	case "memory":
		store = presence.NewMemoryStore()
		slog.Info("Presence store: in-memory (single instance)")
	default:
		js, jsErr := nc.JetStream()
		if jsErr != nil {
			slog.Error("Failed to create JetStream context", "error", jsErr)
			os.Exit(1)
		}
		kvStore, err = presence.NewKVStore(js, slog.Default())
		if err != nil {
			slog.Error("Failed to create presence KV buckets", "error", err)
			os.Exit(1)
		}
		store = kvStore
		slog.Info("Presence store: NATS JetStream KV", "buckets", "WISP_PRESENCE, WISP_SOCKETS")
	}

	// Group membership collaborator
	var membership rooms.Membership = rooms.StaticMembership{}
	if cfg.GroupBackend == "postgres" {
		db, dbErr := otelsql.Open("postgres", cfg.DatabaseURL,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if dbErr != nil {
			slog.Error("Failed to open database", "error", dbErr)
			os.Exit(1)
		}
		defer db.Close()
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

		if err := pingWithRetry(ctx, db); err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to PostgreSQL")
		membership = rooms.NewPostgresMembership(db)
	} else {
		slog.Warn("Group backend disabled, durable rooms and joinGroup unavailable")
	}

	// Handshake identity
	var resolver identity.Resolver
	switch cfg.AuthMode {
	case "query":
		resolver = identity.QueryResolver{}
		slog.Warn("Handshake auth: trusting userId query parameter (development mode)")
	default:
		resolver, err = identity.NewJWTResolver(cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			slog.Error("Failed to initialize JWT resolver", "error", err)
			os.Exit(1)
		}
	}

	h := hub.New(slog.Default())
	adapter := fanout.NewAdapter(fanout.NewNATSBus(nc), h, slog.Default())
	if err := adapter.Start(); err != nil {
		slog.Error("Failed to subscribe fanout adapter", "error", err)
		os.Exit(1)
	}
	defer adapter.Stop()

	rt := router.New(store, adapter, slog.Default())
	mgr := session.NewManager(store, rooms.NewResolver(membership, slog.Default()), rt, h, slog.Default())

	api := gatewayapi.NewServer(nc, rt, slog.Default())
	if err := api.Start(); err != nil {
		slog.Error("Failed to subscribe gateway API", "error", err)
		os.Exit(1)
	}
	defer api.Stop()

	meter := otel.Meter("wisp-gateway")
	socketsGauge, _ := meter.Int64ObservableGauge("gateway_local_sockets",
		metric.WithDescription("Sockets attached to this gateway instance"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(socketsGauge, int64(h.LocalSockets()))
		return nil
	}, socketsGauge)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Identity rides the handshake token; origin enforcement is the
		// edge proxy's job.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, idErr := resolver.Resolve(r)
		if idErr != nil {
			// Non-fatal: the socket proceeds as anonymous.
			if !errors.Is(idErr, identity.ErrNoIdentity) {
				slog.Debug("Handshake identity rejected", "error", idErr)
			}
			userID = ""
		}

		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			slog.Warn("WebSocket upgrade failed", "error", upErr)
			return
		}

		c := hub.NewClient(uuid.NewString(), userID, conn, slog.Default())
		c.OnFrame = func(f hub.Frame) { dispatchFrame(ctx, mgr, c, f) }
		c.OnClose = func() {
			h.Unregister(c.ID)
			mgr.Handle(ctx, session.Disconnected{SocketID: c.ID})
		}
		c.OnPong = func() {
			if c.UserID != "" {
				store.Touch(ctx, c.UserID)
			}
		}

		h.Register(c)
		mgr.Handle(ctx, session.Connected{UserID: userID, SocketID: c.ID})

		go c.WritePump()
		go c.ReadPump()
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Cancel the signal context so the drain path below still runs.
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()
	slog.Info("Gateway ready", "listen", cfg.ListenAddr)

	// Wait for shutdown
	<-sigCtx.Done()

	slog.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	api.Stop()
	adapter.Stop()
	nc.Drain()
	slog.Info("Gateway shutdown complete")
}

// dispatchFrame turns an inbound wire frame into a session intent.
func dispatchFrame(ctx context.Context, mgr *session.Manager, c *hub.Client, f hub.Frame) {
	switch f.Event {
	case "typing":
		var req typingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.ReceiverID == "" {
			return
		}
		mgr.Handle(ctx, session.TypingSent{SocketID: c.ID, ReceiverID: req.ReceiverID, IsTyping: req.IsTyping})
	case "groupTyping":
		var req groupTypingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.GroupID == "" {
			return
		}
		mgr.Handle(ctx, session.GroupTypingSent{SocketID: c.ID, GroupID: req.GroupID, IsTyping: req.IsTyping})
	case "joinGroup":
		var req groupRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.GroupID == "" {
			return
		}
		mgr.Handle(ctx, session.JoinRequested{SocketID: c.ID, GroupID: req.GroupID})
	case "leaveGroup":
		var req groupRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.GroupID == "" {
			return
		}
		mgr.Handle(ctx, session.LeaveRequested{SocketID: c.ID, GroupID: req.GroupID})
	default:
		slog.Debug("Ignoring unknown event", "event", f.Event, "socket", c.ID)
	}
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return err
}
