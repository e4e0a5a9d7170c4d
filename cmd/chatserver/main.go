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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tasklink/chat-realtime/internal/api"
	"github.com/tasklink/chat-realtime/internal/auth"
	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/config"
	"github.com/tasklink/chat-realtime/internal/hub"
	"github.com/tasklink/chat-realtime/internal/messaging"
	"github.com/tasklink/chat-realtime/internal/session"
	"github.com/tasklink/chat-realtime/internal/storage"
	"github.com/tasklink/chat-realtime/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel())
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Storage ---
	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Redis (optional) ---
	var (
		rdb      *redis.Client
		sessions *session.Store
		presence api.PresenceMirror
	)
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, serverName)
		if err != nil {
			return err
		}
		defer sessions.Close()
		sessions.SetStaleAfter(3 * (cfg.HeartbeatInterval + cfg.HeartbeatTimeout))
		rdb = sessions.Client()
		presence = sessions
	}
	participants := chat.NewParticipantStore(rdb, store, cfg.ParticipantsTTL, logger)

	// --- NATS (optional) ---
	var (
		relay      hub.Relay
		natsClient *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chat-realtime-" + serverName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		relay = messaging.NewRelay(natsClient)
	}

	// --- Hub ---
	hubCfg := hub.DefaultConfig()
	hubCfg.InstanceID = serverName
	hubCfg.TypingWindow = cfg.TypingWindow
	hubCfg.PersistTimeout = cfg.PersistTimeout
	hubCfg.LookupTimeout = cfg.LookupTimeout
	h := hub.New(hubCfg, store, participants, relay, logger)

	if natsClient != nil {
		if err := natsClient.SubscribeChatEvents(h.DeliverRelayed); err != nil {
			return err
		}
	}

	// --- WebSocket + HTTP ---
	authenticator, err := auth.New(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenCookie)
	if err != nil {
		return err
	}
	dispatcher := ws.NewMessageDispatcher(ctx, h, logger)
	wsServer := ws.NewServer(ws.ServerConfigFrom(cfg), authenticator, h, sessions, dispatcher.Dispatch, logger)
	if err := wsServer.Start(); err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Auth:      authenticator,
		Store:     store,
		Hub:       h,
		Presence:  presence,
		WebSocket: wsServer,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.WithCORS(router, cfg.AllowedOrigins),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}

	logger.Info("chat server starting",
		"listen_addr", cfg.ListenAddr,
		"server_name", serverName,
		"storage", cfg.StorageDriver,
		"redis", cfg.RedisAddr != "",
		"nats", cfg.NATSURL != "",
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
	)

	errc := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		_ = wsServer.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := wsServer.Shutdown(); err != nil {
		logger.Warn("websocket shutdown", "error", err)
	}
	return nil
}
