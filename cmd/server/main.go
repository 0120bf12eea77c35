// VoxWallet - voice-driven wallet session server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/voxwallet/internal/api"
	"github.com/ashureev/voxwallet/internal/config"
	"github.com/ashureev/voxwallet/internal/conversation"
	"github.com/ashureev/voxwallet/internal/credential"
	"github.com/ashureev/voxwallet/internal/health"
	"github.com/ashureev/voxwallet/internal/identity"
	"github.com/ashureev/voxwallet/internal/middleware"
	"github.com/ashureev/voxwallet/internal/realtime"
	"github.com/ashureev/voxwallet/internal/session"
	"github.com/ashureev/voxwallet/internal/store"
	"github.com/ashureev/voxwallet/internal/telemetry"
	"github.com/ashureev/voxwallet/internal/toolexec"
	"github.com/ashureev/voxwallet/internal/toolgate"
	"github.com/ashureev/voxwallet/internal/voice"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				slog.Warn("Failed to flush traces", "error", err)
			}
		}()
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	journal := store.NewJournal(repo, cfg.ConversationLog.QueueSize, logger)
	conversationLogger, err := conversation.NewLogger(conversation.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   cfg.Endpoints.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	credentials := credential.NewClient(cfg.Endpoints.CredentialURL, cfg.Endpoints.Timeout, httpClient)
	tools := toolexec.NewClient(cfg.Endpoints.ToolURL, cfg.Endpoints.Timeout, httpClient)
	dialer := &realtime.Dialer{
		URL:              cfg.Realtime.URL,
		Model:            cfg.Realtime.Model,
		HandshakeTimeout: cfg.Endpoints.Timeout,
		Logger:           logger,
	}
	dial := func(ctx context.Context, credential string) (session.Channel, error) {
		conn, err := dialer.Dial(ctx, credential)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	policy := toolgate.NewPolicy(cfg.Tools.Gated)
	sessionCfg := session.Config{
		Realtime:          realtimeSession(cfg.Realtime),
		Policy:            policy,
		VolumeInterval:    cfg.Volume.Interval,
		SpeakingThreshold: cfg.Volume.SpeakingThreshold,
	}
	recorders := session.Recorders{journal, conversationLogger}

	mgr := voice.NewManager(func(e *voice.Entry) voice.Orchestrator {
		return session.New(session.Dependencies{
			Media:       e.Relay(),
			Credentials: credentials,
			Dial:        dial,
			Executor:    tools,
			Bridge:      e,
			Recorder:    recorders,
			Listener:    e,
			Logger:      logger.With("client", e.Key()),
		}, sessionCfg)
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, mgr.Len)
	sessionHandler := api.NewSessionHandler(mgr, repo, limiter, api.ClientConfig{
		GatedTools:        policy.Names(),
		SpeakingThreshold: cfg.Volume.SpeakingThreshold,
		VolumeIntervalMS:  cfg.Volume.Interval.Milliseconds(),
		TelemetryEnabled:  cfg.Telemetry.Enabled,
	})
	wsHandler := voice.NewWebSocketHandler(mgr, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Note: the voice socket is long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "voxwallet"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.Retention)

	if cfg.GRPCHealthAddr != "" {
		healthSrv := health.NewServer(repo, 10*time.Second, logger)
		go func() {
			if err := healthSrv.Listen(ctx, cfg.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop sessions first so their final events reach the journal.
	mgr.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := journal.Close(shutdownCtx); err != nil {
		slog.Warn("Session journal did not drain", "error", err)
	}
	if err := conversationLogger.Close(); err != nil {
		slog.Warn("Failed to close conversation logger", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func realtimeSession(c config.RealtimeConfig) realtime.SessionConfig {
	sc := realtime.SessionConfig{
		Modalities:   []string{"text", "audio"},
		Instructions: c.Instructions,
		Voice:        c.Voice,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         c.VADThreshold,
			PrefixPaddingMS:   c.PrefixPaddingMS,
			SilenceDurationMS: c.SilenceDurationMS,
		},
	}
	if c.TranscriptionModel != "" {
		sc.Transcription = &realtime.Transcription{Model: c.TranscriptionModel}
	}
	return sc
}
