// Cardbridge - chat surface to AI-agent bridge server
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

	"github.com/avereyev/cardbridge/internal/api"
	"github.com/avereyev/cardbridge/internal/backend"
	"github.com/avereyev/cardbridge/internal/chat"
	"github.com/avereyev/cardbridge/internal/config"
	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/avereyev/cardbridge/internal/identity"
	"github.com/avereyev/cardbridge/internal/middleware"
	"github.com/avereyev/cardbridge/internal/store"
	"github.com/avereyev/cardbridge/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	trans, err := transcript.New(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
		QueueSize:     cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := trans.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	agentClient, err := backend.NewClient(backend.Config{Address: cfg.AgentAddr}, logger)
	if err != nil {
		slog.Error("Failed to connect to agent service", "error", err)
		os.Exit(1)
	}
	defer agentClient.Close()

	// Wire the turn engine.
	reg := chat.NewRegistry()
	surface := chat.NewSurface(reg, trans)
	ledger := engine.NewLedger(repo, cfg.LedgerCap)
	eng := engine.New(engine.Options{
		Ledger:            ledger,
		Backend:           agentClient,
		Surface:           surface,
		WaitWindow:        cfg.WaitWindow,
		StreamThrottle:    cfg.StreamThrottle,
		PermissionTimeout: cfg.PermissionTimeout,
		WhitelistedTools:  cfg.WhitelistedTools,
	})
	agentClient.SetEvents(eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentClient.Start(ctx)
	eng.StartMaintenance(ctx, cfg.MaintenanceTick)
	slog.Info("Turn engine started",
		"wait_window", cfg.WaitWindow,
		"stream_throttle", cfg.StreamThrottle,
		"permission_timeout", cfg.PermissionTimeout)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, eng)
	wsHandler := chat.NewWebSocketHandler(eng, reg, surface, trans, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint for chat clients.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket connections stay open indefinitely; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
