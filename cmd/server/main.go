// Teverse lead-capture chat server
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

	"github.com/teverse/leadchat/internal/api"
	"github.com/teverse/leadchat/internal/chat"
	"github.com/teverse/leadchat/internal/config"
	"github.com/teverse/leadchat/internal/inference"
	"github.com/teverse/leadchat/internal/lead"
	"github.com/teverse/leadchat/internal/middleware"
	"github.com/teverse/leadchat/internal/prompt"
	"github.com/teverse/leadchat/internal/session"
	"github.com/teverse/leadchat/internal/store"
	"github.com/teverse/leadchat/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Inference.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	sessions, err := session.NewFileStore(cfg.SessionsDir, cfg.SessionWindow)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}

	prompts, err := prompt.Load(cfg.Prompts.File, cfg.Prompts.ReferenceDocPath)
	if err != nil {
		slog.Error("Failed to load prompts", "error", err)
		os.Exit(1)
	}

	generator, err := inference.NewFromConfig(ctx, cfg.Inference, logger)
	if err != nil {
		slog.Error("Failed to initialize inference client", "error", err)
		os.Exit(1)
	}

	chatService := chat.NewService(sessions, generator, prompts.ChatSystem(), chat.WithLogger(logger))

	// Optional in-process lead worker; production runs cmd/worker instead.
	var workerDone <-chan struct{}
	if cfg.Worker.Enabled {
		contacts, err := lead.NewContactsDir(cfg.ContactsDir)
		if err != nil {
			slog.Error("Failed to initialize contacts directory", "error", err)
			os.Exit(1)
		}
		workerCfg := lead.Config{
			Interval:     cfg.Worker.PollInterval,
			SystemPrompt: prompts.ExtractionSystem(),
			Index:        repo,
			Logger:       logger.With("component", "lead_worker"),
		}
		if cfg.Worker.PersistCheckpoints {
			workerCfg.Checkpoints = repo
		}
		worker := lead.NewWorker(sessions, contacts, generator, workerCfg)
		workerDone = startWorker(ctx, worker)
		slog.Info("Lead worker started in-process", "interval", cfg.Worker.PollInterval)
	}

	// Initialize handlers.
	chatHandler := api.NewHandler(chatService, repo, cfg.AllowedOrigins)
	healthHandler := api.NewHealthHandler(repo, cfg.SessionsDir)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// Serve embedded chat page (catch-all).
	r.Handle("/*", web.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket chats are long-lived
		IdleTimeout:  120 * time.Second,
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// The worker shares the repository closed by the deferred Close.
	if !waitForWorker(shutdownCtx, workerDone) {
		slog.Warn("Lead worker did not stop before shutdown deadline")
	}

	slog.Info("Server stopped successfully")
}
