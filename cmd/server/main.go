package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-core/internal/api"
	"collab-core/internal/config"
	"collab-core/internal/db"
	"collab-core/internal/repository"
	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/persistence"
	"collab-core/internal/store"
	"collab-core/internal/telemetry"
	"collab-core/internal/validator"
)

func main() {
	log.Println("🚀 Starting collaborative editing core...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collab-core", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Journal database is optional - the content store stays the
	// source of truth either way.
	var snapRepo *repository.SnapshotRepository
	var opRepo *repository.OperationRepository
	if cfg.DBEnabled {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		snapRepo = repository.NewSnapshotRepository(database.DB)
		opRepo = repository.NewOperationRepository(database.DB)
	} else {
		log.Println("⚠️  Running without a journal database")
	}

	// Content store: the external file tree that version control
	// commits.
	contentStore, err := store.NewFileStore(cfg.ContentRoot)
	if err != nil {
		log.Fatalf("❌ Failed to open content store: %v", err)
	}
	log.Printf("✓ Content store at %s", cfg.ContentRoot)

	// Persistence manager: debounced, crash-safe flushing.
	persistManager := persistence.NewManager(contentStore, snapRepo, opRepo,
		cfg.FlushDebounce, cfg.FlushOpThreshold)

	// Session manager and per-document actor registry.
	sessionManager := collaboration.NewSessionManager()
	registry := collaboration.NewRegistry(contentStore, snapRepo, opRepo,
		sessionManager, persistManager, persistManager,
		cfg.HistoryLimit, cfg.IdleGrace)
	sessionManager.SetRegistry(registry)
	persistManager.SetWarner(sessionManager)

	persistManager.Start()
	sessionManager.Start()
	registry.Start()

	// External structural validator for the publish flow.
	validatorClient := validator.NewClient(cfg.ValidatorEndpoint)

	// WebSocket handler and HTTP wiring.
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, registry)
	handler := api.NewHandler(registry, wsHandler, sessionManager, validatorClient, persistManager)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/documents/:id          - Document snapshot")
		log.Printf("   GET    /api/documents/:id/presence - Live cursors")
		log.Printf("   POST   /api/documents/:id/publish  - Validate and publish")
		log.Printf("   WS     /ws/document/:id            - Collaborative editing")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Order matters: close connections, archive documents (which
	// flushes), then stop the flusher.
	sessionManager.Shutdown()
	registry.Shutdown()
	persistManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
