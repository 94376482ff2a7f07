package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rwhitten/costline/internal/api"
	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/config"
	"github.com/rwhitten/costline/internal/db"
	"github.com/rwhitten/costline/internal/export"
	"github.com/rwhitten/costline/internal/merge"
	"github.com/rwhitten/costline/internal/middleware"
	"github.com/rwhitten/costline/internal/repository"
	"github.com/rwhitten/costline/internal/store"
	"github.com/rwhitten/costline/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(cfg.Server.MigrationsPath, cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create repositories
	versionRepo := repository.NewVersionRepository(conn.Pool)
	branchRepo := repository.NewBranchRepository(conn.Pool)
	orderRepo := repository.NewChangeOrderRepository(conn.Pool)

	// Create services
	registry := branch.NewRegistry(branchRepo, versionRepo)
	entityStore := store.New(versionRepo, branchRepo, orderRepo)
	merger := merge.NewEngine(versionRepo, branchRepo, orderRepo)
	workflowService := workflow.NewService(orderRepo, registry, merger)
	exporter := export.NewBaselineService(entityStore)

	apiHandler := middleware.LoggingMiddleware(
		middleware.ActorMiddleware(
			api.NewHTTPHandler(registry, entityStore, merger, workflowService, exporter),
		),
	)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", corsHandler.Handler(apiHandler))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting costline server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
