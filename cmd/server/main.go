// Package main is the entry point for the contract verification service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/chain"
	"github.com/chainproof/verifier/internal/compiler"
	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/database"
	"github.com/chainproof/verifier/internal/engine"
	"github.com/chainproof/verifier/internal/explorer"
	"github.com/chainproof/verifier/internal/handler"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/sink"
	"github.com/chainproof/verifier/internal/verification"
	"github.com/chainproof/verifier/internal/worker"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting verification service",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to the allied database when configured
	var alliancePool *pgxpool.Pool
	if cfg.AllianceDatabase.Enabled() {
		alliance, err := database.NewPostgres(cfg.AllianceDatabase)
		if err != nil {
			log.Fatalf("Failed to connect to alliance database: %v", err)
		}
		defer alliance.Close()
		alliancePool = alliance.Pool()
		logger.Info("Connected to alliance database")
	}

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Chain registry from configured RPC endpoints
	chains, err := chain.NewRegistry(cfg.Chains)
	if err != nil {
		log.Fatalf("Failed to build chain registry: %v", err)
	}
	logger.Info("Chain registry ready", slog.Int("chains", len(chains.IDs())))

	// Sink fan-out
	registry, err := sink.NewRegistry(cfg, db.Pool(), alliancePool)
	if err != nil {
		log.Fatalf("Failed to build sinks: %v", err)
	}
	policy, err := registry.Policy(cfg, db.Pool(), logger)
	if err != nil {
		log.Fatalf("Failed to build storage policy: %v", err)
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 60*time.Second)
	if err := policy.Init(initCtx); err != nil {
		cancelInit()
		log.Fatalf("Failed to initialize sinks: %v", err)
	}
	cancelInit()
	logger.Info("Storage sinks initialized")

	// Debug object store for failed verification inputs (optional)
	debugStore, err := engine.NewDebugStore(cfg.DebugDataStore)
	if err != nil {
		log.Fatalf("Failed to configure debug data store: %v", err)
	}

	// Verification engine
	pool := worker.NewPool(cfg.WorkerPool)
	eng := engine.New(engine.Deps{
		Pool:       pool,
		Jobs:       repository.NewJobRepository(db.Pool()),
		Policy:     policy,
		Chains:     chains,
		Verifier:   verification.NewVerifier(compiler.New(cfg.Compilers)),
		Candidates: repository.NewCandidateRepository(db.Pool()),
		Replace:    repository.NewReplaceRepository(db.Pool()),
		Redis:      redis.Client(),
		Debug:      debugStore,
		Logger:     logger,
	})

	// HTTP surface
	router := handler.NewRouter(handler.RouterDeps{
		Verify: handler.NewVerifyHandler(eng,
			explorer.NewEtherscanImporter(), cfg.ExternalVerifiers.Etherscan),
		Lookup: handler.NewLookupHandler(policy,
			repository.NewSignatureRepository(db.Pool())),
		Replace:         handler.NewReplaceHandler(eng),
		Health:          handler.NewHealthHandler(db, redis),
		Redis:           redis,
		MaintainerToken: cfg.Server.MaintainerToken,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests, then drain the engine so every in-flight job
	// row reaches a terminal state.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slog.String("error", err.Error()))
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("Engine drain failed", slog.String("error", err.Error()))
	}
	logger.Info("Shutdown complete")
}
