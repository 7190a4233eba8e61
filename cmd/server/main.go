package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trade-ledger-go/internal/auth"
	"trade-ledger-go/internal/broker"
	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/database"
	"trade-ledger-go/internal/logger"
	"trade-ledger-go/internal/scheduler"
	"trade-ledger-go/internal/server"
	"trade-ledger-go/internal/syncer"
	"trade-ledger-go/internal/trades"
	"trade-ledger-go/internal/vault"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("environment", cfg.Server.Environment))

	// Connect to the database and migrate the schema
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Credential vault
	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// Broker connector chain, fixed to the configured mode for the process
	chain, err := connector.NewChain(&cfg.Connector, log)
	if err != nil {
		log.Fatal("Failed to initialize broker connector", zap.Error(err))
	}
	log.Info("Broker connector ready", zap.String("mode", cfg.Connector.Mode))

	// Services
	orchestrator := syncer.NewOrchestrator(db, v, chain, &cfg.Sync, log)
	accountSvc := broker.NewService(db, v, chain, cfg.Server.IsProduction(), log)
	tradeSvc := trades.NewService(db, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup

	// Sync worker pool
	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx)
	}()

	// Background scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.New(db, orchestrator, time.Duration(cfg.Sync.ScheduleMinutes)*time.Minute, log).Run(ctx)
	}()

	// HTTP API
	api := server.NewServer(log, auth.NewVerifier(cfg.Auth.JWTSecret), accountSvc, tradeSvc, orchestrator)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
	}()

	log.Info("Starting API server", zap.String("address", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("API server failed", zap.Error(err))
	}

	cancel()
	wg.Wait()
	log.Info("Server has been shut down.")
}
