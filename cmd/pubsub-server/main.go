// Package main provides the PubSub server executable with HTTP API and background worker.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/cmd/pubsub-server/internal/config"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if len(os.Args) == 2 && os.Args[1] == "help" {
		fmt.Println("environment variables that configure pubsub-server:")
		fmt.Println()
		config.Usage(os.Stdout)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pubsub-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	server := serverIdentity(cfg)
	base, err := pubsub.NewLogrusLogger(os.Stdout, cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	logger := base.WithField("server", server.String())

	logger.Infof("Configuration loaded: listen %s:%d, database %s, worker interval %v",
		cfg.Server.Host, cfg.Server.Port, cfg.Database.Driver, cfg.PubSub.WorkerInterval)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnf("Failed to close database: %v", closeErr)
		}
	}()
	if cfg.Database.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := pubsub.Migrate(ctx, db, cfg.Database.Driver); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Database schema is up to date")
	}

	a, err := newApp(ctx, cfg, db, server, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Infof("Received %v, shutting down", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server forced to shutdown: %v", err)
	}
	a.handOver(shutdownCtx)

	cancel()
	a.wait()
	logger.Info("Server stopped gracefully")
	return runErr
}
