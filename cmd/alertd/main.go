// Command alertd serves the fraud alert adapter API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamcoop/txscreen/alerts"
	"github.com/liamcoop/txscreen/config"
	"github.com/liamcoop/txscreen/internal/logger"
	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("TXSCREEN_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.ErrorSampleRate); err != nil {
		logger.Fatal("Invalid log settings", "error", err)
	}

	var store alerts.Store
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to open database", "error", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatal("Failed to ping database", "error", err)
		}
		store = alerts.NewPostgresStore(db)
	} else {
		logger.Warn("No database configured, alerts are kept in memory")
		store = alerts.NewInMemoryStore()
	}

	server := alerts.NewServer(alerts.NewService(store), cfg.Server.RequestTimeout)
	httpServer := &http.Server{
		Addr:         cfg.Server.AlertAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting alert adapter", "addr", cfg.Server.AlertAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down alert adapter")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("Failed to flush logs", "error", err)
	}
}
