package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medscan-diagnosis-server/internal/api"
	"github.com/medscan-diagnosis-server/internal/app"
	"github.com/medscan-diagnosis-server/internal/config"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager(os.Getenv("MEDSCAN_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to start diagnosis pipeline: %v", err)
	}
	defer pipeline.Close()

	logger := pipeline.Logger
	logger.WithField("version", app.Version).Infof("Starting medscan diagnosis server on %s:%d", cfg.Server.Host, cfg.Server.Port)

	server := api.NewServer(cfg, api.Dependencies{
		Pipeline: pipeline.Orchestrator,
		Models:   pipeline.Models,
		Audit:    pipeline.Audit,
		Metrics:  pipeline.Metrics,
		Logger:   logger,
		Version:  app.Version,
	})

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		pipeline.Close()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
