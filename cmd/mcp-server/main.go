package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medscan-diagnosis-server/internal/app"
	"github.com/medscan-diagnosis-server/internal/config"
	"github.com/medscan-diagnosis-server/internal/mcp"
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
	// stdout carries the MCP stream
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to start diagnosis pipeline: %v", err)
	}
	defer pipeline.Close()

	server, err := mcp.NewServer(cfg.MCP, pipeline.Orchestrator,
		mcp.WithLogger(pipeline.Logger),
		mcp.WithModels(pipeline.Models),
	)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}

	if err := server.Run(ctx); err != nil {
		pipeline.Logger.WithError(err).Error("MCP server failed")
		pipeline.Close()
		os.Exit(1)
	}

	pipeline.Logger.Info("MCP server stopped")
}
