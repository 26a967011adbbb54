// Package mcp exposes the diagnosis pipeline as MCP tools.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/registry"
	"github.com/medscan-diagnosis-server/internal/service"
)

// Pipeline is the orchestration surface the tools call
type Pipeline interface {
	Run(ctx context.Context, req service.Request) (*domain.DiagnosisResult, error)
	DetectSeizures(ctx context.Context, req service.Request) (*domain.SeizureResult, error)
	RunPipeline(ctx context.Context, req service.Request, observe service.Observer) (*domain.PipelineReport, error)
}

// ModelInspector reports and probes model registry state
type ModelInspector interface {
	Status() []registry.ModelStatus
	Probe(ctx context.Context) []registry.ModelStatus
}

// Server is the MCP server for the diagnosis pipeline
type Server struct {
	config    domain.MCPConfig
	mcpServer *mcp.Server
	pipeline  Pipeline
	models    ModelInspector
	logger    *logrus.Logger
}

// ServerOption is a functional option for Server.
type ServerOption func(*Server) error

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		s.logger = logger
		return nil
	}
}

// WithModels enables the model_status tool.
func WithModels(models ModelInspector) ServerOption {
	return func(s *Server) error {
		s.models = models
		return nil
	}
}

// NewServer creates a new MCP server instance with every tool registered.
func NewServer(cfg domain.MCPConfig, pipeline Pipeline, opts ...ServerOption) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "medscan-diagnosis-server"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "v0.1.0"
	}

	server := &Server{
		config:   cfg,
		pipeline: pipeline,
		logger:   logrus.StandardLogger(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, nil)
	server.registerTools()

	server.logger.WithFields(logrus.Fields{
		"server_name":    cfg.ServerName,
		"server_version": cfg.ServerVersion,
	}).Info("MCP server initialized")
	return server, nil
}

// MCPServer returns the underlying SDK server
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
