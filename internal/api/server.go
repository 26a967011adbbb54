package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/metrics"
	"github.com/medscan-diagnosis-server/internal/middleware"
	"github.com/medscan-diagnosis-server/internal/registry"
	"github.com/medscan-diagnosis-server/internal/service"
)

// Pipeline is the orchestration surface served over HTTP
type Pipeline interface {
	Run(ctx context.Context, req service.Request) (*domain.DiagnosisResult, error)
	DetectSeizures(ctx context.Context, req service.Request) (*domain.SeizureResult, error)
	RunPipeline(ctx context.Context, req service.Request, observe service.Observer) (*domain.PipelineReport, error)
}

// ModelStatusReporter exposes model registry state for health checks
type ModelStatusReporter interface {
	Status() []registry.ModelStatus
	Ready() bool
}

// Dependencies are the collaborators a Server routes to
type Dependencies struct {
	Pipeline Pipeline
	Models   ModelStatusReporter
	Audit    audit.Store
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
	Version  string
}

// Server represents the HTTP server
type Server struct {
	cfg    *domain.Config
	deps   Dependencies
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopStore{}
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = 8 << 20

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AccessLog(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())
	router.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst, deps.Logger))

	server := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)

	// Legacy root routes keep the pre-v1 response shapes
	s.router.POST("/predict", s.stageHandler(domain.StageModalityGate, true))
	s.router.POST("/classify", s.stageHandler(domain.StageBroadClassification, true))
	s.router.POST("/subtype", s.stageHandler(domain.StageSubtypeClassification, true))
	s.router.POST("/diagnose", s.stageHandler(domain.StageFinalDiagnosis, true))
	s.router.POST("/epilepsy", s.handleEpilepsy)

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/models", s.handleModels)
		v1.POST("/predict", s.stageHandler(domain.StageModalityGate, false))
		v1.POST("/classify", s.stageHandler(domain.StageBroadClassification, false))
		v1.POST("/subtype", s.stageHandler(domain.StageSubtypeClassification, false))
		v1.POST("/diagnose", s.stageHandler(domain.StageFinalDiagnosis, false))
		v1.POST("/epilepsy", s.handleEpilepsy)
		v1.POST("/pipeline", s.handlePipeline)
		v1.GET("/pipeline/ws", s.handlePipelineStream)
		v1.GET("/audit/recent", s.handleAuditRecent)
		v1.GET("/audit/counts", s.handleAuditCounts)
	}

	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// writeError renders a pipeline failure with a stable code
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if domain.IsClientError(err) {
		status = http.StatusBadRequest
	}

	body := gin.H{
		"error":      err.Error(),
		"code":       domain.CodeOf(err),
		"request_id": middleware.RequestID(c),
	}
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		body["error"] = pe.Message
		if pe.Details != "" {
			body["details"] = pe.Details
		}
		if pe.Subtype != "" {
			body["subtype"] = pe.Subtype
		}
	}
	c.JSON(status, body)
}
