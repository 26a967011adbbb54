package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/middleware"
	"github.com/medscan-diagnosis-server/internal/registry"
	"github.com/medscan-diagnosis-server/internal/service"
)

// handleRoot is the process-alive marker
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Backend is running"})
}

// handleHealth reports liveness plus model registry state
func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	var models []registry.ModelStatus
	if s.deps.Models != nil {
		models = s.deps.Models.Status()
		if !s.deps.Models.Ready() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   s.deps.Version,
		"models":    models,
	})
}

// handleModels lists registry entries
func (s *Server) handleModels(c *gin.Context) {
	var models []registry.ModelStatus
	if s.deps.Models != nil {
		models = s.deps.Models.Status()
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// multipartOverhead allows for boundaries, part headers and small form fields
// on top of the file itself.
const multipartOverhead = 64 << 10

// upload opens the multipart "file" field. Bodies larger than the upload limit
// are refused before the form is parsed. The caller closes the returned file.
func (s *Server) upload(c *gin.Context) (string, multipart.File, error) {
	limit := s.cfg.Server.MaxUploadBytes
	if limit <= 0 {
		limit = service.DefaultMaxUploadBytes
	}
	limit += multipartOverhead
	if c.Request.ContentLength > limit {
		return "", nil, uploadTooLarge(limit)
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	header, err := c.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return "", nil, uploadTooLarge(limit)
	}
	if err != nil || header.Filename == "" {
		return "", nil, domain.NewNoInputError()
	}
	f, err := header.Open()
	if err != nil {
		return "", nil, domain.NewInvalidInputError("unreadable upload", err)
	}
	return header.Filename, f, nil
}

func uploadTooLarge(limit int64) error {
	return domain.NewInvalidInputError("file too large", fmt.Errorf("request body exceeds %d bytes", limit))
}

// subtypeParam reads subtype from form data, then the query string
func subtypeParam(c *gin.Context) string {
	if v := c.PostForm("subtype"); v != "" {
		return v
	}
	return c.Query("subtype")
}

// stageHandler serves one pipeline stage. Legacy handlers render the pre-v1
// response shapes; v1 handlers render the full result.
func (s *Server) stageHandler(stage domain.Stage, legacy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename, file, err := s.upload(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		defer file.Close()

		result, err := s.deps.Pipeline.Run(c.Request.Context(), service.Request{
			Stage:     stage,
			Filename:  filename,
			Body:      file,
			Subtype:   subtypeParam(c),
			RequestID: middleware.RequestID(c),
		})
		if err != nil {
			s.writeError(c, err)
			return
		}

		if !legacy {
			c.JSON(http.StatusOK, gin.H{"result": result, "request_id": middleware.RequestID(c)})
			return
		}
		c.JSON(http.StatusOK, legacyBody(result))
	}
}

func legacyBody(result *domain.DiagnosisResult) gin.H {
	switch result.Stage {
	case domain.StageModalityGate:
		body := gin.H{"prediction": result.Label}
		if result.Label == domain.LabelNotOurModality {
			body["isNotOurModality"] = true
		}
		return body
	case domain.StageBroadClassification:
		return gin.H{"classification": result.Label}
	case domain.StageSubtypeClassification:
		return gin.H{"subtype_prediction": result.Label}
	default:
		return gin.H{"diagnosis": result.Diagnosis, "subtype": result.Subtype}
	}
}

// handleEpilepsy labels each row of a tabular signal upload
func (s *Server) handleEpilepsy(c *gin.Context) {
	filename, file, err := s.upload(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer file.Close()

	res, err := s.deps.Pipeline.DetectSeizures(c.Request.Context(), service.Request{
		Filename:  filename,
		Body:      file,
		RequestID: middleware.RequestID(c),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(res.Labels) == 1 {
		c.JSON(http.StatusOK, gin.H{"result": res.Labels[0]})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": res.Labels})
}

// handlePipeline runs every reachable stage for one upload
func (s *Server) handlePipeline(c *gin.Context) {
	filename, file, err := s.upload(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer file.Close()

	report, err := s.runPipeline(c, filename, file, subtypeParam(c), nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "request_id": middleware.RequestID(c)})
}

func (s *Server) runPipeline(c *gin.Context, filename string, body io.Reader, subtype string, observe service.Observer) (*domain.PipelineReport, error) {
	return s.deps.Pipeline.RunPipeline(c.Request.Context(), service.Request{
		Filename:  filename,
		Body:      body,
		Subtype:   subtype,
		RequestID: middleware.RequestID(c),
	}, observe)
}

// handleAuditRecent lists the newest audit records
func (s *Server) handleAuditRecent(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "limit must be a positive integer",
				"code":       domain.ErrInvalidInput,
				"request_id": middleware.RequestID(c),
			})
			return
		}
		limit = n
	}

	records, err := s.deps.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		s.deps.Logger.WithError(err).Error("Failed to list audit records")
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// handleAuditCounts aggregates audit records per operation and outcome
func (s *Server) handleAuditCounts(c *gin.Context) {
	counts, err := s.deps.Audit.Counts(c.Request.Context())
	if err != nil {
		s.deps.Logger.WithError(err).Error("Failed to count audit records")
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}
