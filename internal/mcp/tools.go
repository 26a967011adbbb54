package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/registry"
	"github.com/medscan-diagnosis-server/internal/service"
)

// Tool names
const (
	ToolCheckModality    = "check_modality"
	ToolClassifyCategory = "classify_category"
	ToolClassifySubtype  = "classify_subtype"
	ToolDiagnose         = "diagnose"
	ToolDetectSeizures   = "detect_seizures"
	ToolRunPipeline      = "run_pipeline"
	ToolModelStatus      = "model_status"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolCheckModality,
		Description: "Check whether a scan image (.png/.jpg/.jpeg) or signal table (.csv) matches the imaging modality the models were trained on.",
	}, s.handleCheckModality)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolClassifyCategory,
		Description: "Classify a scan image into the broad category Cancer or Neurological Disorder.",
	}, s.handleClassifyCategory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolClassifySubtype,
		Description: "Predict the disease subtype of a scan image: cancer_breast, cancer_colon, cancer_lung, neuro_alzheimers or neuro_ms.",
	}, s.handleClassifySubtype)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolDiagnose,
		Description: "Run the subtype specific diagnostic model on a scan image. Requires the subtype.",
	}, s.handleDiagnose)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolDetectSeizures,
		Description: "Label every row of an EEG signal table (.csv) as Seizure or Non-seizure.",
	}, s.handleDetectSeizures)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolRunPipeline,
		Description: "Run every reachable stage for one upload: modality gate, category, subtype and final diagnosis, or seizure detection for tables.",
	}, s.handleRunPipeline)

	if s.models != nil {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        ToolModelStatus,
			Description: "Report the load status of every model. Set probe to attempt loading models that are not loaded yet.",
		}, s.handleModelStatus)
	}
}

// --- Tool input/output types ---

type uploadInput struct {
	Filename      string `json:"filename" jsonschema:"file name including extension (.png, .jpg, .jpeg or .csv)"`
	ContentBase64 string `json:"content_base64" jsonschema:"file content encoded as standard base64"`
}

type diagnoseInput struct {
	Filename      string `json:"filename" jsonschema:"file name including extension (.png, .jpg or .jpeg)"`
	ContentBase64 string `json:"content_base64" jsonschema:"file content encoded as standard base64"`
	Subtype       string `json:"subtype" jsonschema:"one of cancer_breast, cancer_colon, cancer_lung, neuro_alzheimers, neuro_ms"`
}

type pipelineInput struct {
	Filename      string `json:"filename" jsonschema:"file name including extension (.png, .jpg, .jpeg or .csv)"`
	ContentBase64 string `json:"content_base64" jsonschema:"file content encoded as standard base64"`
	Subtype       string `json:"subtype,omitempty" jsonschema:"optional subtype; skips subtype classification when set"`
}

type modalityOutput struct {
	Prediction       string  `json:"prediction"`
	IsNotOurModality bool    `json:"is_not_our_modality"`
	Confidence       float64 `json:"confidence"`
}

type categoryOutput struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

type subtypeOutput struct {
	SubtypePrediction string  `json:"subtype_prediction"`
	Confidence        float64 `json:"confidence"`
}

type diagnoseOutput struct {
	Diagnosis  string  `json:"diagnosis"`
	Subtype    string  `json:"subtype"`
	Confidence float64 `json:"confidence"`
}

type seizuresOutput struct {
	Labels        []string  `json:"labels"`
	Probabilities []float64 `json:"probabilities"`
}

type pipelineOutput struct {
	Report domain.PipelineReport `json:"report"`
	Stages []string              `json:"stages"`
}

type modelStatusInput struct {
	Probe bool `json:"probe,omitempty" jsonschema:"attempt to load every model before reporting"`
}

type modelEntry struct {
	Key          string `json:"key"`
	Architecture string `json:"architecture"`
	Checkpoint   string `json:"checkpoint"`
	Classes      int    `json:"classes"`
	Required     bool   `json:"required"`
	Status       string `json:"status"`
	LastError    string `json:"last_error,omitempty"`
	LoadedAt     string `json:"loaded_at,omitempty"`
	Attempts     int    `json:"attempts"`
}

type modelStatusOutput struct {
	Models []modelEntry `json:"models"`
}

// --- Tool handlers ---

func (s *Server) handleCheckModality(ctx context.Context, _ *mcp.CallToolRequest, input uploadInput) (*mcp.CallToolResult, modalityOutput, error) {
	res, err := s.runStage(ctx, ToolCheckModality, domain.StageModalityGate, input, "")
	if err != nil {
		return nil, modalityOutput{}, err
	}
	return nil, modalityOutput{
		Prediction:       res.Label,
		IsNotOurModality: res.Label == domain.LabelNotOurModality,
		Confidence:       res.Confidence,
	}, nil
}

func (s *Server) handleClassifyCategory(ctx context.Context, _ *mcp.CallToolRequest, input uploadInput) (*mcp.CallToolResult, categoryOutput, error) {
	res, err := s.runStage(ctx, ToolClassifyCategory, domain.StageBroadClassification, input, "")
	if err != nil {
		return nil, categoryOutput{}, err
	}
	return nil, categoryOutput{Classification: res.Label, Confidence: res.Confidence}, nil
}

func (s *Server) handleClassifySubtype(ctx context.Context, _ *mcp.CallToolRequest, input uploadInput) (*mcp.CallToolResult, subtypeOutput, error) {
	res, err := s.runStage(ctx, ToolClassifySubtype, domain.StageSubtypeClassification, input, "")
	if err != nil {
		return nil, subtypeOutput{}, err
	}
	return nil, subtypeOutput{SubtypePrediction: res.Label, Confidence: res.Confidence}, nil
}

func (s *Server) handleDiagnose(ctx context.Context, _ *mcp.CallToolRequest, input diagnoseInput) (*mcp.CallToolResult, diagnoseOutput, error) {
	res, err := s.runStage(ctx, ToolDiagnose, domain.StageFinalDiagnosis, uploadInput{Filename: input.Filename, ContentBase64: input.ContentBase64}, input.Subtype)
	if err != nil {
		return nil, diagnoseOutput{}, err
	}
	return nil, diagnoseOutput{
		Diagnosis:  res.Diagnosis,
		Subtype:    string(res.Subtype),
		Confidence: res.Confidence,
	}, nil
}

func (s *Server) handleDetectSeizures(ctx context.Context, _ *mcp.CallToolRequest, input uploadInput) (*mcp.CallToolResult, seizuresOutput, error) {
	ctx, req, err := s.request(ctx, ToolDetectSeizures, input, "")
	if err != nil {
		return nil, seizuresOutput{}, err
	}
	res, err := s.pipeline.DetectSeizures(ctx, req)
	if err != nil {
		return nil, seizuresOutput{}, err
	}
	return nil, seizuresOutput{Labels: res.Labels, Probabilities: res.Probabilities}, nil
}

func (s *Server) handleRunPipeline(ctx context.Context, _ *mcp.CallToolRequest, input pipelineInput) (*mcp.CallToolResult, pipelineOutput, error) {
	ctx, req, err := s.request(ctx, ToolRunPipeline, uploadInput{Filename: input.Filename, ContentBase64: input.ContentBase64}, input.Subtype)
	if err != nil {
		return nil, pipelineOutput{}, err
	}

	var stages []string
	report, err := s.pipeline.RunPipeline(ctx, req, func(e domain.StageEvent) {
		stages = append(stages, e.Stage)
	})
	if err != nil {
		return nil, pipelineOutput{}, err
	}
	return nil, pipelineOutput{Report: *report, Stages: stages}, nil
}

func (s *Server) handleModelStatus(ctx context.Context, _ *mcp.CallToolRequest, input modelStatusInput) (*mcp.CallToolResult, modelStatusOutput, error) {
	var statuses []registry.ModelStatus
	if input.Probe {
		statuses = s.models.Probe(ctx)
	} else {
		statuses = s.models.Status()
	}

	out := modelStatusOutput{Models: make([]modelEntry, 0, len(statuses))}
	for _, st := range statuses {
		e := modelEntry{
			Key:          string(st.Key),
			Architecture: st.Architecture,
			Checkpoint:   st.Checkpoint,
			Classes:      st.Classes,
			Required:     st.Required,
			Status:       string(st.Status),
			LastError:    st.LastError,
			Attempts:     st.Attempts,
		}
		if st.LoadedAt != nil {
			e.LoadedAt = st.LoadedAt.UTC().Format(time.RFC3339)
		}
		out.Models = append(out.Models, e)
	}
	return nil, out, nil
}

// runStage decodes the upload and runs one pipeline stage
func (s *Server) runStage(ctx context.Context, tool string, stage domain.Stage, input uploadInput, subtype string) (*domain.DiagnosisResult, error) {
	ctx, req, err := s.request(ctx, tool, input, subtype)
	if err != nil {
		return nil, err
	}
	req.Stage = stage
	return s.pipeline.Run(ctx, req)
}

// request decodes the base64 payload and tags the call with a request id
func (s *Server) request(ctx context.Context, tool string, input uploadInput, subtype string) (context.Context, service.Request, error) {
	requestID := "mcp-" + uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)

	s.logger.WithFields(logrus.Fields{
		"tool":       tool,
		"filename":   input.Filename,
		"request_id": requestID,
	}).Debug("Tool called")

	if input.ContentBase64 == "" {
		return ctx, service.Request{}, domain.NewNoInputError()
	}
	content, err := base64.StdEncoding.DecodeString(input.ContentBase64)
	if err != nil {
		return ctx, service.Request{}, domain.NewInvalidInputError("content is not valid base64", err)
	}

	return ctx, service.Request{
		Filename:  input.Filename,
		Body:      bytes.NewReader(content),
		Subtype:   subtype,
		RequestID: requestID,
	}, nil
}
