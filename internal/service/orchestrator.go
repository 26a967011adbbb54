package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/inference"
	"github.com/medscan-diagnosis-server/internal/labels"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/metrics"
	"github.com/medscan-diagnosis-server/internal/preprocess"
	"github.com/medscan-diagnosis-server/internal/validation"
)

// Operation names recorded in the audit trail and request metrics
const (
	OperationPredict  = "predict"
	OperationClassify = "classify"
	OperationSubtype  = "subtype"
	OperationDiagnose = "diagnose"
	OperationEpilepsy = "epilepsy"
	OperationPipeline = "pipeline"
)

// OperationFor returns the operation name of a single-stage request
func OperationFor(stage domain.Stage) string {
	switch stage {
	case domain.StageModalityGate:
		return OperationPredict
	case domain.StageBroadClassification:
		return OperationClassify
	case domain.StageSubtypeClassification:
		return OperationSubtype
	case domain.StageFinalDiagnosis:
		return OperationDiagnose
	}
	return "unknown"
}

// ModelSource resolves model handles by key
type ModelSource interface {
	Get(ctx context.Context, key domain.ModelKey) (inference.Handle, error)
}

// Request is one upload addressed to a pipeline stage
type Request struct {
	Stage     domain.Stage
	Filename  string
	Body      io.Reader
	Subtype   string
	RequestID string
}

// Options configures an Orchestrator
type Options struct {
	Logger         *logrus.Logger
	Audit          audit.Store
	Metrics        *metrics.Metrics
	UploadDir      string
	MaxUploadBytes int64
}

// Orchestrator sequences validation, preprocessing, model resolution,
// inference and label mapping for a request.
type Orchestrator struct {
	validator *validation.Validator
	recipes   *preprocess.Registry
	models    ModelSource
	mapper    *labels.Mapper
	stager    *Stager
	audit     audit.Store
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	validator *validation.Validator,
	recipes *preprocess.Registry,
	models ModelSource,
	mapper *labels.Mapper,
	opts Options,
) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	store := opts.Audit
	if store == nil {
		store = audit.NopStore{}
	}
	return &Orchestrator{
		validator: validator,
		recipes:   recipes,
		models:    models,
		mapper:    mapper,
		stager:    NewStager(opts.UploadDir, opts.MaxUploadBytes, logger),
		audit:     store,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Run executes a single stage for req. Any failure aborts the remaining steps
// and the staged upload is always removed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *domain.DiagnosisResult, err error) {
	start := time.Now()
	rec := &audit.Record{
		RequestID:    req.RequestID,
		Operation:    OperationFor(req.Stage),
		StageReached: req.Stage.String(),
		ContentKind:  string(domain.KindFromFilename(req.Filename)),
	}
	defer func() {
		err = o.finish(ctx, rec, start, err)
	}()

	if !req.Stage.Valid() {
		return nil, domain.NewPipelineError(domain.ErrInternal, "Unknown stage", req.Stage.String(), nil)
	}
	if req.Body == nil || req.Filename == "" {
		return nil, domain.NewNoInputError()
	}

	// Step 1: guard the subtype before any file or model work
	var subtype domain.Subtype
	if req.Stage == domain.StageFinalDiagnosis {
		subtype, err = ParseSubtype(req.Subtype)
		if err != nil {
			return nil, err
		}
		rec.Subtype = string(subtype)
	}

	// Step 2: reject content kinds the stage cannot take
	kind := domain.KindFromFilename(req.Filename)
	if !accepts(req.Stage, kind) {
		return nil, domain.NewUnsupportedInputError(req.Filename, req.Stage)
	}

	// Step 3: stage the upload for the duration of the request
	upload, err := o.stager.Stage(req.Filename, req.Body)
	if err != nil {
		return nil, err
	}
	defer upload.Release()
	rec.FileSize = upload.Size

	// Step 4: validate
	artifact, err := o.validator.Validate(upload.Path, kind)
	if err != nil {
		return nil, err
	}

	entry := logging.Entry(ctx, o.logger).WithFields(logrus.Fields{
		"stage":   req.Stage.String(),
		"subtype": subtype,
		"kind":    kind,
	})

	if kind == domain.ContentTabular {
		// A schema-conformant table is in-domain for the gate
		entry.Debug("Tabular input accepted by modality gate")
		return &domain.DiagnosisResult{
			Stage:      domain.StageModalityGate,
			StageName:  domain.StageModalityGate.String(),
			Label:      domain.LabelOurModality,
			Confidence: 1,
		}, nil
	}

	// Steps 5-7: preprocess, resolve model, infer and map
	result, err = o.runStage(ctx, req.Stage, subtype, artifact)
	if err != nil {
		return nil, err
	}

	entry.WithFields(logrus.Fields{
		"label":       result.Label,
		"confidence":  result.Confidence,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Stage completed")
	return result, nil
}

// runStage applies the stage recipe to a decoded image and maps the scores
func (o *Orchestrator) runStage(ctx context.Context, stage domain.Stage, subtype domain.Subtype, artifact *validation.Artifact) (*domain.DiagnosisResult, error) {
	if artifact == nil || artifact.Image == nil {
		return nil, domain.NewInvalidInputError("no decoded image", nil)
	}

	recipe, err := o.recipes.RecipeFor(stage, subtype)
	if err != nil {
		return nil, domain.NewConfigurationError("No preprocessing recipe", err)
	}
	tensor := recipe.Apply(artifact.Image)

	key, err := modelKey(stage, subtype)
	if err != nil {
		return nil, err
	}
	scores, err := o.infer(ctx, stage.String(), key, tensor)
	if err != nil {
		return nil, err
	}

	mapping, err := o.mapper.Resolve(stage, scores, subtype)
	if err != nil {
		return nil, domain.NewInferenceError(key, err)
	}

	result := &domain.DiagnosisResult{
		Stage:      stage,
		StageName:  stage.String(),
		Label:      mapping.Label,
		Confidence: mapping.Confidence,
	}
	switch stage {
	case domain.StageSubtypeClassification:
		result.Subtype = domain.Subtype(mapping.Label)
	case domain.StageFinalDiagnosis:
		result.Subtype = subtype
		result.Diagnosis = mapping.Label
	}
	return result, nil
}

// infer resolves the model for key and runs one forward pass
func (o *Orchestrator) infer(ctx context.Context, stage string, key domain.ModelKey, tensor domain.Tensor) ([]float32, error) {
	handle, err := o.models.Get(ctx, key)
	if err != nil {
		var pe *domain.PipelineError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, domain.NewModelUnavailableError(key, err)
	}

	start := time.Now()
	scores, err := handle.Infer(ctx, tensor)
	o.metrics.ObserveStage(stage, time.Since(start))
	if err != nil {
		return nil, domain.NewInferenceError(key, err)
	}
	return scores, nil
}

// finish stamps the request id on failures, then records metrics and the audit row
func (o *Orchestrator) finish(ctx context.Context, rec *audit.Record, start time.Time, err error) error {
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Outcome = audit.OutcomeOK
	if err != nil {
		rec.Outcome = domain.CodeOf(err)
		var pe *domain.PipelineError
		if errors.As(err, &pe) && pe.RequestID == "" {
			pe.RequestID = rec.RequestID
		}
		logging.Entry(ctx, o.logger).WithError(err).WithFields(logrus.Fields{
			"operation": rec.Operation,
			"code":      rec.Outcome,
		}).Warn("Request failed")
	}

	o.metrics.ObserveRequest(rec.Operation, rec.Outcome)
	if aerr := o.audit.Append(context.WithoutCancel(ctx), rec); aerr != nil {
		o.logger.WithError(aerr).WithField("operation", rec.Operation).Warn("Failed to append audit record")
	}
	return err
}

// ParseSubtype checks a client supplied subtype against the fixed enumeration
func ParseSubtype(v string) (domain.Subtype, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", domain.NewMissingParameterError("subtype")
	}
	s := domain.Subtype(v)
	if !s.Valid() {
		return "", domain.NewUnknownSubtypeError(v)
	}
	return s, nil
}

func accepts(stage domain.Stage, kind domain.ContentKind) bool {
	switch kind {
	case domain.ContentImage:
		return true
	case domain.ContentTabular:
		return stage == domain.StageModalityGate
	}
	return false
}

func modelKey(stage domain.Stage, subtype domain.Subtype) (domain.ModelKey, error) {
	if stage == domain.StageFinalDiagnosis {
		if !subtype.Valid() {
			return "", domain.NewUnknownSubtypeError(string(subtype))
		}
		return domain.KeyForSubtype(subtype), nil
	}
	key, ok := domain.KeyForStage(stage)
	if !ok {
		return "", domain.NewConfigurationError(fmt.Sprintf("no model for %s", stage), nil)
	}
	return key, nil
}
