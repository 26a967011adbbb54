package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/validation"
)

// Observer receives each completed stage of a chained run
type Observer func(domain.StageEvent)

// StoppedNotOurModality is the report reason when the gate rejects an input
const StoppedNotOurModality = "input rejected by modality gate"

// RunPipeline stages the upload once and advances it through every reachable
// stage. The subtype resolved by subtype classification selects the final
// model unless req.Subtype supplies one, in which case that stage is skipped.
func (o *Orchestrator) RunPipeline(ctx context.Context, req Request, observe Observer) (report *domain.PipelineReport, err error) {
	start := time.Now()
	kind := domain.KindFromFilename(req.Filename)
	rec := &audit.Record{
		RequestID:   req.RequestID,
		Operation:   OperationPipeline,
		ContentKind: string(kind),
	}
	defer func() {
		err = o.finish(ctx, rec, start, err)
	}()
	if observe == nil {
		observe = func(domain.StageEvent) {}
	}

	if req.Body == nil || req.Filename == "" {
		return nil, domain.NewNoInputError()
	}

	var supplied domain.Subtype
	if req.Subtype != "" {
		supplied, err = ParseSubtype(req.Subtype)
		if err != nil {
			return nil, err
		}
		rec.Subtype = string(supplied)
	}

	if kind == domain.ContentUnsupported {
		return nil, domain.NewUnsupportedInputError(req.Filename, domain.StageModalityGate)
	}

	upload, err := o.stager.Stage(req.Filename, req.Body)
	if err != nil {
		return nil, err
	}
	defer upload.Release()
	rec.FileSize = upload.Size

	artifact, err := o.validator.Validate(upload.Path, kind)
	if err != nil {
		return nil, err
	}

	report = &domain.PipelineReport{ContentKind: kind}
	advance := func(res *domain.DiagnosisResult) {
		report.StageReached = res.StageName
		rec.StageReached = res.StageName
		observe(domain.StageEvent{Type: "stage", Stage: res.StageName, Result: res})
	}

	if kind == domain.ContentTabular {
		return o.chainTable(ctx, report, rec, artifact.Table, advance)
	}

	// Step 1: modality gate
	modality, err := o.runStage(ctx, domain.StageModalityGate, "", artifact)
	if err != nil {
		return nil, err
	}
	report.Modality = modality
	advance(modality)
	if modality.Label == domain.LabelNotOurModality {
		report.Stopped = StoppedNotOurModality
		return report, nil
	}

	// Step 2: broad classification
	broad, err := o.runStage(ctx, domain.StageBroadClassification, "", artifact)
	if err != nil {
		return nil, err
	}
	report.Classification = broad
	advance(broad)

	// Step 3: subtype classification, unless the caller supplied one
	subtype := supplied
	if subtype == "" {
		sub, err := o.runStage(ctx, domain.StageSubtypeClassification, "", artifact)
		if err != nil {
			return nil, err
		}
		report.Subtype = sub
		advance(sub)
		subtype = sub.Subtype
		rec.Subtype = string(subtype)
	}

	// Step 4: final diagnosis on the subtype specific model
	final, err := o.runStage(ctx, domain.StageFinalDiagnosis, subtype, artifact)
	if err != nil {
		return nil, err
	}
	report.Diagnosis = final
	advance(final)

	logging.Entry(ctx, o.logger).WithFields(logrus.Fields{
		"subtype":     subtype,
		"diagnosis":   final.Diagnosis,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Pipeline completed")
	return report, nil
}

// chainTable runs the gate and seizure detection for tabular signals
func (o *Orchestrator) chainTable(ctx context.Context, report *domain.PipelineReport, rec *audit.Record, tbl *validation.Table, advance func(*domain.DiagnosisResult)) (*domain.PipelineReport, error) {
	gate := &domain.DiagnosisResult{
		Stage:      domain.StageModalityGate,
		StageName:  domain.StageModalityGate.String(),
		Label:      domain.LabelOurModality,
		Confidence: 1,
	}
	report.Modality = gate
	advance(gate)

	seizures, err := o.seizures(ctx, tbl)
	if err != nil {
		return nil, err
	}
	report.Seizures = seizures
	report.StageReached = StageSeizureDetection
	rec.StageReached = StageSeizureDetection
	return report, nil
}
