package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/labels"
	"github.com/medscan-diagnosis-server/internal/logging"
	"github.com/medscan-diagnosis-server/internal/preprocess"
	"github.com/medscan-diagnosis-server/internal/validation"
)

// StageSeizureDetection names the tabular signal step in reports and audit rows
const StageSeizureDetection = "seizure_detection"

// DetectSeizures labels every row of a tabular signal upload
func (o *Orchestrator) DetectSeizures(ctx context.Context, req Request) (result *domain.SeizureResult, err error) {
	start := time.Now()
	rec := &audit.Record{
		RequestID:    req.RequestID,
		Operation:    OperationEpilepsy,
		StageReached: StageSeizureDetection,
		ContentKind:  string(domain.KindFromFilename(req.Filename)),
	}
	defer func() {
		err = o.finish(ctx, rec, start, err)
	}()

	if req.Body == nil || req.Filename == "" {
		return nil, domain.NewNoInputError()
	}
	kind := domain.KindFromFilename(req.Filename)
	if kind != domain.ContentTabular {
		return nil, domain.NewPipelineError(domain.ErrUnsupportedInputKind, "Unsupported file type",
			fmt.Sprintf("%q is not accepted by %s", req.Filename, StageSeizureDetection), nil)
	}

	upload, err := o.stager.Stage(req.Filename, req.Body)
	if err != nil {
		return nil, err
	}
	defer upload.Release()
	rec.FileSize = upload.Size

	tbl, err := o.validator.ValidateTable(upload.Path)
	if err != nil {
		return nil, err
	}
	return o.seizures(ctx, tbl)
}

// seizures runs the signal model over a validated table
func (o *Orchestrator) seizures(ctx context.Context, tbl *validation.Table) (*domain.SeizureResult, error) {
	tensor, features, err := preprocess.SignalTensor(tbl.Header, tbl.Rows)
	if err != nil {
		return nil, domain.NewInvalidInputError("unusable signal table", err)
	}

	scores, err := o.infer(ctx, StageSeizureDetection, domain.ModelSignalEpilepsy, tensor)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(tbl.Rows) {
		return nil, domain.NewInferenceError(domain.ModelSignalEpilepsy,
			fmt.Errorf("expected %d row scores, got %d", len(tbl.Rows), len(scores)))
	}

	result := labels.Seizures(scores)
	logging.Entry(ctx, o.logger).WithFields(logrus.Fields{
		"rows":     len(tbl.Rows),
		"features": len(features),
	}).Info("Seizure detection completed")
	return &result, nil
}
