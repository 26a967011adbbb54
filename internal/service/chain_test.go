package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medscan-diagnosis-server/internal/domain"
)

func collect(events *[]domain.StageEvent) Observer {
	return func(e domain.StageEvent) {
		*events = append(*events, e)
	}
}

func TestRunPipeline_FullChain(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelModalityGate, 0.1)
	f.expect(domain.ModelBroadClassification, 0.2)
	f.expect(domain.ModelSubtypeClassification, 0.1, 0.2, 0.9, 0.1, 0.0)
	f.expect(domain.ModelKey(domain.SubtypeCancerLung), 0.7, 0.2, 0.1)

	var events []domain.StageEvent
	report, err := f.orch.RunPipeline(context.Background(), Request{
		Filename:  "scan.png",
		Body:      bytes.NewReader(pngBytes(t)),
		RequestID: "req-chain",
	}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, "final_diagnosis", report.StageReached)
	assert.Equal(t, domain.LabelOurModality, report.Modality.Label)
	assert.Equal(t, "Cancer", report.Classification.Label)
	assert.Equal(t, domain.SubtypeCancerLung, report.Subtype.Subtype)
	assert.Equal(t, "Benign", report.Diagnosis.Diagnosis)
	assert.Equal(t, domain.SubtypeCancerLung, report.Diagnosis.Subtype)
	assert.Empty(t, report.Stopped)

	stages := make([]string, len(events))
	for i, e := range events {
		stages[i] = e.Stage
		assert.Equal(t, "stage", e.Type)
	}
	assert.Equal(t, []string{"modality_gate", "broad_classification", "subtype_classification", "final_diagnosis"}, stages)

	rec := f.store.last(t)
	assert.Equal(t, OperationPipeline, rec.Operation)
	assert.Equal(t, "final_diagnosis", rec.StageReached)
	assert.Equal(t, "cancer_lung", rec.Subtype)
	f.assertNoUploads(t)
}

func TestRunPipeline_StopsAtModalityGate(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelModalityGate, 0.95)

	var events []domain.StageEvent
	report, err := f.orch.RunPipeline(context.Background(), Request{
		Filename: "holiday.jpg.png",
		Body:     bytes.NewReader(pngBytes(t)),
	}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, domain.LabelNotOurModality, report.Modality.Label)
	assert.Equal(t, StoppedNotOurModality, report.Stopped)
	assert.Nil(t, report.Classification)
	assert.Nil(t, report.Diagnosis)
	assert.Len(t, events, 1)
	f.models.AssertNotCalled(t, "Get", mock.Anything, domain.ModelBroadClassification)
}

func TestRunPipeline_SuppliedSubtypeSkipsClassifier(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelModalityGate, 0.1)
	f.expect(domain.ModelBroadClassification, 0.8)
	f.expect(domain.ModelKey(domain.SubtypeNeuroMS), 0.1, 0.9)

	report, err := f.orch.RunPipeline(context.Background(), Request{
		Filename: "mri.png",
		Body:     bytes.NewReader(pngBytes(t)),
		Subtype:  "neuro_ms",
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, report.Subtype)
	assert.Equal(t, "MS", report.Diagnosis.Diagnosis)
	f.models.AssertNotCalled(t, "Get", mock.Anything, domain.ModelSubtypeClassification)
}

func TestRunPipeline_UnknownSuppliedSubtype(t *testing.T) {
	f := newFixture(t, nil)
	body := &readTracker{}

	_, err := f.orch.RunPipeline(context.Background(), Request{
		Filename: "mri.png",
		Body:     body,
		Subtype:  "neuro_parkinsons",
	}, nil)
	assert.Equal(t, domain.ErrUnknownSubtype, domain.CodeOf(err))
	assert.False(t, body.read)
}

func TestRunPipeline_FailureShortCircuits(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelModalityGate, 0.1)
	f.models.On("Get", mock.Anything, domain.ModelBroadClassification).
		Return(nil, domain.NewModelUnavailableError(domain.ModelBroadClassification, nil))

	var events []domain.StageEvent
	report, err := f.orch.RunPipeline(context.Background(), Request{
		Filename: "scan.png",
		Body:     bytes.NewReader(pngBytes(t)),
	}, collect(&events))
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Len(t, events, 1)
	f.models.AssertNotCalled(t, "Get", mock.Anything, domain.ModelSubtypeClassification)
	assert.Equal(t, domain.ErrModelUnavailable, f.store.last(t).Outcome)
	f.assertNoUploads(t)
}

func TestRunPipeline_TabularRunsSeizureDetection(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelSignalEpilepsy, 0.00005, 0.4)

	var events []domain.StageEvent
	report, err := f.orch.RunPipeline(context.Background(), Request{
		Filename: "eeg.csv",
		Body:     bytes.NewReader([]byte("x2,x1,y\n0.1,0.2,1\n0.3,0.4,0\n")),
	}, collect(&events))
	require.NoError(t, err)
	assert.Equal(t, StageSeizureDetection, report.StageReached)
	assert.Equal(t, domain.ContentTabular, report.ContentKind)
	require.NotNil(t, report.Seizures)
	assert.Equal(t, []string{domain.LabelNonSeizure, domain.LabelSeizure}, report.Seizures.Labels)
	assert.Len(t, events, 1)
}
