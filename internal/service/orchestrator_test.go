package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medscan-diagnosis-server/internal/audit"
	"github.com/medscan-diagnosis-server/internal/catalog"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/inference"
	"github.com/medscan-diagnosis-server/internal/labels"
	"github.com/medscan-diagnosis-server/internal/preprocess"
	"github.com/medscan-diagnosis-server/internal/validation"
)

type mockModels struct {
	mock.Mock
}

func (m *mockModels) Get(ctx context.Context, key domain.ModelKey) (inference.Handle, error) {
	args := m.Called(ctx, key)
	h, _ := args.Get(0).(inference.Handle)
	return h, args.Error(1)
}

type stubHandle struct {
	scores []float32
	err    error
}

func (h *stubHandle) Infer(context.Context, domain.Tensor) ([]float32, error) {
	return h.scores, h.err
}

func (h *stubHandle) OutputClasses() int { return len(h.scores) }

type recordingStore struct {
	audit.NopStore
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingStore) Append(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *recordingStore) last(t *testing.T) audit.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

// readTracker fails the test if the orchestrator consumes the body
type readTracker struct {
	read bool
}

func (r *readTracker) Read(p []byte) (int, error) {
	r.read = true
	return 0, io.EOF
}

type fixture struct {
	orch      *Orchestrator
	models    *mockModels
	store     *recordingStore
	uploadDir string
	hook      *test.Hook
}

func newFixture(t *testing.T, schema []string) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cat := catalog.Default()
	recipes := preprocess.NewRegistry(cat.RecipeBindings())
	require.NoError(t, cat.Validate(recipes))

	f := &fixture{
		models:    &mockModels{},
		store:     &recordingStore{},
		uploadDir: t.TempDir(),
		hook:      hook,
	}
	f.orch = NewOrchestrator(
		validation.NewValidator(schema, logger),
		recipes,
		f.models,
		labels.NewMapper(cat),
		Options{Logger: logger, Audit: f.store, UploadDir: f.uploadDir, MaxUploadBytes: 1 << 20},
	)
	return f
}

func (f *fixture) expect(key domain.ModelKey, scores ...float32) {
	f.models.On("Get", mock.Anything, key).Return(&stubHandle{scores: scores}, nil)
}

func (f *fixture) assertNoUploads(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged uploads must be removed")
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRun_FinalDiagnosisLung(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelKey(domain.SubtypeCancerLung), 0.1, 0.8, 0.1)

	res, err := f.orch.Run(context.Background(), Request{
		Stage:     domain.StageFinalDiagnosis,
		Filename:  "scan.PNG",
		Body:      bytes.NewReader(pngBytes(t)),
		Subtype:   "cancer_lung",
		RequestID: "req-lung",
	})
	require.NoError(t, err)
	assert.Equal(t, "Malignant", res.Diagnosis)
	assert.Equal(t, "Malignant", res.Label)
	assert.Equal(t, domain.SubtypeCancerLung, res.Subtype)
	assert.Equal(t, "final_diagnosis", res.StageName)
	assert.Greater(t, res.Confidence, 0.4)

	f.assertNoUploads(t)
	rec := f.store.last(t)
	assert.Equal(t, OperationDiagnose, rec.Operation)
	assert.Equal(t, audit.OutcomeOK, rec.Outcome)
	assert.Equal(t, "cancer_lung", rec.Subtype)
	assert.Equal(t, "req-lung", rec.RequestID)
	assert.Positive(t, rec.FileSize)
}

func TestRun_FinalDiagnosisAlzheimerCollapse(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelKey(domain.SubtypeNeuroAlzheimers), 0.1, 0.1, 0.7, 0.1)

	res, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageFinalDiagnosis,
		Filename: "brain.png",
		Body:     bytes.NewReader(pngBytes(t)),
		Subtype:  "neuro_alzheimers",
	})
	require.NoError(t, err)
	assert.Equal(t, "No Alzheimer", res.Diagnosis)
}

func TestRun_SubtypeGuard(t *testing.T) {
	tests := []struct {
		name    string
		subtype string
		code    string
	}{
		{"missing", "", domain.ErrMissingParameter},
		{"blank", "   ", domain.ErrMissingParameter},
		{"unknown", "cancer_skin", domain.ErrUnknownSubtype},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			body := &readTracker{}

			_, err := f.orch.Run(context.Background(), Request{
				Stage:     domain.StageFinalDiagnosis,
				Filename:  "scan.png",
				Body:      body,
				Subtype:   tt.subtype,
				RequestID: "req-guard",
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
			assert.True(t, domain.IsClientError(err))
			assert.False(t, body.read, "body must not be read before the subtype is accepted")

			var pe *domain.PipelineError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "req-guard", pe.RequestID)

			f.models.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
			f.assertNoUploads(t)
			assert.Equal(t, tt.code, f.store.last(t).Outcome)
		})
	}
}

func TestRun_CorruptImage(t *testing.T) {
	f := newFixture(t, nil)
	corrupt := pngBytes(t)[:40]

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageBroadClassification,
		Filename: "scan.png",
		Body:     bytes.NewReader(corrupt),
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidInput, domain.CodeOf(err))
	f.models.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.assertNoUploads(t)
}

func TestRun_NoInput(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Run(context.Background(), Request{Stage: domain.StageModalityGate})
	assert.Equal(t, domain.ErrNoInput, domain.CodeOf(err))

	_, err = f.orch.Run(context.Background(), Request{
		Stage:    domain.StageModalityGate,
		Filename: "empty.png",
		Body:     bytes.NewReader(nil),
	})
	assert.Equal(t, domain.ErrNoInput, domain.CodeOf(err))
	f.assertNoUploads(t)
}

func TestRun_UnsupportedKind(t *testing.T) {
	tests := []struct {
		name     string
		stage    domain.Stage
		filename string
	}{
		{"pdf at gate", domain.StageModalityGate, "report.pdf"},
		{"csv at broad", domain.StageBroadClassification, "signal.csv"},
		{"csv at subtype", domain.StageSubtypeClassification, "signal.csv"},
		{"csv at final", domain.StageFinalDiagnosis, "signal.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.orch.Run(context.Background(), Request{
				Stage:    tt.stage,
				Filename: tt.filename,
				Body:     bytes.NewReader([]byte("a,b\n1,2\n")),
				Subtype:  "cancer_colon",
			})
			assert.Equal(t, domain.ErrUnsupportedInputKind, domain.CodeOf(err))
			f.assertNoUploads(t)
		})
	}
}

func TestRun_ModalityGate(t *testing.T) {
	tests := []struct {
		score float32
		label string
	}{
		{0.2, domain.LabelOurModality},
		{0.49, domain.LabelOurModality},
		{0.5, domain.LabelNotOurModality},
		{0.93, domain.LabelNotOurModality},
	}

	for _, tt := range tests {
		f := newFixture(t, nil)
		f.expect(domain.ModelModalityGate, tt.score)

		res, err := f.orch.Run(context.Background(), Request{
			Stage:    domain.StageModalityGate,
			Filename: "scan.jpg.png",
			Body:     bytes.NewReader(pngBytes(t)),
		})
		require.NoError(t, err)
		assert.Equal(t, tt.label, res.Label, "score %v", tt.score)
	}
}

func TestRun_ModalityGateTabular(t *testing.T) {
	f := newFixture(t, []string{"x1", "x2", "y"})

	res, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageModalityGate,
		Filename: "signal.csv",
		Body:     bytes.NewReader([]byte("y,x2,x1\n0,1.5,2.5\n")),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LabelOurModality, res.Label)
	f.models.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)

	_, err = f.orch.Run(context.Background(), Request{
		Stage:    domain.StageModalityGate,
		Filename: "signal.csv",
		Body:     bytes.NewReader([]byte("a,b\n1,2\n")),
	})
	assert.Equal(t, domain.ErrInvalidInput, domain.CodeOf(err))
	f.assertNoUploads(t)
}

func TestRun_SubtypeTieBreak(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelSubtypeClassification, 0.5, 0.5, 0, 0, 0)

	res, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageSubtypeClassification,
		Filename: "scan.jpeg.png",
		Body:     bytes.NewReader(pngBytes(t)),
	})
	require.NoError(t, err)
	assert.Equal(t, "cancer_breast", res.Label)
	assert.Equal(t, domain.SubtypeCancerBreast, res.Subtype)
}

func TestRun_ModelUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.models.On("Get", mock.Anything, domain.ModelKey(domain.SubtypeNeuroMS)).
		Return(nil, domain.NewModelUnavailableError("neuro_ms", os.ErrNotExist))

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageFinalDiagnosis,
		Filename: "scan.png",
		Body:     bytes.NewReader(pngBytes(t)),
		Subtype:  "neuro_ms",
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))
	assert.False(t, domain.IsClientError(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
	f.assertNoUploads(t)
	assert.Equal(t, domain.ErrModelUnavailable, f.store.last(t).Outcome)
}

func TestRun_PlainSourceErrorIsModelUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.models.On("Get", mock.Anything, domain.ModelBroadClassification).Return(nil, errors.New("boom"))

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageBroadClassification,
		Filename: "scan.png",
		Body:     bytes.NewReader(pngBytes(t)),
	})
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))
}

func TestRun_InferenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.models.On("Get", mock.Anything, domain.ModelBroadClassification).
		Return(&stubHandle{err: errors.New("CUDA out of memory")}, nil)

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageBroadClassification,
		Filename: "scan.png",
		Body:     bytes.NewReader(pngBytes(t)),
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInferenceFailure, domain.CodeOf(err))
	f.assertNoUploads(t)

	var failed bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Request failed" && e.Level == logrus.WarnLevel {
			failed = true
		}
	}
	assert.True(t, failed, "failure should be logged at the request boundary")
}

func TestRun_ScoreShapeMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.expect(domain.ModelSubtypeClassification, 0.2, 0.8)

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageSubtypeClassification,
		Filename: "scan.png",
		Body:     bytes.NewReader(pngBytes(t)),
	})
	assert.Equal(t, domain.ErrInferenceFailure, domain.CodeOf(err))
}

func TestRun_UploadTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	big := bytes.Repeat([]byte{0x89}, 2<<20)

	_, err := f.orch.Run(context.Background(), Request{
		Stage:    domain.StageModalityGate,
		Filename: "huge.png",
		Body:     bytes.NewReader(big),
	})
	assert.Equal(t, domain.ErrInvalidInput, domain.CodeOf(err))
	f.assertNoUploads(t)
}

func TestOperationFor(t *testing.T) {
	assert.Equal(t, "predict", OperationFor(domain.StageModalityGate))
	assert.Equal(t, "classify", OperationFor(domain.StageBroadClassification))
	assert.Equal(t, "subtype", OperationFor(domain.StageSubtypeClassification))
	assert.Equal(t, "diagnose", OperationFor(domain.StageFinalDiagnosis))
}
