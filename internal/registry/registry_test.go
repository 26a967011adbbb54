package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan-diagnosis-server/internal/catalog"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/inference"
)

type fixedHandle struct {
	classes int
}

func (h fixedHandle) Infer(context.Context, domain.Tensor) ([]float32, error) {
	return make([]float32, h.classes), nil
}

func (h fixedHandle) OutputClasses() int { return h.classes }

// countingEngine reports the requested class count unless overridden, and can
// hold loads until released.
type countingEngine struct {
	loads    int32
	gate     chan struct{}
	override map[domain.ModelKey]int
	fail     error
	started  chan struct{}
}

func (e *countingEngine) Load(ctx context.Context, spec inference.LoadSpec) (inference.Handle, error) {
	atomic.AddInt32(&e.loads, 1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.fail != nil {
		return nil, e.fail
	}
	classes := spec.NumClasses
	if c, ok := e.override[spec.Key]; ok {
		classes = c
	}
	return fixedHandle{classes: classes}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func modelsDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("weights"), 0o600))
	}
	return dir
}

func allCheckpoints() []string {
	return []string{
		"1st_Pipeline.pth", "2nd_Pipeline.pth", "3rd_Pipeline.pth",
		"Breast.pth", "Colon.pth", "Lung.pth", "Alzheimer.pth", "MultipleSclerosis.pth",
	}
}

func TestInitLoadsRequiredModels(t *testing.T) {
	engine := &countingEngine{}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, allCheckpoints()...), Logger: quietLogger()})

	require.NoError(t, reg.Init(context.Background()))
	assert.True(t, reg.Ready())
	assert.Equal(t, int32(3), atomic.LoadInt32(&engine.loads))

	for _, st := range reg.Status() {
		if st.Required {
			assert.Equal(t, StatusLoaded, st.Status, st.Key)
			assert.NotNil(t, st.LoadedAt)
		} else {
			assert.Equal(t, StatusNotLoaded, st.Status, st.Key)
		}
	}
}

func TestInitFailsOnMissingRequiredCheckpoint(t *testing.T) {
	reg := New(catalog.Default(), &countingEngine{}, Options{
		ModelsDir: modelsDir(t, "1st_Pipeline.pth", "2nd_Pipeline.pth"),
		Logger:    quietLogger(),
	})

	err := reg.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrConfiguration, domain.CodeOf(err))
	assert.False(t, reg.Ready())
}

func TestInitFailsOnShapeMismatch(t *testing.T) {
	engine := &countingEngine{override: map[domain.ModelKey]int{domain.ModelSubtypeClassification: 4}}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, allCheckpoints()...), Logger: quietLogger()})
	assert.Error(t, reg.Init(context.Background()))
}

func TestGetUnknownKey(t *testing.T) {
	engine := &countingEngine{}
	reg := New(catalog.Default(), engine, Options{ModelsDir: t.TempDir(), Logger: quietLogger()})

	_, err := reg.Get(context.Background(), "retina")
	require.Error(t, err)
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))
	assert.Zero(t, atomic.LoadInt32(&engine.loads))
}

func TestGetSubtypeShapeMismatch(t *testing.T) {
	engine := &countingEngine{override: map[domain.ModelKey]int{"cancer_lung": 2}}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, "Lung.pth"), Logger: quietLogger()})

	_, err := reg.Get(context.Background(), "cancer_lung")
	require.Error(t, err)
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))
	assert.Contains(t, err.(*domain.PipelineError).Details, "expected 3")
}

func TestFailuresAreNotCached(t *testing.T) {
	dir := t.TempDir()
	engine := &countingEngine{}
	reg := New(catalog.Default(), engine, Options{ModelsDir: dir, Logger: quietLogger()})

	_, err := reg.Get(context.Background(), "neuro_ms")
	require.Error(t, err)
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))

	status := statusOf(reg, "neuro_ms")
	assert.Equal(t, StatusLoadFailed, status.Status)
	assert.Contains(t, status.LastError, "not found")

	// Operator restores the checkpoint
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MultipleSclerosis.pth"), []byte("w"), 0o600))

	h, err := reg.Get(context.Background(), "neuro_ms")
	require.NoError(t, err)
	assert.Equal(t, 2, h.OutputClasses())
	status = statusOf(reg, "neuro_ms")
	assert.Equal(t, StatusLoaded, status.Status)
	assert.Empty(t, status.LastError)
	assert.Equal(t, 2, status.Attempts)
}

func TestEngineFailureIsModelUnavailable(t *testing.T) {
	engine := &countingEngine{fail: errors.New("state dict mismatch")}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, "Breast.pth"), Logger: quietLogger()})

	_, err := reg.Get(context.Background(), "cancer_breast")
	require.Error(t, err)
	assert.Equal(t, domain.ErrModelUnavailable, domain.CodeOf(err))
	assert.False(t, domain.IsClientError(err))
}

func TestConcurrentFirstRequestsLoadOnce(t *testing.T) {
	engine := &countingEngine{gate: make(chan struct{}), started: make(chan struct{}, 16)}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, "Alzheimer.pth"), Logger: quietLogger()})

	const callers = 8
	var wg sync.WaitGroup
	handles := make([]inference.Handle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = reg.Get(context.Background(), "neuro_alzheimers")
		}(i)
	}

	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("load never started")
	}
	// Give the remaining callers time to join the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.loads))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 4, handles[i].OutputClasses())
	}

	_, err := reg.Get(context.Background(), "neuro_alzheimers")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.loads))
}

func TestLoadSurvivesCallerCancellation(t *testing.T) {
	engine := &countingEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	reg := New(catalog.Default(), engine, Options{ModelsDir: modelsDir(t, "Colon.pth"), Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reg.Get(ctx, "cancer_colon")
		done <- err
	}()
	<-engine.started
	cancel()
	close(engine.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusLoaded, statusOf(reg, "cancer_colon").Status)
}

func TestProbe(t *testing.T) {
	reg := New(catalog.Default(), &countingEngine{}, Options{
		ModelsDir: modelsDir(t, allCheckpoints()...),
		Logger:    quietLogger(),
	})

	statuses := reg.Probe(context.Background())
	require.Len(t, statuses, 9)
	for _, st := range statuses {
		if st.Key == domain.ModelSignalEpilepsy {
			assert.Equal(t, StatusLoadFailed, st.Status)
			continue
		}
		assert.Equal(t, StatusLoaded, st.Status, st.Key)
	}
}

func statusOf(reg *Registry, key domain.ModelKey) ModelStatus {
	for _, st := range reg.Status() {
		if st.Key == key {
			return st
		}
	}
	return ModelStatus{}
}
