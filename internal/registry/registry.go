// Package registry owns the lifecycle of model handles: eager loading of the
// fixed pipeline models and lazy, single-flight loading of the final models.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/medscan-diagnosis-server/internal/catalog"
	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/inference"
	"github.com/medscan-diagnosis-server/internal/metrics"
)

// LoadStatus is the lifecycle state of a registry entry
type LoadStatus string

const (
	StatusNotLoaded  LoadStatus = "NotLoaded"
	StatusLoaded     LoadStatus = "Loaded"
	StatusLoadFailed LoadStatus = "LoadFailed"
)

// ModelStatus is a snapshot of one registry entry
type ModelStatus struct {
	Key          domain.ModelKey `json:"key" yaml:"key"`
	Architecture string          `json:"architecture" yaml:"architecture"`
	Checkpoint   string          `json:"checkpoint" yaml:"checkpoint"`
	Classes      int             `json:"classes" yaml:"classes"`
	Required     bool            `json:"required" yaml:"required"`
	Status       LoadStatus      `json:"status" yaml:"status"`
	LastError    string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LoadedAt     *time.Time      `json:"loaded_at,omitempty" yaml:"loaded_at,omitempty"`
	Attempts     int             `json:"attempts" yaml:"attempts"`
}

type entryState struct {
	status    LoadStatus
	lastError string
	loadedAt  time.Time
	attempts  int
}

// Options configures a Registry
type Options struct {
	ModelsDir string
	Memo      inference.Memo
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Registry serves model handles by key. Successful loads are cached for the
// process lifetime; failures are recorded but never cached.
type Registry struct {
	catalog   *catalog.Catalog
	engine    inference.Engine
	modelsDir string
	memo      inference.Memo
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	handles map[domain.ModelKey]inference.Handle
	states  map[domain.ModelKey]*entryState
	loads   singleflight.Group
}

// New creates a registry. Nothing is loaded until Init or Get.
func New(cat *catalog.Catalog, engine inference.Engine, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	states := make(map[domain.ModelKey]*entryState)
	for _, k := range cat.Keys() {
		states[k] = &entryState{status: StatusNotLoaded}
	}
	return &Registry{
		catalog:   cat,
		engine:    engine,
		modelsDir: opts.ModelsDir,
		memo:      opts.Memo,
		logger:    logger,
		metrics:   opts.Metrics,
		handles:   make(map[domain.ModelKey]inference.Handle),
		states:    states,
	}
}

// Init loads every required model in parallel. Any failure means the process
// cannot serve.
func (r *Registry) Init(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range r.catalog.Required() {
		key := e.Key
		g.Go(func() error {
			_, err := r.Get(gctx, key)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return domain.NewConfigurationError("required model failed to load", err)
	}
	r.logger.WithField("models", len(r.catalog.Required())).Info("Required models loaded")
	return nil
}

// Get returns the handle for key, loading it on first use. Concurrent first
// calls for the same key share a single load.
func (r *Registry) Get(ctx context.Context, key domain.ModelKey) (inference.Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[key]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	entry, ok := r.catalog.Get(key)
	if !ok {
		return nil, domain.NewModelUnavailableError(key, fmt.Errorf("no catalog entry"))
	}

	v, err, _ := r.loads.Do(string(key), func() (interface{}, error) {
		r.mu.RLock()
		h, ok := r.handles[key]
		r.mu.RUnlock()
		if ok {
			return h, nil
		}
		// A load in flight outlives the request that triggered it
		return r.load(context.WithoutCancel(ctx), entry)
	})
	if err != nil {
		return nil, err
	}
	return v.(inference.Handle), nil
}

func (r *Registry) load(ctx context.Context, entry catalog.Entry) (inference.Handle, error) {
	start := time.Now()
	logger := r.logger.WithFields(logrus.Fields{
		"model_key":    entry.Key,
		"architecture": entry.Architecture,
		"checkpoint":   entry.Checkpoint,
	})

	h, err := r.open(ctx, entry)
	if err != nil {
		r.recordFailure(entry.Key, err)
		r.metrics.ObserveModelLoad(string(entry.Key), "failed")
		logger.WithError(err).Error("Model load failed")
		return nil, domain.NewModelUnavailableError(entry.Key, err)
	}

	h = inference.WithMemo(entry.Key, h, r.memo, r.logger)

	r.mu.Lock()
	r.handles[entry.Key] = h
	st := r.state(entry.Key)
	st.status = StatusLoaded
	st.lastError = ""
	st.loadedAt = time.Now().UTC()
	st.attempts++
	r.mu.Unlock()

	r.metrics.ObserveModelLoad(string(entry.Key), "loaded")
	logger.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Model loaded")
	return h, nil
}

func (r *Registry) open(ctx context.Context, entry catalog.Entry) (inference.Handle, error) {
	path := filepath.Join(r.modelsDir, entry.Checkpoint)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checkpoint %s not found", path)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("checkpoint %s is a directory", path)
	}

	h, err := r.engine.Load(ctx, inference.LoadSpec{
		Key:            entry.Key,
		Architecture:   entry.Architecture,
		CheckpointPath: path,
		NumClasses:     entry.Classes,
		Tolerant:       entry.Tolerant,
	})
	if err != nil {
		return nil, err
	}
	if got := h.OutputClasses(); got != entry.Classes {
		return nil, fmt.Errorf("checkpoint output layer has %d classes, expected %d", got, entry.Classes)
	}
	return h, nil
}

func (r *Registry) recordFailure(key domain.ModelKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(key)
	st.status = StatusLoadFailed
	st.lastError = err.Error()
	st.attempts++
}

// state must be called with mu held
func (r *Registry) state(key domain.ModelKey) *entryState {
	st, ok := r.states[key]
	if !ok {
		st = &entryState{status: StatusNotLoaded}
		r.states[key] = st
	}
	return st
}

// Status returns a snapshot of every catalog entry in key order
func (r *Registry) Status() []ModelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelStatus, 0, len(r.states))
	for _, k := range r.catalog.Keys() {
		e, _ := r.catalog.Get(k)
		st := r.states[k]
		ms := ModelStatus{
			Key:          k,
			Architecture: e.Architecture,
			Checkpoint:   e.Checkpoint,
			Classes:      e.Classes,
			Required:     e.Required,
			Status:       st.status,
			LastError:    st.lastError,
			Attempts:     st.attempts,
		}
		if st.status == StatusLoaded {
			t := st.loadedAt
			ms.LoadedAt = &t
		}
		out = append(out, ms)
	}
	return out
}

// Ready reports whether every required model is loaded
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.catalog.Required() {
		if _, ok := r.handles[e.Key]; !ok {
			return false
		}
	}
	return true
}

// Probe attempts to load every catalog entry and returns the resulting status
func (r *Registry) Probe(ctx context.Context) []ModelStatus {
	var wg sync.WaitGroup
	for _, k := range r.catalog.Keys() {
		wg.Add(1)
		go func(key domain.ModelKey) {
			defer wg.Done()
			_, _ = r.Get(ctx, key)
		}(k)
	}
	wg.Wait()
	return r.Status()
}
