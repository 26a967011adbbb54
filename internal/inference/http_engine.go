package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// StatusError is returned when the engine answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference engine returned status %d: %s", e.StatusCode, e.Body)
}

// ErrEngineUnavailable is returned while the circuit breaker is open
var ErrEngineUnavailable = errors.New("inference engine unavailable (circuit breaker open)")

// HTTPEngine talks JSON to an inference sidecar
type HTTPEngine struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine creates an engine client from configuration
func NewHTTPEngine(cfg domain.InferenceConfig, logger *logrus.Logger) *HTTPEngine {
	if logger == nil {
		logger = logrus.New()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	minRequests := cfg.Breaker.MinRequests
	if minRequests == 0 {
		minRequests = 3
	}
	ratio := cfg.Breaker.FailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "inference-engine",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
		// Client-side rejections say nothing about engine health
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		logger:  logger,
	}
}

type loadResponse struct {
	HandleID      string `json:"handle_id"`
	OutputClasses int    `json:"output_classes"`
}

type inferResponse struct {
	Scores []float32 `json:"scores"`
}

// Load asks the engine to load a checkpoint and returns a remote handle
func (e *HTTPEngine) Load(ctx context.Context, spec LoadSpec) (Handle, error) {
	var resp loadResponse
	if err := e.call(ctx, "/v1/models/load", spec, &resp); err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.Key, err)
	}
	if resp.HandleID == "" {
		return nil, fmt.Errorf("load %s: engine returned no handle id", spec.Key)
	}

	e.logger.WithFields(logrus.Fields{
		"model_key":      spec.Key,
		"architecture":   spec.Architecture,
		"output_classes": resp.OutputClasses,
		"tolerant":       spec.Tolerant,
	}).Info("Model loaded by inference engine")

	return &remoteHandle{engine: e, id: resp.HandleID, classes: resp.OutputClasses}, nil
}

// BreakerState reports the circuit breaker state for health output
func (e *HTTPEngine) BreakerState() string {
	return e.breaker.State().String()
}

type remoteHandle struct {
	engine  *HTTPEngine
	id      string
	classes int
}

func (h *remoteHandle) OutputClasses() int {
	return h.classes
}

func (h *remoteHandle) Infer(ctx context.Context, input domain.Tensor) ([]float32, error) {
	if len(input.Data) != input.Size() {
		return nil, fmt.Errorf("tensor data has %d values for shape %v", len(input.Data), input.Shape)
	}
	var resp inferResponse
	if err := h.engine.call(ctx, "/v1/models/"+url.PathEscape(h.id)+"/infer", input, &resp); err != nil {
		return nil, err
	}
	if len(resp.Scores) == 0 {
		return nil, fmt.Errorf("engine returned no scores")
	}
	return resp.Scores, nil
}

func (e *HTTPEngine) call(ctx context.Context, path string, payload any, v any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.post(ctx, path, payload, v)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrEngineUnavailable
	}
	return err
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
