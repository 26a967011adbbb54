package domain

import (
	"errors"
	"fmt"
	"time"
)

// PipelineError represents a classified pipeline failure
type PipelineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Subtype   string    `json:"subtype,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Err       error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether the failure was caused by the request
func (e *PipelineError) IsClientError() bool {
	switch e.Code {
	case ErrNoInput, ErrUnsupportedInputKind, ErrInvalidInput, ErrMissingParameter, ErrUnknownSubtype:
		return true
	}
	return false
}

// Error codes for different failure scenarios
const (
	ErrNoInput              = "NO_INPUT"
	ErrUnsupportedInputKind = "UNSUPPORTED_INPUT_KIND"
	ErrInvalidInput         = "INVALID_INPUT"
	ErrMissingParameter     = "MISSING_PARAMETER"
	ErrUnknownSubtype       = "UNKNOWN_SUBTYPE"
	ErrModelUnavailable     = "MODEL_UNAVAILABLE"
	ErrInferenceFailure     = "INFERENCE_FAILURE"
	ErrConfiguration        = "CONFIGURATION_ERROR"
	ErrInternal             = "INTERNAL_ERROR"
)

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(code, message, details string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		Err:       cause,
	}
}

func NewNoInputError() *PipelineError {
	return NewPipelineError(ErrNoInput, "No file uploaded", "", nil)
}

func NewUnsupportedInputError(filename string, stage Stage) *PipelineError {
	return NewPipelineError(ErrUnsupportedInputKind, "Unsupported file type",
		fmt.Sprintf("%q is not accepted by %s", filename, stage), nil)
}

func NewInvalidInputError(reason string, cause error) *PipelineError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return NewPipelineError(ErrInvalidInput, reason, details, cause)
}

func NewMissingParameterError(name string) *PipelineError {
	return NewPipelineError(ErrMissingParameter, fmt.Sprintf("%s parameter required", name), "", nil)
}

func NewUnknownSubtypeError(subtype string) *PipelineError {
	e := NewPipelineError(ErrUnknownSubtype, fmt.Sprintf("Unknown subtype: %s", subtype), "", nil)
	e.Subtype = subtype
	return e
}

func NewModelUnavailableError(key ModelKey, cause error) *PipelineError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	e := NewPipelineError(ErrModelUnavailable, fmt.Sprintf("Model not found for %s", key), details, cause)
	e.Subtype = string(key)
	return e
}

func NewInferenceError(key ModelKey, cause error) *PipelineError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return NewPipelineError(ErrInferenceFailure, fmt.Sprintf("Inference failed for %s", key), details, cause)
}

func NewConfigurationError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrConfiguration, message, "", cause)
}

// CodeOf returns the taxonomy code carried by err, or ErrInternal
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// IsClientError reports whether err is a client-side pipeline failure
func IsClientError(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.IsClientError()
}
