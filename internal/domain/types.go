package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Stage represents a step of the diagnosis pipeline. Stages are totally
// ordered; a request only ever advances.
type Stage int

const (
	StageModalityGate Stage = iota + 1
	StageBroadClassification
	StageSubtypeClassification
	StageFinalDiagnosis
)

// String returns the wire name of the stage
func (s Stage) String() string {
	switch s {
	case StageModalityGate:
		return "modality_gate"
	case StageBroadClassification:
		return "broad_classification"
	case StageSubtypeClassification:
		return "subtype_classification"
	case StageFinalDiagnosis:
		return "final_diagnosis"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Valid reports whether s is one of the four pipeline stages
func (s Stage) Valid() bool {
	return s >= StageModalityGate && s <= StageFinalDiagnosis
}

// ParseStage accepts the wire name or a short alias used by the CLI and MCP tools
func ParseStage(v string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "modality_gate", "modality", "predict":
		return StageModalityGate, nil
	case "broad_classification", "broad", "classify":
		return StageBroadClassification, nil
	case "subtype_classification", "subtype":
		return StageSubtypeClassification, nil
	case "final_diagnosis", "final", "diagnose":
		return StageFinalDiagnosis, nil
	}
	return 0, fmt.Errorf("unknown stage %q", v)
}

// Subtype is one of the disease categories that selects a final model
type Subtype string

const (
	SubtypeCancerBreast    Subtype = "cancer_breast"
	SubtypeCancerColon     Subtype = "cancer_colon"
	SubtypeCancerLung      Subtype = "cancer_lung"
	SubtypeNeuroAlzheimers Subtype = "neuro_alzheimers"
	SubtypeNeuroMS         Subtype = "neuro_ms"
)

// Subtypes lists the fixed enumeration in model output order
var Subtypes = []Subtype{
	SubtypeCancerBreast,
	SubtypeCancerColon,
	SubtypeCancerLung,
	SubtypeNeuroAlzheimers,
	SubtypeNeuroMS,
}

// Valid reports whether s is a member of the fixed enumeration
func (s Subtype) Valid() bool {
	for _, known := range Subtypes {
		if s == known {
			return true
		}
	}
	return false
}

// ModelKey identifies a model in the catalog and registry
type ModelKey string

const (
	ModelModalityGate          ModelKey = "modality_gate"
	ModelBroadClassification   ModelKey = "broad_classification"
	ModelSubtypeClassification ModelKey = "subtype_classification"
	ModelSignalEpilepsy        ModelKey = "signal_epilepsy"
)

// KeyForStage returns the fixed model key serving a non-final stage
func KeyForStage(stage Stage) (ModelKey, bool) {
	switch stage {
	case StageModalityGate:
		return ModelModalityGate, true
	case StageBroadClassification:
		return ModelBroadClassification, true
	case StageSubtypeClassification:
		return ModelSubtypeClassification, true
	}
	return "", false
}

// KeyForSubtype returns the final-diagnosis model key of a subtype
func KeyForSubtype(s Subtype) ModelKey {
	return ModelKey(s)
}

// ContentKind is the declared kind of an uploaded payload
type ContentKind string

const (
	ContentImage       ContentKind = "image"
	ContentTabular     ContentKind = "tabular"
	ContentUnsupported ContentKind = "unsupported"
)

// KindFromFilename classifies an upload by its extension
func KindFromFilename(name string) ContentKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return ContentImage
	case ".csv":
		return ContentTabular
	default:
		return ContentUnsupported
	}
}

// Tensor is a dense float32 array in row-major order
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Size returns the number of elements implied by the shape
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Modality gate labels
const (
	LabelOurModality    = "Our Modality"
	LabelNotOurModality = "Not Our Modality"
)

// Seizure labels
const (
	LabelSeizure    = "Seizure"
	LabelNonSeizure = "Non-seizure"
)

// DiagnosisResult is the per-request outcome of a single stage. It is never persisted.
type DiagnosisResult struct {
	Stage      Stage   `json:"-"`
	StageName  string  `json:"stage"`
	Label      string  `json:"label"`
	Subtype    Subtype `json:"subtype,omitempty"`
	Diagnosis  string  `json:"diagnosis,omitempty"`
	Confidence float64 `json:"confidence"`
}

// SeizureResult holds per-row labels from the tabular signal model
type SeizureResult struct {
	Labels        []string  `json:"labels"`
	Probabilities []float64 `json:"probabilities"`
}

// PipelineReport is the outcome of a chained run through every reachable stage
type PipelineReport struct {
	StageReached   string           `json:"stage_reached"`
	ContentKind    ContentKind      `json:"content_kind"`
	Modality       *DiagnosisResult `json:"modality,omitempty"`
	Classification *DiagnosisResult `json:"classification,omitempty"`
	Subtype        *DiagnosisResult `json:"subtype,omitempty"`
	Diagnosis      *DiagnosisResult `json:"diagnosis,omitempty"`
	Seizures       *SeizureResult   `json:"seizures,omitempty"`
	Stopped        string           `json:"stopped,omitempty"`
}

// StageEvent is emitted after each completed stage of a chained run
type StageEvent struct {
	Type   string           `json:"type"`
	Stage  string           `json:"stage"`
	Result *DiagnosisResult `json:"result,omitempty"`
}
