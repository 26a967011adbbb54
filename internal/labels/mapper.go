// Package labels turns raw model scores into the externally visible labels of
// each pipeline stage.
package labels

import (
	"fmt"
	"math"

	"github.com/medscan-diagnosis-server/internal/catalog"
	"github.com/medscan-diagnosis-server/internal/domain"
)

const (
	// ModalityThreshold splits the gate probability. Low scores are in-domain.
	ModalityThreshold = 0.5
	// BroadThreshold selects index 1 of the broad vocabulary when exceeded
	BroadThreshold = 0.5
	// SeizureThreshold is the per-row probability at or above which a signal is a seizure
	SeizureThreshold = 0.0001
)

// Fallback labels for a final-stage key without a catalog row
const (
	FallbackPositive = "Disease Detected"
	FallbackNegative = "Normal"
)

// Mapping is the outcome of mapping one score vector
type Mapping struct {
	Index      int
	Raw        string
	Label      string
	Confidence float64
}

// Mapper maps scores using the vocabulary tables of a catalog
type Mapper struct {
	catalog *catalog.Catalog
}

// NewMapper creates a mapper over cat
func NewMapper(cat *catalog.Catalog) *Mapper {
	return &Mapper{catalog: cat}
}

// Map returns the label for scores produced at stage. subtype is only read for
// the final stage.
func (m *Mapper) Map(stage domain.Stage, scores []float32, subtype domain.Subtype) (string, error) {
	res, err := m.Resolve(stage, scores, subtype)
	if err != nil {
		return "", err
	}
	return res.Label, nil
}

// Resolve is Map with the winning index, raw vocabulary label and confidence
func (m *Mapper) Resolve(stage domain.Stage, scores []float32, subtype domain.Subtype) (Mapping, error) {
	switch stage {
	case domain.StageModalityGate:
		p, err := scalar(scores)
		if err != nil {
			return Mapping{}, err
		}
		if p < ModalityThreshold {
			return Mapping{Index: 0, Raw: domain.LabelOurModality, Label: domain.LabelOurModality, Confidence: 1 - p}, nil
		}
		return Mapping{Index: 1, Raw: domain.LabelNotOurModality, Label: domain.LabelNotOurModality, Confidence: p}, nil

	case domain.StageBroadClassification:
		p, err := scalar(scores)
		if err != nil {
			return Mapping{}, err
		}
		entry, ok := m.catalog.Get(domain.ModelBroadClassification)
		if !ok {
			return Mapping{}, fmt.Errorf("no vocabulary for %s", domain.ModelBroadClassification)
		}
		idx, conf := 0, 1-p
		if p > BroadThreshold {
			idx, conf = 1, p
		}
		return Mapping{Index: idx, Raw: entry.Labels[idx], Label: entry.Labels[idx], Confidence: conf}, nil

	case domain.StageSubtypeClassification:
		return m.vector(domain.ModelSubtypeClassification, scores)

	case domain.StageFinalDiagnosis:
		key := domain.KeyForSubtype(subtype)
		if _, ok := m.catalog.Get(key); !ok {
			return fallback(scores)
		}
		return m.vector(key, scores)
	}
	return Mapping{}, fmt.Errorf("no label table for %s", stage)
}

func (m *Mapper) vector(key domain.ModelKey, scores []float32) (Mapping, error) {
	entry, ok := m.catalog.Get(key)
	if !ok {
		return Mapping{}, fmt.Errorf("no vocabulary for %s", key)
	}
	if len(scores) != len(entry.Labels) {
		return Mapping{}, fmt.Errorf("%s: %d scores for %d classes", key, len(scores), len(entry.Labels))
	}
	idx := Argmax(scores)
	out := Mapping{
		Index:      idx,
		Raw:        entry.Labels[idx],
		Label:      entry.Labels[idx],
		Confidence: Softmax(scores)[idx],
	}
	if entry.Clinical != nil {
		out.Label = entry.Clinical[idx]
	}
	return out, nil
}

func fallback(scores []float32) (Mapping, error) {
	if len(scores) == 0 {
		return Mapping{}, fmt.Errorf("empty score vector")
	}
	idx := Argmax(scores)
	label := FallbackNegative
	if idx == 1 {
		label = FallbackPositive
	}
	return Mapping{Index: idx, Raw: label, Label: label, Confidence: Softmax(scores)[idx]}, nil
}

// Seizures labels each per-row probability of the signal model
func Seizures(probs []float32) domain.SeizureResult {
	res := domain.SeizureResult{
		Labels:        make([]string, len(probs)),
		Probabilities: make([]float64, len(probs)),
	}
	for i, p := range probs {
		res.Probabilities[i] = float64(p)
		if p >= SeizureThreshold {
			res.Labels[i] = domain.LabelSeizure
		} else {
			res.Labels[i] = domain.LabelNonSeizure
		}
	}
	return res
}

// Argmax returns the index of the highest score. Ties resolve to the lowest index.
func Argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits into probabilities
func Softmax(scores []float32) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	peak := float64(scores[Argmax(scores)])
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func scalar(scores []float32) (float64, error) {
	if len(scores) != 1 {
		return 0, fmt.Errorf("expected a single probability, got %d scores", len(scores))
	}
	p := float64(scores[0])
	if math.IsNaN(p) {
		return 0, fmt.Errorf("probability is NaN")
	}
	return p, nil
}
