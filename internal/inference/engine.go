// Package inference is the client side of the opaque inference engine: it
// loads checkpoints into handles and runs tensors through them.
package inference

import (
	"context"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// LoadSpec describes a checkpoint to load
type LoadSpec struct {
	Key            domain.ModelKey `json:"model_key"`
	Architecture   string          `json:"architecture"`
	CheckpointPath string          `json:"checkpoint_path"`
	NumClasses     int             `json:"num_classes"`
	// Tolerant lets the engine skip parameters whose names or shapes do not match
	Tolerant bool `json:"tolerant"`
}

// Handle is a loaded model. Handles are safe for concurrent use.
type Handle interface {
	Infer(ctx context.Context, input domain.Tensor) ([]float32, error)
	// OutputClasses is the width of the output layer reported by the engine
	OutputClasses() int
}

// Engine loads checkpoints
type Engine interface {
	Load(ctx context.Context, spec LoadSpec) (Handle, error)
}
