// Package catalog holds the static association between model keys and their
// architecture, output cardinality, preprocessing recipe and label vocabulary.
// Adding a disease subtype means adding one row here.
package catalog

import (
	"fmt"
	"sort"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/preprocess"
)

// Entry describes one model
type Entry struct {
	Key          domain.ModelKey
	Architecture string
	// Classes is the output cardinality. 1 means a single sigmoid probability.
	Classes    int
	Checkpoint string
	Recipe     preprocess.RecipeKey
	// Labels is the raw vocabulary indexed by class. Scalar heads carry two labels.
	Labels []string
	// Clinical optionally collapses raw class indices into the reported label.
	Clinical []string
	// Tolerant requests partial weight loading from the engine.
	Tolerant bool
	// Required entries are loaded eagerly at start-up and must succeed.
	Required bool
}

// Scalar reports whether the model emits a single probability
func (e Entry) Scalar() bool {
	return e.Classes == 1
}

// Catalog is an immutable set of entries
type Catalog struct {
	entries map[domain.ModelKey]Entry
}

// New builds a catalog from entries
func New(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[domain.ModelKey]Entry, len(entries))}
	for _, e := range entries {
		c.entries[e.Key] = e
	}
	return c
}

// Default returns the catalog of the production pipeline models
func Default() *Catalog {
	return New(
		Entry{
			Key:          domain.ModelModalityGate,
			Architecture: "simple_cnn",
			Classes:      1,
			Checkpoint:   "1st_Pipeline.pth",
			Recipe:       preprocess.RecipeImageNet,
			Labels:       []string{domain.LabelOurModality, domain.LabelNotOurModality},
			Required:     true,
		},
		Entry{
			Key:          domain.ModelBroadClassification,
			Architecture: "resnet18_sigmoid",
			Classes:      1,
			Checkpoint:   "2nd_Pipeline.pth",
			Recipe:       preprocess.RecipeImageNet,
			Labels:       []string{"Cancer", "Neurological Disorder"},
			Required:     true,
		},
		Entry{
			Key:          domain.ModelSubtypeClassification,
			Architecture: "efficientnet_b0",
			Classes:      5,
			Checkpoint:   "3rd_Pipeline.pth",
			Recipe:       preprocess.RecipeCenterCrop,
			Labels: []string{
				string(domain.SubtypeCancerBreast),
				string(domain.SubtypeCancerColon),
				string(domain.SubtypeCancerLung),
				string(domain.SubtypeNeuroAlzheimers),
				string(domain.SubtypeNeuroMS),
			},
			Required: true,
		},
		Entry{
			Key:          domain.KeyForSubtype(domain.SubtypeCancerBreast),
			Architecture: "resnet18",
			Classes:      2,
			Checkpoint:   "Breast.pth",
			Recipe:       preprocess.RecipeImageNet,
			Labels:       []string{"Benign", "Malignant"},
			Tolerant:     true,
		},
		Entry{
			Key:          domain.KeyForSubtype(domain.SubtypeCancerColon),
			Architecture: "resnet18_dropout",
			Classes:      2,
			Checkpoint:   "Colon.pth",
			Recipe:       preprocess.RecipeSymmetric,
			Labels:       []string{"Non_Cancer", "Cancer"},
			Tolerant:     true,
		},
		Entry{
			Key:          domain.KeyForSubtype(domain.SubtypeCancerLung),
			Architecture: "efficientnet_b0_torchvision",
			Classes:      3,
			Checkpoint:   "Lung.pth",
			Recipe:       preprocess.RecipeSymmetric,
			Labels:       []string{"Benign", "Malignant", "Normal"},
			Tolerant:     true,
		},
		Entry{
			Key:          domain.KeyForSubtype(domain.SubtypeNeuroAlzheimers),
			Architecture: "efficientnet_b3",
			Classes:      4,
			Checkpoint:   "Alzheimer.pth",
			Recipe:       preprocess.RecipeImageNet,
			Labels:       []string{"Mild Impairment", "Moderate Impairment", "No Impairment", "Very Mild Impairment"},
			Clinical:     []string{"Alzheimer", "Alzheimer", "No Alzheimer", "Alzheimer"},
			Tolerant:     true,
		},
		Entry{
			Key:          domain.KeyForSubtype(domain.SubtypeNeuroMS),
			Architecture: "convnext_tiny",
			Classes:      2,
			Checkpoint:   "MultipleSclerosis.pth",
			Recipe:       preprocess.RecipeSymmetric,
			Labels:       []string{"Control", "MS"},
			Tolerant:     true,
		},
		Entry{
			Key:          domain.ModelSignalEpilepsy,
			Architecture: "cnn_lstm_1d",
			Classes:      1,
			Checkpoint:   "Epilepsy.pth",
			Labels:       []string{domain.LabelNonSeizure, domain.LabelSeizure},
		},
	)
}

// Get returns the entry for key
func (c *Catalog) Get(key domain.ModelKey) (Entry, bool) {
	e, ok := c.entries[key]
	return e, ok
}

// Keys returns all model keys in sorted order
func (c *Catalog) Keys() []domain.ModelKey {
	keys := make([]domain.ModelKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Required returns the entries that must load at start-up
func (c *Catalog) Required() []Entry {
	var out []Entry
	for _, k := range c.Keys() {
		if e := c.entries[k]; e.Required {
			out = append(out, e)
		}
	}
	return out
}

// RecipeBindings returns the recipe assigned to each image model
func (c *Catalog) RecipeBindings() map[domain.ModelKey]preprocess.RecipeKey {
	out := make(map[domain.ModelKey]preprocess.RecipeKey)
	for k, e := range c.entries {
		if e.Recipe != "" {
			out[k] = e.Recipe
		}
	}
	return out
}

// WithCheckpoints returns a copy with checkpoint file names overridden per key
func (c *Catalog) WithCheckpoints(overrides map[string]string) *Catalog {
	out := &Catalog{entries: make(map[domain.ModelKey]Entry, len(c.entries))}
	for k, e := range c.entries {
		if f, ok := overrides[string(k)]; ok && f != "" {
			e.Checkpoint = f
		}
		out.entries[k] = e
	}
	return out
}

// Validate checks the catalog against the recipe registry. A failure here is a
// configuration error and must stop start-up.
func (c *Catalog) Validate(recipes *preprocess.Registry) error {
	for _, k := range c.Keys() {
		e := c.entries[k]
		if e.Checkpoint == "" {
			return fmt.Errorf("model %s: no checkpoint file", k)
		}
		if e.Classes < 1 {
			return fmt.Errorf("model %s: invalid output cardinality %d", k, e.Classes)
		}
		want := e.Classes
		if e.Scalar() {
			want = 2
		}
		if len(e.Labels) != want {
			return fmt.Errorf("model %s: %d labels for %d outputs", k, len(e.Labels), e.Classes)
		}
		if e.Clinical != nil && len(e.Clinical) != e.Classes {
			return fmt.Errorf("model %s: clinical table has %d rows for %d outputs", k, len(e.Clinical), e.Classes)
		}
		if e.Recipe != "" {
			if _, ok := recipes.Recipe(e.Recipe); !ok {
				return fmt.Errorf("model %s: recipe %s is not registered", k, e.Recipe)
			}
		}
	}

	for _, s := range domain.Subtypes {
		if _, ok := c.entries[domain.KeyForSubtype(s)]; !ok {
			return fmt.Errorf("subtype %s has no final model", s)
		}
	}
	for _, stage := range []domain.Stage{domain.StageModalityGate, domain.StageBroadClassification, domain.StageSubtypeClassification} {
		key, _ := domain.KeyForStage(stage)
		e, ok := c.entries[key]
		if !ok || !e.Required {
			return fmt.Errorf("stage %s has no required model", stage)
		}
	}
	if sub, ok := c.entries[domain.ModelSubtypeClassification]; ok && len(sub.Labels) != len(domain.Subtypes) {
		return fmt.Errorf("subtype model vocabulary does not match the subtype enumeration")
	}
	return recipes.Validate()
}
