package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/preprocess"
)

func TestDefaultCatalogValidates(t *testing.T) {
	cat := Default()
	require.NoError(t, cat.Validate(preprocess.NewRegistry(cat.RecipeBindings())))
}

func TestDefaultCatalogCardinality(t *testing.T) {
	cat := Default()
	expected := map[domain.Subtype]int{
		domain.SubtypeCancerBreast:    2,
		domain.SubtypeCancerColon:     2,
		domain.SubtypeCancerLung:      3,
		domain.SubtypeNeuroAlzheimers: 4,
		domain.SubtypeNeuroMS:         2,
	}
	for s, classes := range expected {
		e, ok := cat.Get(domain.KeyForSubtype(s))
		require.True(t, ok, s)
		assert.Equal(t, classes, e.Classes, s)
		assert.True(t, e.Tolerant, "final models load tolerantly")
		assert.False(t, e.Required, "final models load lazily")
	}

	required := cat.Required()
	require.Len(t, required, 3)
	for _, e := range required {
		assert.False(t, e.Tolerant)
	}
}

func TestValidateRejectsVocabularyMismatch(t *testing.T) {
	cat := Default()
	lung, _ := cat.Get("cancer_lung")
	lung.Labels = []string{"Benign", "Malignant"}

	broken := New(append(entriesOf(cat), lung)...)
	err := broken.Validate(preprocess.NewRegistry(broken.RecipeBindings()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancer_lung")
}

func TestValidateRejectsClinicalMismatch(t *testing.T) {
	cat := Default()
	alz, _ := cat.Get("neuro_alzheimers")
	alz.Clinical = []string{"Alzheimer", "No Alzheimer"}

	broken := New(append(entriesOf(cat), alz)...)
	assert.Error(t, broken.Validate(preprocess.NewRegistry(broken.RecipeBindings())))
}

func TestValidateRequiresEverySubtype(t *testing.T) {
	var entries []Entry
	for _, e := range entriesOf(Default()) {
		if e.Key != "neuro_ms" {
			entries = append(entries, e)
		}
	}
	cat := New(entries...)
	err := cat.Validate(preprocess.NewRegistry(cat.RecipeBindings()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neuro_ms")
}

func TestWithCheckpoints(t *testing.T) {
	cat := Default().WithCheckpoints(map[string]string{"cancer_lung": "lung-v2.pth"})
	lung, _ := cat.Get("cancer_lung")
	assert.Equal(t, "lung-v2.pth", lung.Checkpoint)

	original, _ := Default().Get("cancer_lung")
	assert.Equal(t, "Lung.pth", original.Checkpoint)
}

func entriesOf(c *Catalog) []Entry {
	var out []Entry
	for _, k := range c.Keys() {
		e, _ := c.Get(k)
		out = append(out, e)
	}
	return out
}
