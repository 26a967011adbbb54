package preprocess

import (
	"fmt"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// Registry maps a pipeline stage (and subtype for the final stage) to its recipe
type Registry struct {
	recipes  map[RecipeKey]Recipe
	bindings map[domain.ModelKey]RecipeKey
}

// NewRegistry creates a registry over the standard recipes. bindings assigns a
// recipe to every model key that can be reached.
func NewRegistry(bindings map[domain.ModelKey]RecipeKey) *Registry {
	b := make(map[domain.ModelKey]RecipeKey, len(bindings))
	for k, v := range bindings {
		b[k] = v
	}
	return &Registry{
		recipes:  StandardRecipes(),
		bindings: b,
	}
}

// Recipe returns a recipe by key
func (r *Registry) Recipe(key RecipeKey) (Recipe, bool) {
	recipe, ok := r.recipes[key]
	return recipe, ok
}

// RecipeFor returns the recipe for a stage. subtype is only consulted for the final stage.
func (r *Registry) RecipeFor(stage domain.Stage, subtype domain.Subtype) (Recipe, error) {
	var key domain.ModelKey
	if stage == domain.StageFinalDiagnosis {
		key = domain.KeyForSubtype(subtype)
	} else {
		k, ok := domain.KeyForStage(stage)
		if !ok {
			return Recipe{}, fmt.Errorf("no model bound to stage %s", stage)
		}
		key = k
	}
	return r.recipeForKey(key)
}

func (r *Registry) recipeForKey(key domain.ModelKey) (Recipe, error) {
	rk, ok := r.bindings[key]
	if !ok {
		return Recipe{}, fmt.Errorf("no recipe bound to model %s", key)
	}
	recipe, ok := r.recipes[rk]
	if !ok {
		return Recipe{}, fmt.Errorf("recipe %s for model %s is not registered", rk, key)
	}
	return recipe, nil
}

// Validate checks that every stage and subtype combination resolves to a registered recipe.
// It is run once at start-up.
func (r *Registry) Validate() error {
	for _, stage := range []domain.Stage{
		domain.StageModalityGate,
		domain.StageBroadClassification,
		domain.StageSubtypeClassification,
	} {
		if _, err := r.RecipeFor(stage, ""); err != nil {
			return err
		}
	}
	for _, s := range domain.Subtypes {
		if _, err := r.RecipeFor(domain.StageFinalDiagnosis, s); err != nil {
			return err
		}
	}
	return nil
}
