package indexing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *repository.RecipeRepository, *repository.CandidateRepository) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	provider := embedding.NewLocalProvider(16)
	cfg := config.DefaultConfig()

	return NewPipeline(st, recipes, candidates, provider, cfg), recipes, candidates
}

func seedActiveRecipe(t *testing.T, recipes *repository.RecipeRepository, id string) {
	t.Helper()
	r, err := domain.NewRecipe(id, "Title "+id, "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r.Content.Pattern = "a pattern body long enough to embed and tokenize"
	require.NoError(t, r.Transition(domain.RecipeStatusActive, ""))
	require.NoError(t, recipes.Create(r))
}

func TestPipeline_RunIndexesActiveRecipes(t *testing.T) {
	p, recipes, _ := newTestPipeline(t)
	seedActiveRecipe(t, recipes, "r1")

	result, err := p.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Indexed)
	require.Equal(t, 0, result.Skipped)
}

func TestPipeline_RunSkipsUnchangedEntitiesOnSecondPass(t *testing.T) {
	p, recipes, _ := newTestPipeline(t)
	seedActiveRecipe(t, recipes, "r1")

	_, err := p.Run(context.Background(), false)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, result.Indexed)
	require.Equal(t, 1, result.Skipped)
}

func TestPipeline_RunRemovesDeprecatedRecipe(t *testing.T) {
	p, recipes, _ := newTestPipeline(t)
	seedActiveRecipe(t, recipes, "r1")

	_, err := p.Run(context.Background(), false)
	require.NoError(t, err)

	r, err := recipes.Get("r1")
	require.NoError(t, err)
	require.NoError(t, r.Transition(domain.RecipeStatusDeprecated, "superseded"))
	require.NoError(t, recipes.Update(r))

	result, err := p.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Removed)
}

func TestPipeline_RunClearReindexesEverything(t *testing.T) {
	p, recipes, _ := newTestPipeline(t)
	seedActiveRecipe(t, recipes, "r1")

	_, err := p.Run(context.Background(), false)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, result.Indexed)
	require.Equal(t, 0, result.Skipped)
}
