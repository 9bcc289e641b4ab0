package repository

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecipeRepository_CreateGetRoundTrip(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	r, err := domain.NewRecipe("r1", "Singleton", "swift", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r.Content.Pattern = "shared single instance"
	r.Trigger = "@singleton"
	require.NoError(t, r.Transition(domain.RecipeStatusActive, ""))
	require.NoError(t, repo.Create(r))

	got, err := repo.Get("r1")
	require.NoError(t, err)

	if diff := cmp.Diff(r, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("round-tripped recipe mismatch (-want +got):\n%s", diff)
	}
}

func TestRecipeRepository_UpdateChangesStatus(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	r, err := domain.NewRecipe("r1", "Factory", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r.Content.Pattern = "create via factory method"
	require.NoError(t, repo.Create(r))

	require.NoError(t, r.Transition(domain.RecipeStatusActive, ""))
	require.NoError(t, repo.Update(r))

	got, err := repo.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecipeStatusActive, got.Status)
}

func TestRecipeRepository_FindByStatusPagesActiveRecipes(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	for _, id := range []string{"r1", "r2"} {
		r, err := domain.NewRecipe(id, "Title "+id, "go", "Service", domain.KindPattern, "")
		require.NoError(t, err)
		r.Content.Pattern = "some pattern body"
		require.NoError(t, r.Transition(domain.RecipeStatusActive, ""))
		require.NoError(t, repo.Create(r))
	}

	page, err := repo.FindByStatus(domain.RecipeStatusActive, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestRecipeRepository_DeleteRemovesRow(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	r, err := domain.NewRecipe("r1", "Temp", "go", "Service", domain.KindFact, "")
	require.NoError(t, err)
	require.NoError(t, repo.Create(r))

	require.NoError(t, repo.Delete("r1"))
	_, err = repo.Get("r1")
	assert.Error(t, err)
}

func TestRecipeRepository_FindRelatedJoinsForwardAndReverse(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	forward, err := domain.NewRecipe("r2", "Forward Target", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	forward.Content.Pattern = "x"
	require.NoError(t, repo.Create(forward))

	reverse, err := domain.NewRecipe("r3", "Reverse Source", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	reverse.Content.Pattern = "x"
	reverse.Relations.Related = []domain.RelationEntry{{Target: "r1"}}
	require.NoError(t, repo.Create(reverse))

	unrelated, err := domain.NewRecipe("r4", "Unrelated", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	unrelated.Content.Pattern = "x"
	require.NoError(t, repo.Create(unrelated))

	r1, err := domain.NewRecipe("r1", "Origin", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r1.Content.Pattern = "x"
	r1.Relations.Related = []domain.RelationEntry{{Target: "r2"}}
	require.NoError(t, repo.Create(r1))

	related, err := repo.FindRelated("r1")
	require.NoError(t, err)
	var ids []string
	for _, r := range related {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"r2", "r3"}, ids)
}

func TestRecipeRepository_GetRecommendationsOrdersByWeightedScore(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	high, err := domain.NewRecipe("r1", "High", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	high.Content.Pattern = "x"
	require.NoError(t, high.Transition(domain.RecipeStatusActive, ""))
	high.Quality.Overall = 0.9
	high.Stats.AdoptionCount = 100
	high.Stats.ApplicationCount = 100
	require.NoError(t, repo.Create(high))

	low, err := domain.NewRecipe("r2", "Low", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	low.Content.Pattern = "x"
	require.NoError(t, low.Transition(domain.RecipeStatusActive, ""))
	low.Quality.Overall = 0.1
	require.NoError(t, repo.Create(low))

	out, err := repo.GetRecommendations(5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].ID)
}

func TestRecipeRepository_SearchMatchesSpecNamedColumns(t *testing.T) {
	repo := NewRecipeRepository(newTestStore(t))

	r, err := domain.NewRecipe("r1", "Observer", "go", "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r.Content.Pattern = "x"
	r.Trigger = "@distinctivetrigger"
	require.NoError(t, repo.Create(r))

	page, err := repo.Search("distinctivetrigger", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
