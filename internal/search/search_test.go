package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/indexing"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
	"github.com/knowledgeengine/core/internal/usage"
)

func newTestCore(t *testing.T) (*Core, *repository.RecipeRepository) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	provider := embedding.NewLocalProvider(32)

	tracker, err := usage.NewTracker(t.TempDir())
	require.NoError(t, err)

	seedRecipe(t, recipes, "r-singleton", "Singleton", "swift", "shared single instance across the app lifecycle", "@singleton")
	seedRecipe(t, recipes, "r-factory", "Factory Method", "swift", "create objects through a dedicated factory method", "@factory")

	pipeline := indexing.NewPipeline(st, recipes, candidates, provider, nil)
	_, err = pipeline.Run(context.Background(), false)
	require.NoError(t, err)

	return NewCore(st, recipes, candidates, provider, tracker, nil, nil), recipes
}

func seedRecipe(t *testing.T, recipes *repository.RecipeRepository, id, title, lang, pattern, trigger string) {
	t.Helper()
	r, err := domain.NewRecipe(id, title, lang, "Service", domain.KindPattern, "")
	require.NoError(t, err)
	r.Content.Pattern = pattern
	r.Trigger = trigger
	require.NoError(t, r.Transition(domain.RecipeStatusActive, ""))
	require.NoError(t, recipes.Create(r))
}

func TestCore_KeywordModeFindsMatchingRecipe(t *testing.T) {
	core, _ := newTestCore(t)

	res, err := core.Search(context.Background(), Request{Query: "factory method", Mode: ModeKeyword, Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "r-factory", res.Items[0].ID)
}

func TestCore_SemanticModeReturnsResults(t *testing.T) {
	core, _ := newTestCore(t)

	res, err := core.Search(context.Background(), Request{Query: "shared single instance", Mode: ModeSemantic, Limit: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Items)
	assert.Equal(t, ModeSemantic, res.Mode)
}

func TestCore_HybridModeMergesBothStages(t *testing.T) {
	core, _ := newTestCore(t)

	res, err := core.Search(context.Background(), Request{Query: "singleton shared instance", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, ModeHybrid, res.Mode)
}

func TestCore_FilterByLanguageExcludesOthers(t *testing.T) {
	core, _ := newTestCore(t)

	res, err := core.Search(context.Background(), Request{
		Query: "factory", Mode: ModeKeyword, Limit: 5,
		Filter: Filter{Language: "kotlin"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestCore_RankingModeSkipsRetrievalStages(t *testing.T) {
	core, _ := newTestCore(t)

	res, err := core.Search(context.Background(), Request{Query: "anything at all", Mode: ModeRanking, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeRanking, res.Mode)
	assert.Len(t, res.Items, 2)
}

func TestCore_AIAssistFailureFallsBackSilently(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	provider := embedding.NewLocalProvider(32)
	seedRecipe(t, recipes, "r-singleton", "Singleton", "swift", "shared single instance across the app lifecycle", "@singleton")

	pipeline := indexing.NewPipeline(st, recipes, candidates, provider, nil)
	_, err = pipeline.Run(context.Background(), false)
	require.NoError(t, err)

	core := NewCore(st, recipes, candidates, provider, nil, failingAssistant{}, nil)
	res, err := core.Search(context.Background(), Request{Query: "singleton", Mode: ModeKeyword, Limit: 5, EnableAIAssist: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Contains(t, res.Warnings, "ai_assist_aborted")
}

type failingAssistant struct{}

func (failingAssistant) Rerank(ctx context.Context, query string, items []Item) ([]Item, error) {
	return nil, context.DeadlineExceeded
}

func TestLevenshteinSimilarity_ExactMatchIsOne(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinSimilarity("singleton", "singleton"))
	assert.Less(t, levenshteinSimilarity("singelton", "singleton"), 1.0)
	assert.Greater(t, levenshteinSimilarity("singelton", "singleton"), 0.5)
}
