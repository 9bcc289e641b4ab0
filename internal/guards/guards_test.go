package guards

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
	"github.com/knowledgeengine/core/internal/usage"
)

func TestService_RecordPersistsAndBumpsRecipe(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	recipes := repository.NewRecipeRepository(st)
	violations := repository.NewGuardViolationRepository(st)
	tracker, err := usage.NewTracker(t.TempDir())
	require.NoError(t, err)

	rec, err := domain.NewRecipe("r1", "No raw SQL", "go", "Security", domain.KindRule, "")
	require.NoError(t, err)
	rec.Trigger = "@no-raw-sql"
	rec.Content.Pattern = "use parameterized queries"
	require.NoError(t, rec.Transition(domain.RecipeStatusActive, ""))
	require.NoError(t, recipes.Create(rec))

	svc := NewService(violations, recipes, tracker)

	v, err := svc.Record(context.Background(), "main.go", []domain.ViolationHit{
		{RecipeID: "r1", Pattern: "string concatenation in SQL", Severity: "high", Message: "possible SQL injection", Line: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.ViolationCount)

	updated, err := recipes.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Stats.GuardHitCount)

	score, err := tracker.TriggerAuthorityScore("@no-raw-sql")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)

	page, err := violations.FindByFile("main.go", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestService_RecordIgnoresHitsWithoutRecipeID(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	recipes := repository.NewRecipeRepository(st)
	violations := repository.NewGuardViolationRepository(st)
	svc := NewService(violations, recipes, nil)

	v, err := svc.Record(context.Background(), "other.go", []domain.ViolationHit{
		{Pattern: "todo", Severity: "low", Message: "stray TODO"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.ViolationCount)
}
