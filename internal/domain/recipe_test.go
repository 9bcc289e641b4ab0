package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecipe_KindKnowledgeTypeAgreement(t *testing.T) {
	r, err := NewRecipe("r1", "Singleton", "swift", "Service", "", KnowledgeCodePattern)
	require.NoError(t, err)
	assert.Equal(t, KindPattern, r.Kind)

	_, err = NewRecipe("r2", "X", "swift", "Service", KindRule, KnowledgeCodePattern)
	assert.Error(t, err)

	r3, err := NewRecipe("r3", "X", "swift", "Service", KindRule, KnowledgeCodeStandard)
	require.NoError(t, err)
	assert.Equal(t, KindRule, r3.Kind)
}

func TestRecipe_ActiveRequiresSubstance(t *testing.T) {
	r, err := NewRecipe("r1", "Singleton", "swift", "Service", KindPattern, "")
	require.NoError(t, err)

	err = r.Transition(RecipeStatusActive, "")
	require.Error(t, err)
	assert.Equal(t, RecipeStatusDraft, r.Status)

	r.Content.Pattern = "use a single shared instance"
	err = r.Transition(RecipeStatusActive, "")
	require.NoError(t, err)
	assert.Equal(t, RecipeStatusActive, r.Status)
}

func TestRecipe_DeprecatedNeverReactivates(t *testing.T) {
	r, err := NewRecipe("r1", "X", "swift", "Service", KindPattern, "")
	require.NoError(t, err)
	require.NoError(t, r.Transition(RecipeStatusDeprecated, "abandon"))
	require.NotNil(t, r.Deprecation)

	err = r.Transition(RecipeStatusActive, "")
	assert.Error(t, err)
}

func TestRecipe_MarkOrphaned(t *testing.T) {
	r, err := NewRecipe("r1", "X", "swift", "Service", KindPattern, "")
	require.NoError(t, err)
	r.Transition(RecipeStatusActive, "")
	r.Content.Pattern = "p"

	r.MarkOrphaned()
	assert.Equal(t, RecipeStatusDeprecated, r.Status)
	require.NotNil(t, r.Deprecation)
	assert.Equal(t, "orphaned", r.Deprecation.Reason)
}

func TestCandidate_StateMachine(t *testing.T) {
	c := NewCandidate("c1", "func foo(){}", "swift", "Service", "manual", "dev")
	require.NoError(t, c.Transition(CandidateStatusApproved, "admin", ""))
	require.NoError(t, c.Apply("admin", "r1"))
	assert.Equal(t, CandidateStatusApplied, c.Status)
	require.NotNil(t, c.AppliedRecipeID)
	assert.Equal(t, "r1", *c.AppliedRecipeID)

	err := c.Transition(CandidateStatusRejected, "admin", "too late")
	assert.Error(t, err)

	assert.True(t, ValidTransitions(c.StatusHistory))
}

func TestCandidate_IllegalSkip(t *testing.T) {
	c := NewCandidate("c1", "code", "swift", "Service", "manual", "dev")
	err := c.Transition(CandidateStatusApplied, "admin", "")
	assert.Error(t, err)
}

func TestKnowledgeEdge_Key(t *testing.T) {
	e1 := NewEdge("a", EntityRecipe, "b", EntityRecipe, RelationDependsOn, 0)
	e2 := NewEdge("a", EntityRecipe, "b", EntityRecipe, RelationDependsOn, 2.0)
	assert.Equal(t, e1.Key(), e2.Key())
	assert.Equal(t, 1.0, e1.Weight)
}
