package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/constitution"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/gateway"
	"github.com/knowledgeengine/core/internal/guards"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
	"github.com/knowledgeengine/core/internal/usage"
)

const actionsTestPolicy = `
roles:
  developer_admin:
    permissions:
      - "*:*"
priorities: []
`

func newTestGatewayWithActions(t *testing.T) (*gateway.Gateway, Deps) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	doc, err := constitution.Load([]byte(actionsTestPolicy))
	require.NoError(t, err)
	ce := constitution.NewEngine(doc)
	audit := repository.NewAuditRepository(st)
	gw := gateway.NewGateway(ce, audit)

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	snippets := repository.NewSnippetRepository(st)
	violations := repository.NewGuardViolationRepository(st)
	tracker, err := usage.NewTracker(t.TempDir())
	require.NoError(t, err)

	deps := Deps{
		Recipes:    recipes,
		Candidates: candidates,
		Snippets:   snippets,
		Guards:     guards.NewService(violations, recipes, tracker),
	}
	Register(gw, deps)
	return gw, deps
}

func dispatch(gw *gateway.Gateway, action, resource string, params map[string]interface{}) gateway.Response {
	return gw.Dispatch(context.Background(), gateway.Request{
		Actor: "developer_admin", Action: action, Resource: resource, Params: params,
	})
}

func TestActions_CreateRecipeSucceeds(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	resp := dispatch(gw, "create:recipe", "recipe", map[string]interface{}{
		"title": "Singleton", "language": "go", "category": "Service", "kind": string(domain.KindPattern),
	})
	require.True(t, resp.OK)
	rec, ok := resp.Data.(*domain.Recipe)
	require.True(t, ok)
	assert.Equal(t, "Singleton", rec.Title)

	got, err := deps.Recipes.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestActions_CreateRecipeMissingFieldRejected(t *testing.T) {
	gw, _ := newTestGatewayWithActions(t)
	resp := dispatch(gw, "create:recipe", "recipe", map[string]interface{}{"title": "X"})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
}

func TestActions_UpdateRecipeChangesTitle(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	createResp := dispatch(gw, "create:recipe", "recipe", map[string]interface{}{
		"title": "Old", "language": "go", "category": "Service", "kind": string(domain.KindPattern),
	})
	require.True(t, createResp.OK)
	rec := createResp.Data.(*domain.Recipe)

	updateResp := dispatch(gw, "update:recipe", "recipe", map[string]interface{}{"id": rec.ID, "title": "New"})
	require.True(t, updateResp.OK)

	got, err := deps.Recipes.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.Title)
}

func TestActions_SubmitAndApproveCandidate(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	submitResp := dispatch(gw, "submit:candidates", "candidate", map[string]interface{}{
		"code": "func f(){}", "language": "go", "category": "Utility", "source": "manual", "createdBy": "dev",
	})
	require.True(t, submitResp.OK)
	cand := submitResp.Data.(*domain.Candidate)
	assert.Equal(t, domain.CandidateStatusPending, cand.Status)

	approveResp := dispatch(gw, "approve:candidate", "candidate", map[string]interface{}{"id": cand.ID, "actor": "dev"})
	require.True(t, approveResp.OK)

	got, err := deps.Candidates.Get(cand.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateStatusApproved, got.Status)
}

func TestActions_RejectCandidate(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	submitResp := dispatch(gw, "submit:candidates", "candidate", map[string]interface{}{
		"code": "func f(){}", "language": "go", "category": "Utility", "source": "manual", "createdBy": "dev",
	})
	cand := submitResp.Data.(*domain.Candidate)

	rejectResp := dispatch(gw, "reject:candidate", "candidate", map[string]interface{}{"id": cand.ID, "actor": "dev", "reason": "duplicate"})
	require.True(t, rejectResp.OK)

	got, err := deps.Candidates.Get(cand.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateStatusRejected, got.Status)
}

func TestActions_PromoteCandidateCreatesRecipe(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	submitResp := dispatch(gw, "submit:candidates", "candidate", map[string]interface{}{
		"code": "func foo(){}", "language": "swift", "category": "Utility", "source": "manual", "createdBy": "dev",
	})
	require.True(t, submitResp.OK)
	cand := submitResp.Data.(*domain.Candidate)
	require.Equal(t, domain.CandidateStatusPending, cand.Status)

	promoteResp := dispatch(gw, "promote:candidate", "candidate", map[string]interface{}{"id": cand.ID, "actor": "developer_admin"})
	require.True(t, promoteResp.OK)
	rec := promoteResp.Data.(*domain.Recipe)
	assert.Equal(t, domain.RecipeStatusDraft, rec.Status)
	require.NotNil(t, rec.SourceCandidateID)
	assert.Equal(t, cand.ID, *rec.SourceCandidateID)

	gotCand, err := deps.Candidates.Get(cand.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateStatusApplied, gotCand.Status)
	require.NotNil(t, gotCand.AppliedRecipeID)
	assert.Equal(t, rec.ID, *gotCand.AppliedRecipeID)

	gotRec, err := deps.Recipes.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "swift", gotRec.Language)
}

func TestActions_InstallSnippet(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	resp := dispatch(gw, "install:snippet", "snippet", map[string]interface{}{
		"id": "s1", "language": "go", "body": "fmt.Println()", "installedPath": "/tmp/s1.go",
	})
	require.True(t, resp.OK)

	got, err := deps.Snippets.Get("s1")
	require.NoError(t, err)
	assert.True(t, got.Install.Installed)
}

func TestActions_DeleteRecipe(t *testing.T) {
	gw, deps := newTestGatewayWithActions(t)
	createResp := dispatch(gw, "create:recipe", "recipe", map[string]interface{}{
		"title": "Temp", "language": "go", "category": "Service", "kind": string(domain.KindPattern),
	})
	rec := createResp.Data.(*domain.Recipe)

	deleteResp := dispatch(gw, "delete:recipe", "recipe", map[string]interface{}{"id": rec.ID})
	require.True(t, deleteResp.OK)

	_, err := deps.Recipes.Get(rec.ID)
	assert.Error(t, err)
}

func TestDeps_RunEmbedWithoutPipelineErrors(t *testing.T) {
	d := Deps{}
	_, err := d.RunEmbed(context.Background(), false)
	assert.Error(t, err)
}
