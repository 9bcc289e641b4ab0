package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/domain"
)

func TestCandidateRepository_CreateGetRoundTrip(t *testing.T) {
	repo := NewCandidateRepository(newTestStore(t))

	c := domain.NewCandidate("c1", "func foo(){}", "swift", "util", "manual", "dev")
	require.NoError(t, repo.Create(c))

	got, err := repo.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, c.Code, got.Code)
	assert.Equal(t, domain.CandidateStatusPending, got.Status)
}

func TestCandidateRepository_TransitionPersistsApproval(t *testing.T) {
	repo := NewCandidateRepository(newTestStore(t))

	c := domain.NewCandidate("c1", "func foo(){}", "swift", "util", "manual", "dev")
	require.NoError(t, repo.Create(c))

	require.NoError(t, c.Transition(domain.CandidateStatusApproved, "admin", "looks good"))
	require.NoError(t, repo.Update(c))

	got, err := repo.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateStatusApproved, got.Status)
	assert.Len(t, got.StatusHistory, 2)
}

func TestCandidateRepository_FindByStatus(t *testing.T) {
	repo := NewCandidateRepository(newTestStore(t))

	require.NoError(t, repo.Create(domain.NewCandidate("c1", "a", "go", "util", "manual", "dev")))
	c2 := domain.NewCandidate("c2", "b", "go", "util", "manual", "dev")
	require.NoError(t, repo.Create(c2))
	require.NoError(t, c2.Transition(domain.CandidateStatusRejected, "admin", "no"))
	require.NoError(t, repo.Update(c2))

	page, err := repo.FindByStatus(domain.CandidateStatusPending, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestCandidateRepository_FindByLanguage(t *testing.T) {
	repo := NewCandidateRepository(newTestStore(t))

	require.NoError(t, repo.Create(domain.NewCandidate("c1", "a", "swift", "util", "manual", "dev")))
	require.NoError(t, repo.Create(domain.NewCandidate("c2", "b", "go", "util", "manual", "dev")))

	page, err := repo.FindByLanguage("swift", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	out := page.Data.([]*domain.Candidate)
	assert.Equal(t, "c1", out[0].ID)
}

func TestCandidateRepository_SearchMatchesCodeCategoryAndMetadata(t *testing.T) {
	repo := NewCandidateRepository(newTestStore(t))

	c1 := domain.NewCandidate("c1", "func distinctiveCode(){}", "go", "util", "manual", "dev")
	require.NoError(t, repo.Create(c1))

	c2 := domain.NewCandidate("c2", "func other(){}", "go", "distinctivecategory", "manual", "dev")
	require.NoError(t, repo.Create(c2))

	c3 := domain.NewCandidate("c3", "func another(){}", "go", "util", "manual", "dev")
	c3.Metadata = map[string]interface{}{"note": "distinctivemetadata"}
	require.NoError(t, repo.Create(c3))

	byCode, err := repo.Search("distinctiveCode", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, byCode.Total)

	byCategory, err := repo.Search("distinctivecategory", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, byCategory.Total)

	byMetadata, err := repo.Search("distinctivemetadata", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, byMetadata.Total)
}
