package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
)

const fixtureRecipe = `---
title: Singleton
trigger: "@singleton"
category: Service
language: swift
summary_cn: "单例模式"
summary_en: "shared instance"
---

## Snippet / Code Reference

` + "```swift\nfinal class Shared {\n    static let shared = Shared()\n}\n```" + `

## AI Context / Usage Guide

Use for app-wide shared state.
`

func newTestSyncService(t *testing.T) (*Service, *config.Config, *repository.RecipeRepository) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ProjectDir = dir
	require.NoError(t, os.MkdirAll(cfg.KnowledgePath(), 0755))

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	return NewService(cfg, recipes, candidates), cfg, recipes
}

func TestService_SyncAllCreatesRecipeFromFile(t *testing.T) {
	svc, cfg, recipes := newTestSyncService(t)
	path := filepath.Join(cfg.KnowledgePath(), "singleton.md")
	require.NoError(t, os.WriteFile(path, []byte(fixtureRecipe), 0644))

	report, err := svc.SyncAll(false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Synced)

	id := StableID(path, "Singleton")
	got, err := recipes.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Singleton", got.Title)
}

func TestService_SyncAllUpdatesOnSecondPass(t *testing.T) {
	svc, cfg, _ := newTestSyncService(t)
	path := filepath.Join(cfg.KnowledgePath(), "singleton.md")
	require.NoError(t, os.WriteFile(path, []byte(fixtureRecipe), 0644))

	_, err := svc.SyncAll(false)
	require.NoError(t, err)

	report, err := svc.SyncAll(false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Created)
}

func TestService_SyncAllDetectsOrphanWhenFileRemoved(t *testing.T) {
	svc, cfg, recipes := newTestSyncService(t)
	path := filepath.Join(cfg.KnowledgePath(), "singleton.md")
	require.NoError(t, os.WriteFile(path, []byte(fixtureRecipe), 0644))

	_, err := svc.SyncAll(false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	report, err := svc.SyncAll(false)
	require.NoError(t, err)
	require.Len(t, report.Orphaned, 1)

	id := StableID(path, "Singleton")
	got, err := recipes.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "deprecated", string(got.Status))
}

func TestStableID_IsDeterministic(t *testing.T) {
	a := StableID("a.md", "Title")
	b := StableID("a.md", "Title")
	assert.Equal(t, a, b)
}

func TestValidate_FlagsMissingTitle(t *testing.T) {
	v := Validate(RecipeDoc{})
	require.NotEmpty(t, v)
}
