package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSearchWeightsSummingToOne(t *testing.T) {
	cfg := DefaultConfig()
	sum := cfg.Search.SemanticWeight + cfg.Search.KeywordWeight + cfg.Search.AuthorityWeight
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectDir)
	assert.Equal(t, "AutoSnippet", cfg.KnowledgeDir)
}

func TestLoad_ReadsConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".autosnippet"), 0755))
	yaml := `
knowledge_dir: CustomKnowledge
ai:
  provider: ollama
  embedding_dims: 64
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".autosnippet", "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "CustomKnowledge", cfg.KnowledgeDir)
	assert.Equal(t, "ollama", cfg.AI.Provider)
	assert.Equal(t, 64, cfg.AI.EmbeddingDims)
}

func TestApplyEnvOverrides_WinsOverFileValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".autosnippet"), 0755))
	fileYAML := "ai:\n  provider: ollama\nskip_write_guard: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".autosnippet", "config.yaml"), []byte(fileYAML), 0644))
	t.Setenv("ASD_AI_PROVIDER", "cloud")
	t.Setenv("ASD_SKIP_WRITE_GUARD", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "cloud", cfg.AI.Provider)
	assert.True(t, cfg.SkipWriteGuard)
}

func TestConfig_PathHelpersJoinProjectDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProjectDir = "/proj"
	assert.Equal(t, "/proj/AutoSnippet", cfg.KnowledgePath())
	assert.Equal(t, "/proj/.autosnippet", cfg.RuntimePath())
	assert.Equal(t, "/proj/.autosnippet/knowledge.db", cfg.DatabasePath())
}

func TestConfig_DatabasePathHonorsCachePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProjectDir = "/proj"
	cfg.CachePath = "/custom/cache.db"
	assert.Equal(t, "/custom/cache.db", cfg.DatabasePath())
}
