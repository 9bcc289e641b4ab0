// Package config loads and validates the knowledge engine's configuration.
// Config lives as YAML at <runtime-dir>/config.yaml; environment variables
// documented in spec.md §6 override the file after it is loaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/knowledgeengine/core/internal/logging"
)

// Config holds all knowledge-engine configuration.
type Config struct {
	ProjectDir  string `yaml:"project_dir"`
	KnowledgeDir string `yaml:"knowledge_dir"` // conventionally "AutoSnippet"
	RuntimeDir  string `yaml:"runtime_dir"`    // conventionally ".autosnippet"

	AI       AIConfig       `yaml:"ai"`
	Search   SearchConfig   `yaml:"search"`
	Indexing IndexingConfig `yaml:"indexing"`
	Logging  logging.Config `yaml:"logging"`

	SkipWriteGuard bool `yaml:"skip_write_guard"`
	CachePath      string `yaml:"cache_path"`
}

// AIConfig configures the optional AI provider collaborators (§1, §4.6).
type AIConfig struct {
	Provider          string `yaml:"provider"`
	DisableAssist     bool   `yaml:"disable_assist"`
	AssistTimeout     time.Duration `yaml:"assist_timeout"`
	SummarizeTimeout  time.Duration `yaml:"summarize_timeout"`
	EmbeddingDims     int    `yaml:"embedding_dims"`
}

// SearchConfig tunes the hybrid search pipeline (§4.6).
type SearchConfig struct {
	SemanticWeight  float64 `yaml:"semantic_weight"`
	KeywordWeight   float64 `yaml:"keyword_weight"`
	AuthorityWeight float64 `yaml:"authority_weight"`
	BM25K1          float64 `yaml:"bm25_k1"`
	BM25B           float64 `yaml:"bm25_b"`
	MinCandidateK   int     `yaml:"min_candidate_k"`
}

// IndexingConfig tunes the indexing pipeline (§4.5, §5).
type IndexingConfig struct {
	ChunkCharBudget      int `yaml:"chunk_char_budget"`
	EmbeddingConcurrency int `yaml:"embedding_concurrency"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		KnowledgeDir: "AutoSnippet",
		RuntimeDir:   ".autosnippet",
		AI: AIConfig{
			Provider:         "none",
			AssistTimeout:    2 * time.Second,
			SummarizeTimeout: 30 * time.Second,
			EmbeddingDims:    256,
		},
		Search: SearchConfig{
			SemanticWeight:  0.55,
			KeywordWeight:   0.35,
			AuthorityWeight: 0.10,
			BM25K1:          1.5,
			BM25B:           0.75,
			MinCandidateK:   30,
		},
		Indexing: IndexingConfig{
			ChunkCharBudget:      1500,
			EmbeddingConcurrency: 4,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load reads the config file at <projectDir>/<runtimeDir>/config.yaml,
// falling back to defaults if it does not exist, then applies environment
// overrides. projectDir becomes Config.ProjectDir.
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ProjectDir = projectDir

	path := filepath.Join(projectDir, cfg.RuntimeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.ProjectDir = projectDir
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies the environment variables named in spec.md §6.
// Env always wins over whatever the YAML file set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ASD_PROJECT_DIR"); v != "" {
		c.ProjectDir = v
	}
	if v := os.Getenv("ASD_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("ASD_DISABLE_AI_ASSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AI.DisableAssist = b
		}
	}
	if v := os.Getenv("ASD_SKIP_WRITE_GUARD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SkipWriteGuard = b
		}
	}
	if v := os.Getenv("ASD_CACHE_PATH"); v != "" {
		c.CachePath = v
	}
	if v := os.Getenv("ASD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ASD_DB_PATH"); v != "" {
		c.CachePath = v
	}
}

// KnowledgePath returns the absolute path to the source-of-truth markdown
// corpus directory.
func (c *Config) KnowledgePath() string {
	return filepath.Join(c.ProjectDir, c.KnowledgeDir)
}

// RuntimePath returns the absolute path to the hidden runtime directory.
func (c *Config) RuntimePath() string {
	return filepath.Join(c.ProjectDir, c.RuntimeDir)
}

// DatabasePath returns the absolute path to the SQLite cache file.
func (c *Config) DatabasePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}
	return filepath.Join(c.RuntimePath(), "knowledge.db")
}
