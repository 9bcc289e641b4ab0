// Package indexing builds and maintains the two search indices the
// engine serves hybrid search from: a semantic (vector) index over
// chunked entity content, and a keyword (BM25-ready term/tf/df) index.
// It indexes the union of active recipes and pending|approved
// candidates (spec.md §4.5), updates incrementally by comparing an
// entity's effective timestamp against the indexed_at side table, and
// removes entities that have disappeared from that union.
package indexing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
)

// Result reports what a Run did, matching spec.md §4.5's
// {indexed, skipped, removed} return shape.
type Result struct {
	Indexed int
	Skipped int
	Removed int
}

// entity is the common shape Run needs from a recipe or a candidate:
// enough to embed/tokenize its content and to track it for incremental
// re-index and removal.
type entity struct {
	ID         string
	Type       string // "recipe" | "candidate"
	UpdatedAt  time.Time
	Content    string
}

// Pipeline runs the semantic and keyword indexing passes described in
// spec.md §4.5. It is safe to reuse across multiple Run calls.
type Pipeline struct {
	st         *store.Store
	recipes    *repository.RecipeRepository
	candidates *repository.CandidateRepository
	provider   embedding.Provider
	sem        *semaphore.Weighted
	chunkBudget int
	vecReady   bool
}

// NewPipeline constructs a Pipeline, attempting to create the vec0
// virtual table at the provider's dimensionality (a no-op that always
// reports false when this build lacks the sqlite_vec tag).
func NewPipeline(st *store.Store, recipes *repository.RecipeRepository, candidates *repository.CandidateRepository, provider embedding.Provider, cfg *config.Config) *Pipeline {
	budget := 1500
	concurrency := 4
	if cfg != nil {
		if cfg.Indexing.ChunkCharBudget > 0 {
			budget = cfg.Indexing.ChunkCharBudget
		}
		if cfg.Indexing.EmbeddingConcurrency > 0 {
			concurrency = cfg.Indexing.EmbeddingConcurrency
		}
	}
	return &Pipeline{
		st: st, recipes: recipes, candidates: candidates, provider: provider,
		sem:         newSemaphore(int64(concurrency)),
		chunkBudget: budget,
		vecReady:    st.EnsureVecTable(provider.Dimensions()),
	}
}

// Run rebuilds (clear=true) or incrementally updates (clear=false) both
// indices over the current active-recipe + pending/approved-candidate
// union.
func (p *Pipeline) Run(ctx context.Context, clear bool) (Result, error) {
	var result Result
	log := logging.Get(logging.CategoryIndex)

	entities, err := p.collectEntities()
	if err != nil {
		return result, fmt.Errorf("collect entities: %w", err)
	}

	current := make(map[string]bool, len(entities))
	for _, e := range entities {
		current[e.Type+":"+e.ID] = true
	}

	if clear {
		p.st.Lock()
		db := p.st.DB()
		for _, stmt := range []string{
			`DELETE FROM vector_chunks`, `DELETE FROM keyword_terms`, `DELETE FROM indexed_at`,
		} {
			if _, err := db.Exec(stmt); err != nil {
				p.st.Unlock()
				return result, fmt.Errorf("clear index: %w", err)
			}
		}
		if p.vecReady {
			db.Exec(`DELETE FROM vec_chunks`)
		}
		p.st.Unlock()
	}

	removed, err := p.removeStale(current)
	if err != nil {
		return result, fmt.Errorf("remove stale: %w", err)
	}
	result.Removed = removed

	for _, e := range entities {
		indexedAt, embeddingFailed, ok, err := p.lastIndexed(e.ID, e.Type)
		if err != nil {
			return result, fmt.Errorf("read indexed_at for %s: %w", e.ID, err)
		}
		if !clear && ok && !embeddingFailed && !e.UpdatedAt.After(indexedAt) {
			result.Skipped++
			continue
		}

		if err := p.indexKeywords(e.ID, e.Type, e.Content); err != nil {
			log.Warn("keyword index %s: %v", e.ID, err)
		}

		chunks, failed := p.embedEntity(ctx, e.ID, e.Type, e.Content)
		if len(chunks) > 0 {
			if err := p.storeChunks(e.ID, e.Type, chunks); err != nil {
				log.Warn("store chunks %s: %v", e.ID, err)
				failed = true
			}
		}

		if err := p.markIndexed(e.ID, e.Type, failed); err != nil {
			log.Warn("mark indexed %s: %v", e.ID, err)
		}
		result.Indexed++
	}

	p.st.Lock()
	err = recomputeDocumentFrequencies(p.st.DB())
	p.st.Unlock()
	if err != nil {
		log.Warn("recompute document frequencies: %v", err)
	}

	log.Info("index run complete: indexed=%d skipped=%d removed=%d", result.Indexed, result.Skipped, result.Removed)
	return result, nil
}

// collectEntities loads every active recipe and pending|approved
// candidate, flattening each into the common entity shape.
const collectPageSize = 200

func (p *Pipeline) collectEntities() ([]entity, error) {
	var out []entity

	for page := 1; ; page++ {
		recPage, err := p.recipes.FindByStatus(domain.RecipeStatusActive, page, collectPageSize)
		if err != nil {
			return nil, err
		}
		recs, _ := recPage.Data.([]*domain.Recipe)
		for _, r := range recs {
			out = append(out, entity{
				ID: r.ID, Type: "recipe", UpdatedAt: r.UpdatedAt,
				Content: recipeIndexContent(r),
			})
		}
		if page >= recPage.Pages || len(recs) == 0 {
			break
		}
	}

	for _, status := range []domain.CandidateStatus{domain.CandidateStatusPending, domain.CandidateStatusApproved} {
		for page := 1; ; page++ {
			candPage, err := p.candidates.FindByStatus(status, page, collectPageSize)
			if err != nil {
				return nil, err
			}
			cands, _ := candPage.Data.([]*domain.Candidate)
			for _, c := range cands {
				out = append(out, entity{
					ID: c.ID, Type: "candidate", UpdatedAt: candidateUpdatedAt(c),
					Content: candidateIndexContent(c),
				})
			}
			if page >= candPage.Pages || len(cands) == 0 {
				break
			}
		}
	}
	return out, nil
}

func recipeIndexContent(r *domain.Recipe) string {
	parts := []string{r.Title, r.Description, r.Summary.EN, r.Summary.CN, r.UsageGuide.EN, r.UsageGuide.CN, r.Content.Pattern, r.Content.Rationale}
	parts = append(parts, r.Content.Steps...)
	parts = append(parts, r.Tags...)
	return joinNonEmpty(parts)
}

func candidateIndexContent(c *domain.Candidate) string {
	return joinNonEmpty([]string{c.Code, c.Language, c.Category, c.Source})
}

func candidateUpdatedAt(c *domain.Candidate) time.Time {
	latest := c.CreatedAt
	for _, h := range c.StatusHistory {
		if h.Timestamp.After(latest) {
			latest = h.Timestamp
		}
	}
	if c.ApprovedAt != nil && c.ApprovedAt.After(latest) {
		latest = *c.ApprovedAt
	}
	return latest
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// removeStale deletes index rows for any (entity_id, entity_type) recorded
// in indexed_at that is no longer in current.
func (p *Pipeline) removeStale(current map[string]bool) (int, error) {
	p.st.Lock()
	defer p.st.Unlock()
	db := p.st.DB()

	rows, err := db.Query(`SELECT entity_id, entity_type FROM indexed_at`)
	if err != nil {
		return 0, err
	}
	type key struct{ id, typ string }
	var stale []key
	for rows.Next() {
		var id, typ string
		if err := rows.Scan(&id, &typ); err != nil {
			rows.Close()
			return 0, err
		}
		if !current[typ+":"+id] {
			stale = append(stale, key{id, typ})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := p.removeEntity(tx, k.id, k.typ); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (p *Pipeline) lastIndexed(entityID, entityType string) (time.Time, bool, bool, error) {
	p.st.RLock()
	defer p.st.RUnlock()
	row := p.st.DB().QueryRow(`SELECT indexed_at, embedding_failed FROM indexed_at WHERE entity_id = ? AND entity_type = ?`, entityID, entityType)
	var t time.Time
	var failed bool
	if err := row.Scan(&t, &failed); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, false, nil
		}
		return time.Time{}, false, false, err
	}
	return t, failed, true, nil
}

func (p *Pipeline) markIndexed(entityID, entityType string, embeddingFailed bool) error {
	p.st.Lock()
	defer p.st.Unlock()
	_, err := p.st.DB().Exec(`INSERT INTO indexed_at(entity_id, entity_type, indexed_at, embedding_failed)
		VALUES (?,?,?,?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET indexed_at=excluded.indexed_at, embedding_failed=excluded.embedding_failed`,
		entityID, entityType, time.Now().UTC(), embeddingFailed)
	return err
}
