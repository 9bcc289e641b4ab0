package indexing

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/logging"
)

// semanticChunk is one unit persisted into the semantic index — either a
// vec0 row (when store.VecEnabled) or a plain vector_chunks row scored by
// brute-force cosine at query time.
type semanticChunk struct {
	EntityID       string
	EntityType     string
	ChunkIndex     int
	Vector         []float32
	ContentSnippet string
}

// embedEntity chunks content and embeds each chunk, bounded by the
// pipeline's semaphore. A failure embedding any chunk marks the whole
// entity embedding_failed=true (spec.md §4.5: "non-fatal per-entity").
func (p *Pipeline) embedEntity(ctx context.Context, entityID, entityType, content string) ([]semanticChunk, bool) {
	chunks := ChunkContent(normalizeWhitespace(content), p.chunkBudget)
	if len(chunks) == 0 {
		return nil, false
	}

	results := make([]semanticChunk, len(chunks))
	var failed bool
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, text := range chunks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed = true
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(i int, text string) {
			defer p.sem.Release(1)
			defer wg.Done()
			vec, err := p.provider.Embed(ctx, text)
			if err != nil {
				mu.Lock()
				failed = true
				mu.Unlock()
				logging.Get(logging.CategoryIndex).Warn("embed %s chunk %d: %v", entityID, i, err)
				return
			}
			mu.Lock()
			results[i] = semanticChunk{
				EntityID: entityID, EntityType: entityType, ChunkIndex: i,
				Vector: vec, ContentSnippet: truncateSnippet(text, 240),
			}
			mu.Unlock()
		}(i, text)
	}
	wg.Wait()
	return results, failed
}

func truncateSnippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// storeChunks replaces every existing semantic-index row for entityID
// with chunks, writing to vec_chunks when available and always writing
// the plain vector_chunks fallback table too (so brute-force scan keeps
// working even in vec builds where the extension fails to load at
// runtime).
func (p *Pipeline) storeChunks(entityID, entityType string, chunks []semanticChunk) error {
	p.st.Lock()
	defer p.st.Unlock()
	db := p.st.DB()

	if _, err := db.Exec(`DELETE FROM vector_chunks WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
		return err
	}
	if p.vecReady {
		if _, err := db.Exec(`DELETE FROM vec_chunks WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
			logging.Get(logging.CategoryIndex).Warn("vec_chunks delete %s: %v", entityID, err)
		}
	}

	for _, c := range chunks {
		blob := embedding.EncodeVector(c.Vector)
		if _, err := db.Exec(`INSERT INTO vector_chunks
			(entity_id, entity_type, chunk_index, vector, dims, content_snippet, metadata_json)
			VALUES (?,?,?,?,?,?,'{}')`,
			c.EntityID, c.EntityType, c.ChunkIndex, blob, len(c.Vector), c.ContentSnippet); err != nil {
			return err
		}
		if p.vecReady {
			if _, err := db.Exec(`INSERT INTO vec_chunks(entity_id, entity_type, chunk_index, embedding) VALUES (?,?,?,?)`,
				c.EntityID, c.EntityType, c.ChunkIndex, blob); err != nil {
				logging.Get(logging.CategoryIndex).Warn("vec_chunks insert %s: %v", c.EntityID, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) removeEntity(tx dbExec, entityID, entityType string) error {
	if _, err := tx.Exec(`DELETE FROM vector_chunks WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM keyword_terms WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM indexed_at WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
		return err
	}
	if p.vecReady {
		if _, err := tx.Exec(`DELETE FROM vec_chunks WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
			logging.Get(logging.CategoryIndex).Warn("vec_chunks delete %s: %v", entityID, err)
		}
	}
	return nil
}

type dbExec interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// SemanticCandidate is one brute-force cosine scan hit, used by Search
// Core when VecEnabled is false or the vec0 table failed to initialize.
type SemanticCandidate struct {
	EntityID       string
	EntityType     string
	Score          float64
	ContentSnippet string
}

// BruteForceSearch scans every stored chunk and returns the top limit
// hits per distinct entity, scored by max-chunk cosine similarity against
// query.
func BruteForceSearch(db *sql.DB, query []float32, limit int) ([]SemanticCandidate, error) {
	rows, err := db.Query(`SELECT entity_id, entity_type, vector, content_snippet FROM vector_chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	best := make(map[string]SemanticCandidate)
	for rows.Next() {
		var entityID, entityType, snippet string
		var blob []byte
		if err := rows.Scan(&entityID, &entityType, &blob, &snippet); err != nil {
			return nil, err
		}
		vec := embedding.DecodeVector(blob)
		score := embedding.CosineSimilarity(query, vec)
		key := entityType + ":" + entityID
		if existing, ok := best[key]; !ok || score > existing.Score {
			best[key] = SemanticCandidate{EntityID: entityID, EntityType: entityType, Score: score, ContentSnippet: snippet}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SemanticCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// newSemaphore is a small constructor wrapper so Pipeline's zero-value
// construction path stays a one-liner.
func newSemaphore(n int64) *semaphore.Weighted {
	if n <= 0 {
		n = 4
	}
	return semaphore.NewWeighted(n)
}
