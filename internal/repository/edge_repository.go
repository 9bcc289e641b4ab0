package repository

import (
	"database/sql"
	"encoding/json"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/store"
)

// EdgeRepository persists domain.KnowledgeEdge rows, backing the
// Knowledge Graph Service (C8).
type EdgeRepository struct {
	st *store.Store
}

func NewEdgeRepository(st *store.Store) *EdgeRepository {
	return &EdgeRepository{st: st}
}

// Upsert inserts an edge; if an edge with the same key already exists it
// updates that row's weight and metadata instead, so repeating AddEdge
// never creates a duplicate (spec.md §4.7).
func (r *EdgeRepository) Upsert(e domain.KnowledgeEdge) error {
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return errs.Internal(err, "marshal edge metadata")
	}
	r.st.Lock()
	defer r.st.Unlock()
	_, err = r.st.DB().Exec(`INSERT INTO knowledge_edges
		(from_id, from_type, to_id, to_type, relation, weight, metadata_json)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(from_id, from_type, to_id, to_type, relation) DO UPDATE SET weight=excluded.weight, metadata_json=excluded.metadata_json`,
		e.FromID, string(e.FromType), e.ToID, string(e.ToType), string(e.Relation), e.Weight, meta)
	if err != nil {
		return errs.Storage(err, "upsert edge %s->%s", e.FromID, e.ToID)
	}
	return nil
}

func scanEdge(row interface{ Scan(dest ...interface{}) error }) (domain.KnowledgeEdge, error) {
	var e domain.KnowledgeEdge
	var fromType, toType, relation, metaJSON string
	if err := row.Scan(&e.FromID, &fromType, &e.ToID, &toType, &relation, &e.Weight, &metaJSON); err != nil {
		return domain.KnowledgeEdge{}, err
	}
	e.FromType = domain.EntityType(fromType)
	e.ToType = domain.EntityType(toType)
	e.Relation = domain.EdgeRelation(relation)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return domain.KnowledgeEdge{}, errs.Schema(err, "decode edge metadata")
		}
	}
	return e, nil
}

// Outgoing returns every edge leaving (id, entityType).
func (r *EdgeRepository) Outgoing(id string, entityType domain.EntityType) ([]domain.KnowledgeEdge, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	rows, err := r.st.DB().Query(`SELECT from_id, from_type, to_id, to_type, relation, weight, metadata_json
		FROM knowledge_edges WHERE from_id=? AND from_type=?`, id, string(entityType))
	if err != nil {
		return nil, errs.Storage(err, "query outgoing edges for %s", id)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Incoming returns every edge arriving at (id, entityType).
func (r *EdgeRepository) Incoming(id string, entityType domain.EntityType) ([]domain.KnowledgeEdge, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	rows, err := r.st.DB().Query(`SELECT from_id, from_type, to_id, to_type, relation, weight, metadata_json
		FROM knowledge_edges WHERE to_id=? AND to_type=?`, id, string(entityType))
	if err != nil {
		return nil, errs.Storage(err, "query incoming edges for %s", id)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// All returns every edge in the graph — used by PageRank, which needs the
// full adjacency to converge.
func (r *EdgeRepository) All() ([]domain.KnowledgeEdge, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	rows, err := r.st.DB().Query(`SELECT from_id, from_type, to_id, to_type, relation, weight, metadata_json FROM knowledge_edges`)
	if err != nil {
		return nil, errs.Storage(err, "query all edges")
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]domain.KnowledgeEdge, error) {
	var out []domain.KnowledgeEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes one edge by its full key.
func (r *EdgeRepository) Delete(e domain.KnowledgeEdge) error {
	r.st.Lock()
	defer r.st.Unlock()
	_, err := r.st.DB().Exec(`DELETE FROM knowledge_edges WHERE from_id=? AND from_type=? AND to_id=? AND to_type=? AND relation=?`,
		e.FromID, string(e.FromType), e.ToID, string(e.ToType), string(e.Relation))
	if err != nil {
		return errs.Storage(err, "delete edge %s->%s", e.FromID, e.ToID)
	}
	return nil
}

// SavePageRank persists the latest PageRank scores for a batch of entities,
// keyed by [2]string{entityID, entityType}.
func (r *EdgeRepository) SavePageRank(scores map[[2]string]float64) error {
	r.st.Lock()
	defer r.st.Unlock()
	tx, err := r.st.DB().Begin()
	if err != nil {
		return errs.Storage(err, "begin pagerank save")
	}
	for key, score := range scores {
		if _, err := tx.Exec(`INSERT INTO entity_pagerank (entity_id, entity_type, score, computed_at)
			VALUES (?,?,?,CURRENT_TIMESTAMP)
			ON CONFLICT(entity_id, entity_type) DO UPDATE SET score=excluded.score, computed_at=excluded.computed_at`,
			key[0], key[1], score); err != nil {
			tx.Rollback()
			return errs.Storage(err, "save pagerank for %s", key[0])
		}
	}
	return tx.Commit()
}

// PageRank returns the last computed PageRank score for an entity, or 0.
func (r *EdgeRepository) PageRank(id string, entityType domain.EntityType) float64 {
	r.st.RLock()
	defer r.st.RUnlock()
	var score float64
	_ = r.st.DB().QueryRow(`SELECT score FROM entity_pagerank WHERE entity_id=? AND entity_type=?`, id, string(entityType)).Scan(&score)
	return score
}
