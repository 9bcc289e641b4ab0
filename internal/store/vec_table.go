package store

import (
	"fmt"

	"github.com/knowledgeengine/core/internal/logging"
)

// EnsureVecTable creates the vec0 virtual table used for ANN cosine
// search at the given dimensionality, when this build was linked with
// sqlite-vec (VecEnabled). Mirrors the teacher's initVecIndex
// (internal/store/vector_store.go): attempt the CREATE VIRTUAL TABLE, and
// if the extension is not actually loadable at runtime even in a
// VecEnabled build, log and let the caller fall back.
func (s *Store) EnsureVecTable(dims int) bool {
	if !VecEnabled {
		return false
	}
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(embedding float[%d])", dims)
	if _, err := s.db.Exec(stmt); err != nil {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec table creation failed, falling back to brute-force scan: %v", err)
		return false
	}
	return true
}
