package repository

import (
	"encoding/json"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/store"
)

// GuardViolationRepository persists GuardViolation check records
// (spec.md §3's GuardViolation entity, supplemented by the internal/guards
// service since §4 never assigns it an owning component).
type GuardViolationRepository struct {
	st *store.Store
}

func NewGuardViolationRepository(st *store.Store) *GuardViolationRepository {
	return &GuardViolationRepository{st: st}
}

// Create inserts one GuardViolation row.
func (r *GuardViolationRepository) Create(v *domain.GuardViolation) error {
	hits, err := json.Marshal(v.Violations)
	if err != nil {
		return errs.Internal(err, "marshal guard violation hits")
	}

	r.st.Lock()
	defer r.st.Unlock()
	_, err = r.st.DB().Exec(`INSERT INTO guard_violations
		(id, file_path, triggered_at, violation_count, summary, violations_json, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.FilePath, v.TriggeredAt, v.ViolationCount, v.Summary, string(hits), v.CreatedAt)
	if err != nil {
		return errs.Storage(err, "create guard violation %s", v.ID)
	}
	return nil
}

// FindByFile returns recent guard violation checks for filePath, newest
// first.
func (r *GuardViolationRepository) FindByFile(filePath string, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	limit, offset := Pagination(page, pageSize)
	var total int
	if err := r.st.DB().QueryRow(`SELECT COUNT(*) FROM guard_violations WHERE file_path=?`, filePath).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count guard violations")
	}

	rows, err := r.st.DB().Query(`SELECT id, file_path, triggered_at, violation_count, summary, violations_json, created_at
		FROM guard_violations WHERE file_path=? ORDER BY triggered_at DESC LIMIT ? OFFSET ?`, filePath, limit, offset)
	if err != nil {
		return Page{}, errs.Storage(err, "query guard violations")
	}
	defer rows.Close()

	var items []*domain.GuardViolation
	for rows.Next() {
		v, err := scanGuardViolation(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return Page{}, errs.Storage(err, "iterate guard violations")
	}

	return NewPage(items, page, pageSize, total), nil
}

func scanGuardViolation(row interface{ Scan(dest ...interface{}) error }) (*domain.GuardViolation, error) {
	var v domain.GuardViolation
	var triggeredAt, createdAt time.Time
	var hitsJSON string
	if err := row.Scan(&v.ID, &v.FilePath, &triggeredAt, &v.ViolationCount, &v.Summary, &hitsJSON, &createdAt); err != nil {
		return nil, errs.Storage(err, "scan guard violation")
	}
	v.TriggeredAt = triggeredAt
	v.CreatedAt = createdAt
	if hitsJSON != "" {
		if err := json.Unmarshal([]byte(hitsJSON), &v.Violations); err != nil {
			return nil, errs.Schema(err, "unmarshal guard violation hits for %s", v.ID)
		}
	}
	return &v, nil
}
