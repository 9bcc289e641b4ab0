package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/store"
)

// CandidateRepository persists domain.Candidate rows in the candidates
// table, serializing Reasoning/StatusHistory/Metadata to JSON columns.
type CandidateRepository struct {
	st *store.Store
}

func NewCandidateRepository(st *store.Store) *CandidateRepository {
	return &CandidateRepository{st: st}
}

// columns is the candidates table's live identifier whitelist (spec.md
// §4.3/§8: every identifier used in a query fragment must appear in the
// schema, not just match a regex).
func (r *CandidateRepository) columns() map[string]bool {
	return tableColumns(r.st.DB(), "candidates")
}

type candidateRow struct {
	id, code, language, category, source string
	reasoningJSON                        string
	status                                string
	statusHistoryJSON                     string
	createdBy                             string
	createdAt                             time.Time
	approvedBy, rejectionReason, rejectedBy, appliedRecipeID sql.NullString
	approvedAt                             sql.NullTime
	metadataJSON                           string
}

func toCandidateRow(c *domain.Candidate) (candidateRow, error) {
	reasoningJSON, err := marshalMap(c.Reasoning)
	if err != nil {
		return candidateRow{}, errs.Internal(err, "marshal candidate reasoning")
	}
	historyJSON, err := json.Marshal(c.StatusHistory)
	if err != nil {
		return candidateRow{}, errs.Internal(err, "marshal candidate status history")
	}
	metadataJSON, err := marshalMap(c.Metadata)
	if err != nil {
		return candidateRow{}, errs.Internal(err, "marshal candidate metadata")
	}

	r := candidateRow{
		id: c.ID, code: c.Code, language: c.Language, category: c.Category, source: c.Source,
		reasoningJSON: reasoningJSON, status: string(c.Status), statusHistoryJSON: string(historyJSON),
		createdBy: c.CreatedBy, createdAt: c.CreatedAt, metadataJSON: metadataJSON,
	}
	if c.ApprovedBy != nil {
		r.approvedBy = sql.NullString{String: *c.ApprovedBy, Valid: true}
	}
	if c.ApprovedAt != nil {
		r.approvedAt = sql.NullTime{Time: *c.ApprovedAt, Valid: true}
	}
	if c.RejectionReason != nil {
		r.rejectionReason = sql.NullString{String: *c.RejectionReason, Valid: true}
	}
	if c.RejectedBy != nil {
		r.rejectedBy = sql.NullString{String: *c.RejectedBy, Valid: true}
	}
	if c.AppliedRecipeID != nil {
		r.appliedRecipeID = sql.NullString{String: *c.AppliedRecipeID, Valid: true}
	}
	return r, nil
}

func fromCandidateRow(r candidateRow) (*domain.Candidate, error) {
	c := &domain.Candidate{
		ID: r.id, Code: r.code, Language: r.language, Category: r.category, Source: r.source,
		Status: domain.CandidateStatus(r.status), CreatedBy: r.createdBy, CreatedAt: r.createdAt,
	}
	if r.reasoningJSON != "" {
		if err := json.Unmarshal([]byte(r.reasoningJSON), &c.Reasoning); err != nil {
			return nil, errs.Schema(err, "decode candidate reasoning for %s", r.id)
		}
	}
	if r.statusHistoryJSON != "" {
		if err := json.Unmarshal([]byte(r.statusHistoryJSON), &c.StatusHistory); err != nil {
			return nil, errs.Schema(err, "decode candidate status_history for %s", r.id)
		}
	}
	if r.metadataJSON != "" {
		if err := json.Unmarshal([]byte(r.metadataJSON), &c.Metadata); err != nil {
			return nil, errs.Schema(err, "decode candidate metadata for %s", r.id)
		}
	}
	if r.approvedBy.Valid {
		c.ApprovedBy = &r.approvedBy.String
	}
	if r.approvedAt.Valid {
		t := r.approvedAt.Time
		c.ApprovedAt = &t
	}
	if r.rejectionReason.Valid {
		c.RejectionReason = &r.rejectionReason.String
	}
	if r.rejectedBy.Valid {
		c.RejectedBy = &r.rejectedBy.String
	}
	if r.appliedRecipeID.Valid {
		c.AppliedRecipeID = &r.appliedRecipeID.String
	}
	return c, nil
}

func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Create inserts a new candidate row. Fails with errs.CodeConflict if the
// id already exists.
func (r *CandidateRepository) Create(c *domain.Candidate) error {
	row, err := toCandidateRow(c)
	if err != nil {
		return err
	}
	r.st.Lock()
	defer r.st.Unlock()

	_, err = r.st.DB().Exec(`INSERT INTO candidates
		(id, code, language, category, source, reasoning_json, status, status_history_json,
		 created_by, created_at, approved_by, approved_at, rejection_reason, rejected_by,
		 applied_recipe_id, metadata_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.id, row.code, row.language, row.category, row.source, row.reasoningJSON, row.status,
		row.statusHistoryJSON, row.createdBy, row.createdAt, row.approvedBy, row.approvedAt,
		row.rejectionReason, row.rejectedBy, row.appliedRecipeID, row.metadataJSON)
	if err != nil {
		return errs.Storage(err, "insert candidate %s", c.ID)
	}
	logging.Get(logging.CategoryRepository).Info("candidate created: %s", c.ID)
	return nil
}

// Update persists every mutable field of an existing candidate.
func (r *CandidateRepository) Update(c *domain.Candidate) error {
	row, err := toCandidateRow(c)
	if err != nil {
		return err
	}
	r.st.Lock()
	defer r.st.Unlock()

	res, err := r.st.DB().Exec(`UPDATE candidates SET
		code=?, language=?, category=?, source=?, reasoning_json=?, status=?, status_history_json=?,
		approved_by=?, approved_at=?, rejection_reason=?, rejected_by=?, applied_recipe_id=?, metadata_json=?
		WHERE id=?`,
		row.code, row.language, row.category, row.source, row.reasoningJSON, row.status,
		row.statusHistoryJSON, row.approvedBy, row.approvedAt, row.rejectionReason, row.rejectedBy,
		row.appliedRecipeID, row.metadataJSON, row.id)
	if err != nil {
		return errs.Storage(err, "update candidate %s", c.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("candidate %s", c.ID)
	}
	return nil
}

func (r *CandidateRepository) scanRow(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Candidate, error) {
	var rr candidateRow
	err := row.Scan(&rr.id, &rr.code, &rr.language, &rr.category, &rr.source, &rr.reasoningJSON,
		&rr.status, &rr.statusHistoryJSON, &rr.createdBy, &rr.createdAt, &rr.approvedBy, &rr.approvedAt,
		&rr.rejectionReason, &rr.rejectedBy, &rr.appliedRecipeID, &rr.metadataJSON)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("candidate not found")
	}
	if err != nil {
		return nil, errs.Storage(err, "scan candidate")
	}
	return fromCandidateRow(rr)
}

const candidateSelectCols = `id, code, language, category, source, reasoning_json, status,
	status_history_json, created_by, created_at, approved_by, approved_at, rejection_reason,
	rejected_by, applied_recipe_id, metadata_json`

// Get fetches a candidate by id.
func (r *CandidateRepository) Get(id string) (*domain.Candidate, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	row := r.st.DB().QueryRow(`SELECT `+candidateSelectCols+` FROM candidates WHERE id=?`, id)
	return r.scanRow(row)
}

// FindByStatus returns candidates with the given status, paginated.
func (r *CandidateRepository) FindByStatus(status domain.CandidateStatus, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("status", r.columns(), string(status)), page, pageSize)
}

// FindByLanguage returns candidates tagged with the given language, paginated.
func (r *CandidateRepository) FindByLanguage(language string, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("language", r.columns(), language), page, pageSize)
}

// FindByCreatedBy returns candidates authored by createdBy, paginated.
func (r *CandidateRepository) FindByCreatedBy(createdBy string, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("created_by", r.columns(), createdBy), page, pageSize)
}

// Search performs a plain LIKE scan over code, category, and metadata_json
// (spec.md §4.3: "search(keyword) over code + category + metadata").
func (r *CandidateRepository) Search(term string, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	like := likeArg(term)
	where := `WHERE code LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\' OR metadata_json LIKE ? ESCAPE '\'`
	args := []interface{}{like, like, like}
	limit, offset := Pagination(page, pageSize)

	var total int
	if err := r.st.DB().QueryRow("SELECT COUNT(*) FROM candidates "+where, args...).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count candidate search results")
	}

	query := "SELECT " + candidateSelectCols + " FROM candidates " + where + " " + DefaultOrderBy + " LIMIT ? OFFSET ?"
	rows, err := r.st.DB().Query(query, append(append([]interface{}{}, args...), limit, offset)...)
	if err != nil {
		return Page{}, errs.Storage(err, "search candidates")
	}
	defer rows.Close()

	var out []*domain.Candidate
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, c)
	}
	return NewPage(out, page, pageSize, total), nil
}

// List returns every candidate, paginated, newest first.
func (r *CandidateRepository) List(page, pageSize int) (Page, error) {
	return r.list(NewFilter(), page, pageSize)
}

func (r *CandidateRepository) list(f *Filter, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	where, args := f.Where()
	limit, offset := Pagination(page, pageSize)

	var total int
	countQuery := "SELECT COUNT(*) FROM candidates " + where
	if err := r.st.DB().QueryRow(countQuery, args...).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count candidates")
	}

	query := "SELECT " + candidateSelectCols + " FROM candidates " + where + " " + DefaultOrderBy + " LIMIT ? OFFSET ?"
	rows, err := r.st.DB().Query(query, append(append([]interface{}{}, args...), limit, offset)...)
	if err != nil {
		return Page{}, errs.Storage(err, "list candidates")
	}
	defer rows.Close()

	var out []*domain.Candidate
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, c)
	}
	return NewPage(out, page, pageSize, total), nil
}

// Delete removes a candidate by id. Rarely used (spec.md favors
// terminal-state transitions over deletion) but kept for admin cleanup.
func (r *CandidateRepository) Delete(id string) error {
	r.st.Lock()
	defer r.st.Unlock()
	res, err := r.st.DB().Exec(`DELETE FROM candidates WHERE id=?`, id)
	if err != nil {
		return errs.Storage(err, "delete candidate %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("candidate %s", id)
	}
	return nil
}
