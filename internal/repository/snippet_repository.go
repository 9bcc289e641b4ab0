package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/store"
)

// SnippetRepository persists domain.Snippet rows.
type SnippetRepository struct {
	st *store.Store
}

func NewSnippetRepository(st *store.Store) *SnippetRepository {
	return &SnippetRepository{st: st}
}

// columns is the snippets table's live identifier whitelist (spec.md
// §4.3/§8: every identifier used in a query fragment must appear in the
// schema, not just match a regex).
func (r *SnippetRepository) columns() map[string]bool {
	return tableColumns(r.st.DB(), "snippets")
}

const snippetSelectCols = `id, external_identifier, title, language, category, completion_trigger, summary, body,
	installed, installed_path, source_recipe_id, source_candidate_id, metadata_json, created_at, updated_at`

func (r *SnippetRepository) scanRow(row interface{ Scan(dest ...interface{}) error }) (*domain.Snippet, error) {
	var s domain.Snippet
	var sourceRecipeID, sourceCandidateID sql.NullString
	var metadataJSON string
	err := row.Scan(&s.ID, &s.ExternalIdentifier, &s.Title, &s.Language, &s.Category, &s.CompletionTrigger,
		&s.Summary, &s.Body, &s.Install.Installed, &s.Install.InstalledPath, &sourceRecipeID, &sourceCandidateID,
		&metadataJSON, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("snippet not found")
	}
	if err != nil {
		return nil, errs.Storage(err, "scan snippet")
	}
	if sourceRecipeID.Valid {
		s.SourceRecipeID = &sourceRecipeID.String
	}
	if sourceCandidateID.Valid {
		s.SourceCandidateID = &sourceCandidateID.String
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &s.Metadata); err != nil {
			return nil, errs.Schema(err, "decode snippet metadata for %s", s.ID)
		}
	}
	return &s, nil
}

// Create inserts a new snippet row.
func (r *SnippetRepository) Create(s *domain.Snippet) error {
	metadataJSON, err := marshalMap(s.Metadata)
	if err != nil {
		return errs.Internal(err, "marshal snippet metadata")
	}
	var sourceRecipeID, sourceCandidateID interface{}
	if s.SourceRecipeID != nil {
		sourceRecipeID = *s.SourceRecipeID
	}
	if s.SourceCandidateID != nil {
		sourceCandidateID = *s.SourceCandidateID
	}

	r.st.Lock()
	defer r.st.Unlock()
	_, err = r.st.DB().Exec(`INSERT INTO snippets (`+snippetSelectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ExternalIdentifier, s.Title, s.Language, s.Category, s.CompletionTrigger, s.Summary, s.Body,
		s.Install.Installed, s.Install.InstalledPath, sourceRecipeID, sourceCandidateID, metadataJSON,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return errs.Storage(err, "insert snippet %s", s.ID)
	}
	return nil
}

// Update persists an installed-state or content change.
func (r *SnippetRepository) Update(s *domain.Snippet) error {
	metadataJSON, err := marshalMap(s.Metadata)
	if err != nil {
		return errs.Internal(err, "marshal snippet metadata")
	}
	s.UpdatedAt = time.Now().UTC()

	r.st.Lock()
	defer r.st.Unlock()
	res, err := r.st.DB().Exec(`UPDATE snippets SET
		title=?, language=?, category=?, completion_trigger=?, summary=?, body=?,
		installed=?, installed_path=?, metadata_json=?, updated_at=?
		WHERE id=?`,
		s.Title, s.Language, s.Category, s.CompletionTrigger, s.Summary, s.Body,
		s.Install.Installed, s.Install.InstalledPath, metadataJSON, s.UpdatedAt, s.ID)
	if err != nil {
		return errs.Storage(err, "update snippet %s", s.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("snippet %s", s.ID)
	}
	return nil
}

// Get fetches a snippet by id.
func (r *SnippetRepository) Get(id string) (*domain.Snippet, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	row := r.st.DB().QueryRow(`SELECT `+snippetSelectCols+` FROM snippets WHERE id=?`, id)
	return r.scanRow(row)
}

// FindByRecipe returns the snippets derived from a given recipe.
func (r *SnippetRepository) FindByRecipe(recipeID string) ([]*domain.Snippet, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	rows, err := r.st.DB().Query(`SELECT `+snippetSelectCols+` FROM snippets WHERE source_recipe_id=? `+DefaultOrderBy, recipeID)
	if err != nil {
		return nil, errs.Storage(err, "find snippets for recipe %s", recipeID)
	}
	defer rows.Close()

	var out []*domain.Snippet
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns every snippet, paginated.
func (r *SnippetRepository) List(page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	limit, offset := Pagination(page, pageSize)
	var total int
	if err := r.st.DB().QueryRow(`SELECT COUNT(*) FROM snippets`).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count snippets")
	}
	rows, err := r.st.DB().Query(`SELECT `+snippetSelectCols+` FROM snippets `+DefaultOrderBy+` LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return Page{}, errs.Storage(err, "list snippets")
	}
	defer rows.Close()

	var out []*domain.Snippet
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, s)
	}
	return NewPage(out, page, pageSize, total), nil
}

// Delete removes a snippet by id.
func (r *SnippetRepository) Delete(id string) error {
	r.st.Lock()
	defer r.st.Unlock()
	res, err := r.st.DB().Exec(`DELETE FROM snippets WHERE id=?`, id)
	if err != nil {
		return errs.Storage(err, "delete snippet %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("snippet %s", id)
	}
	return nil
}
