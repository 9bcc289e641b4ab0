package repository

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/store"
)

// RecipeRepository persists domain.Recipe rows, flattening the nested
// Content/Relations/Constraints/Dimensions/Tags groups into their own JSON
// columns (spec.md §4.3's content_json/relations_json/constraints_json/
// dimensions_json/tags_json).
type RecipeRepository struct {
	st *store.Store
}

func NewRecipeRepository(st *store.Store) *RecipeRepository {
	return &RecipeRepository{st: st}
}

// columns is the recipes table's live identifier whitelist (spec.md
// §4.3/§8: every identifier used in a query fragment must appear in the
// schema, not just match a regex).
func (r *RecipeRepository) columns() map[string]bool {
	return tableColumns(r.st.DB(), "recipes")
}

type recipeRow struct {
	id, title, description, language, category string
	kind, knowledgeType, complexity, scope      string
	summaryCN, summaryEN, usageGuideCN, usageGuideEN string
	contentJSON, relationsJSON, constraintsJSON     string
	trigger                                          string
	dimensionsJSON, tagsJSON                         string
	status                                            string
	qCompleteness, qAdaptation, qClarity, qOverall   float64
	sAdoption, sApplication, sGuardHit, sView, sSuccess int
	sFeedback                                         float64
	deprecationJSON                                   sql.NullString
	sourceCandidateID, sourceFile                     sql.NullString
	createdAt, updatedAt                               time.Time
}

func toRecipeRow(r *domain.Recipe) (recipeRow, error) {
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return recipeRow{}, errs.Internal(err, "marshal recipe content")
	}
	relationsJSON, err := json.Marshal(r.Relations)
	if err != nil {
		return recipeRow{}, errs.Internal(err, "marshal recipe relations")
	}
	constraintsJSON, err := json.Marshal(r.Constraints)
	if err != nil {
		return recipeRow{}, errs.Internal(err, "marshal recipe constraints")
	}
	dims := r.Dimensions
	if dims == nil {
		dims = map[string]interface{}{}
	}
	dimensionsJSON, err := json.Marshal(dims)
	if err != nil {
		return recipeRow{}, errs.Internal(err, "marshal recipe dimensions")
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return recipeRow{}, errs.Internal(err, "marshal recipe tags")
	}

	row := recipeRow{
		id: r.ID, title: r.Title, description: r.Description, language: r.Language, category: r.Category,
		kind: string(r.Kind), knowledgeType: string(r.KnowledgeType), complexity: string(r.Complexity), scope: string(r.Scope),
		summaryCN: r.Summary.CN, summaryEN: r.Summary.EN, usageGuideCN: r.UsageGuide.CN, usageGuideEN: r.UsageGuide.EN,
		contentJSON: string(contentJSON), relationsJSON: string(relationsJSON), constraintsJSON: string(constraintsJSON),
		trigger: r.Trigger, dimensionsJSON: string(dimensionsJSON), tagsJSON: string(tagsJSON),
		status: string(r.Status),
		qCompleteness: r.Quality.Completeness, qAdaptation: r.Quality.Adaptation, qClarity: r.Quality.Clarity, qOverall: r.Quality.Overall,
		sAdoption: r.Stats.AdoptionCount, sApplication: r.Stats.ApplicationCount, sGuardHit: r.Stats.GuardHitCount,
		sView: r.Stats.ViewCount, sSuccess: r.Stats.SuccessCount, sFeedback: r.Stats.FeedbackScore,
		createdAt: r.CreatedAt, updatedAt: r.UpdatedAt,
	}
	if r.Deprecation != nil {
		b, err := json.Marshal(r.Deprecation)
		if err != nil {
			return recipeRow{}, errs.Internal(err, "marshal recipe deprecation")
		}
		row.deprecationJSON = sql.NullString{String: string(b), Valid: true}
	}
	if r.SourceCandidateID != nil {
		row.sourceCandidateID = sql.NullString{String: *r.SourceCandidateID, Valid: true}
	}
	if r.SourceFile != nil {
		row.sourceFile = sql.NullString{String: *r.SourceFile, Valid: true}
	}
	return row, nil
}

func fromRecipeRow(row recipeRow) (*domain.Recipe, error) {
	r := &domain.Recipe{
		ID: row.id, Title: row.title, Description: row.description, Language: row.language, Category: row.category,
		Kind: domain.RecipeKind(row.kind), KnowledgeType: domain.KnowledgeType(row.knowledgeType),
		Complexity: domain.Complexity(row.complexity), Scope: domain.Scope(row.scope),
		Summary:    domain.Localized{CN: row.summaryCN, EN: row.summaryEN},
		UsageGuide: domain.Localized{CN: row.usageGuideCN, EN: row.usageGuideEN},
		Trigger:    row.trigger,
		Status:     domain.RecipeStatus(row.status),
		Quality: domain.QualityMetrics{
			Completeness: row.qCompleteness, Adaptation: row.qAdaptation, Clarity: row.qClarity, Overall: row.qOverall,
		},
		Stats: domain.Statistics{
			AdoptionCount: row.sAdoption, ApplicationCount: row.sApplication, GuardHitCount: row.sGuardHit,
			ViewCount: row.sView, SuccessCount: row.sSuccess, FeedbackScore: row.sFeedback,
		},
		CreatedAt: row.createdAt, UpdatedAt: row.updatedAt,
	}
	if err := json.Unmarshal([]byte(row.contentJSON), &r.Content); err != nil {
		return nil, errs.Schema(err, "decode recipe content for %s", row.id)
	}
	if err := json.Unmarshal([]byte(row.relationsJSON), &r.Relations); err != nil {
		return nil, errs.Schema(err, "decode recipe relations for %s", row.id)
	}
	if err := json.Unmarshal([]byte(row.constraintsJSON), &r.Constraints); err != nil {
		return nil, errs.Schema(err, "decode recipe constraints for %s", row.id)
	}
	if err := json.Unmarshal([]byte(row.dimensionsJSON), &r.Dimensions); err != nil {
		return nil, errs.Schema(err, "decode recipe dimensions for %s", row.id)
	}
	if err := json.Unmarshal([]byte(row.tagsJSON), &r.Tags); err != nil {
		return nil, errs.Schema(err, "decode recipe tags for %s", row.id)
	}
	if len(r.Dimensions) == 0 {
		r.Dimensions = nil
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	if row.deprecationJSON.Valid {
		var dep domain.Deprecation
		if err := json.Unmarshal([]byte(row.deprecationJSON.String), &dep); err != nil {
			return nil, errs.Schema(err, "decode recipe deprecation for %s", row.id)
		}
		r.Deprecation = &dep
	}
	if row.sourceCandidateID.Valid {
		r.SourceCandidateID = &row.sourceCandidateID.String
	}
	if row.sourceFile.Valid {
		r.SourceFile = &row.sourceFile.String
	}
	return r, nil
}

const recipeSelectCols = `id, title, description, language, category, kind, knowledge_type, complexity, scope,
	summary_cn, summary_en, usage_guide_cn, usage_guide_en, content_json, relations_json, constraints_json,
	trigger, dimensions_json, tags_json, status,
	quality_completeness, quality_adaptation, quality_clarity, quality_overall,
	stat_adoption, stat_application, stat_guard_hit, stat_view, stat_success, stat_feedback,
	deprecation_json, source_candidate_id, source_file, created_at, updated_at`

func (r *RecipeRepository) scanRow(row interface{ Scan(dest ...interface{}) error }) (*domain.Recipe, error) {
	var rr recipeRow
	err := row.Scan(&rr.id, &rr.title, &rr.description, &rr.language, &rr.category, &rr.kind, &rr.knowledgeType,
		&rr.complexity, &rr.scope, &rr.summaryCN, &rr.summaryEN, &rr.usageGuideCN, &rr.usageGuideEN,
		&rr.contentJSON, &rr.relationsJSON, &rr.constraintsJSON, &rr.trigger, &rr.dimensionsJSON, &rr.tagsJSON,
		&rr.status, &rr.qCompleteness, &rr.qAdaptation, &rr.qClarity, &rr.qOverall,
		&rr.sAdoption, &rr.sApplication, &rr.sGuardHit, &rr.sView, &rr.sSuccess, &rr.sFeedback,
		&rr.deprecationJSON, &rr.sourceCandidateID, &rr.sourceFile, &rr.createdAt, &rr.updatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("recipe not found")
	}
	if err != nil {
		return nil, errs.Storage(err, "scan recipe")
	}
	return fromRecipeRow(rr)
}

// Create inserts a new recipe row.
func (r *RecipeRepository) Create(rec *domain.Recipe) error {
	row, err := toRecipeRow(rec)
	if err != nil {
		return err
	}
	r.st.Lock()
	defer r.st.Unlock()

	_, err = r.st.DB().Exec(`INSERT INTO recipes (`+recipeSelectCols+`) VALUES (`+placeholders(35)+`)`,
		row.id, row.title, row.description, row.language, row.category, row.kind, row.knowledgeType,
		row.complexity, row.scope, row.summaryCN, row.summaryEN, row.usageGuideCN, row.usageGuideEN,
		row.contentJSON, row.relationsJSON, row.constraintsJSON, row.trigger, row.dimensionsJSON, row.tagsJSON,
		row.status, row.qCompleteness, row.qAdaptation, row.qClarity, row.qOverall,
		row.sAdoption, row.sApplication, row.sGuardHit, row.sView, row.sSuccess, row.sFeedback,
		row.deprecationJSON, row.sourceCandidateID, row.sourceFile, row.createdAt, row.updatedAt)
	if err != nil {
		return errs.Storage(err, "insert recipe %s", rec.ID)
	}
	logging.Get(logging.CategoryRepository).Info("recipe created: %s (%s)", rec.ID, rec.Kind)
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// Update persists every field of an existing recipe.
func (r *RecipeRepository) Update(rec *domain.Recipe) error {
	row, err := toRecipeRow(rec)
	if err != nil {
		return err
	}
	r.st.Lock()
	defer r.st.Unlock()

	res, err := r.st.DB().Exec(`UPDATE recipes SET
		title=?, description=?, language=?, category=?, kind=?, knowledge_type=?, complexity=?, scope=?,
		summary_cn=?, summary_en=?, usage_guide_cn=?, usage_guide_en=?, content_json=?, relations_json=?,
		constraints_json=?, trigger=?, dimensions_json=?, tags_json=?, status=?,
		quality_completeness=?, quality_adaptation=?, quality_clarity=?, quality_overall=?,
		stat_adoption=?, stat_application=?, stat_guard_hit=?, stat_view=?, stat_success=?, stat_feedback=?,
		deprecation_json=?, source_candidate_id=?, source_file=?, updated_at=?
		WHERE id=?`,
		row.title, row.description, row.language, row.category, row.kind, row.knowledgeType, row.complexity, row.scope,
		row.summaryCN, row.summaryEN, row.usageGuideCN, row.usageGuideEN, row.contentJSON, row.relationsJSON,
		row.constraintsJSON, row.trigger, row.dimensionsJSON, row.tagsJSON, row.status,
		row.qCompleteness, row.qAdaptation, row.qClarity, row.qOverall,
		row.sAdoption, row.sApplication, row.sGuardHit, row.sView, row.sSuccess, row.sFeedback,
		row.deprecationJSON, row.sourceCandidateID, row.sourceFile, row.updatedAt, row.id)
	if err != nil {
		return errs.Storage(err, "update recipe %s", rec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("recipe %s", rec.ID)
	}
	return nil
}

// Get fetches a recipe by id.
func (r *RecipeRepository) Get(id string) (*domain.Recipe, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	row := r.st.DB().QueryRow(`SELECT `+recipeSelectCols+` FROM recipes WHERE id=?`, id)
	return r.scanRow(row)
}

// GetBySourceFile looks up the recipe synced from a given corpus file
// path, used by the Sync Service's orphan/update detection.
func (r *RecipeRepository) GetBySourceFile(path string) (*domain.Recipe, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	row := r.st.DB().QueryRow(`SELECT `+recipeSelectCols+` FROM recipes WHERE source_file=?`, path)
	return r.scanRow(row)
}

func (r *RecipeRepository) list(f *Filter, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	where, args := f.Where()
	limit, offset := Pagination(page, pageSize)

	var total int
	if err := r.st.DB().QueryRow("SELECT COUNT(*) FROM recipes "+where, args...).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count recipes")
	}

	query := "SELECT " + recipeSelectCols + " FROM recipes " + where + " " + DefaultOrderBy + " LIMIT ? OFFSET ?"
	rows, err := r.st.DB().Query(query, append(append([]interface{}{}, args...), limit, offset)...)
	if err != nil {
		return Page{}, errs.Storage(err, "list recipes")
	}
	defer rows.Close()

	var out []*domain.Recipe
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, rec)
	}
	return NewPage(out, page, pageSize, total), nil
}

// List returns every recipe, paginated, newest first.
func (r *RecipeRepository) List(page, pageSize int) (Page, error) {
	return r.list(NewFilter(), page, pageSize)
}

// FindByKind filters on the coarse rule/pattern/fact classification.
func (r *RecipeRepository) FindByKind(kind domain.RecipeKind, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("kind", r.columns(), string(kind)), page, pageSize)
}

// FindByKnowledgeType filters on the fine classification.
func (r *RecipeRepository) FindByKnowledgeType(kt domain.KnowledgeType, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("knowledge_type", r.columns(), string(kt)), page, pageSize)
}

// FindByScope filters on universal/project/target-specific.
func (r *RecipeRepository) FindByScope(scope domain.Scope, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("scope", r.columns(), string(scope)), page, pageSize)
}

// FindByCategory filters on the free-text category tag.
func (r *RecipeRepository) FindByCategory(category string, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("category", r.columns(), category), page, pageSize)
}

// FindByLanguage filters on the source language.
func (r *RecipeRepository) FindByLanguage(language string, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("language", r.columns(), language), page, pageSize)
}

// FindByStatus filters on draft/active/deprecated.
func (r *RecipeRepository) FindByStatus(status domain.RecipeStatus, page, pageSize int) (Page, error) {
	return r.list(NewFilter().Eq("status", r.columns(), string(status)), page, pageSize)
}

// Search performs a plain LIKE scan over the seven fields spec.md §4.3
// names (title, category, content_json, constraints_json, tags_json,
// description, trigger), a cheap pre-filter layered underneath the
// hybrid Search Core (C7) rather than a replacement for it.
func (r *RecipeRepository) Search(term string, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	like := likeArg(term)
	where := `WHERE title LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\' OR content_json LIKE ? ESCAPE '\'
		OR constraints_json LIKE ? ESCAPE '\' OR tags_json LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'
		OR trigger LIKE ? ESCAPE '\'`
	args := []interface{}{like, like, like, like, like, like, like}
	limit, offset := Pagination(page, pageSize)

	var total int
	if err := r.st.DB().QueryRow("SELECT COUNT(*) FROM recipes "+where, args...).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count recipe search results")
	}

	query := "SELECT " + recipeSelectCols + " FROM recipes " + where + " " + DefaultOrderBy + " LIMIT ? OFFSET ?"
	rows, err := r.st.DB().Query(query, append(append([]interface{}{}, args...), limit, offset)...)
	if err != nil {
		return Page{}, errs.Storage(err, "search recipes")
	}
	defer rows.Close()

	var out []*domain.Recipe
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, rec)
	}
	return NewPage(out, page, pageSize, total), nil
}

// FindWithGuards returns active recipes that declare at least one guard
// (spec.md §4.3 findWithGuards) — used by the Guards service to build its
// check-set without re-parsing every recipe's constraints JSON on every
// file save.
func (r *RecipeRepository) FindWithGuards() ([]*domain.Recipe, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	query := "SELECT " + recipeSelectCols + ` FROM recipes WHERE status='active' AND constraints_json <> '{}' AND constraints_json LIKE '%"guards":%'`
	rows, err := r.st.DB().Query(query)
	if err != nil {
		return nil, errs.Storage(err, "find recipes with guards")
	}
	defer rows.Close()

	var out []*domain.Recipe
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		if len(rec.Constraints.Guards) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindRelated resolves id's relations_json forward (the ids id names as
// relation targets) and reverse (every other row whose relations_json
// names id as a target, found by textual containment, since relations
// are a JSON blob rather than a normalized edge table), dedupes the
// resulting ids, and fetches them with a single IN (...) query
// (spec.md §4.3). This is distinct from graph.Service.Related, which
// performs the equivalent bidirectional traversal over the normalized
// knowledge_edges table instead.
func (r *RecipeRepository) FindRelated(id string) ([]*domain.Recipe, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	var relationsJSON string
	err := r.st.DB().QueryRow(`SELECT relations_json FROM recipes WHERE id=?`, id).Scan(&relationsJSON)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("recipe %s", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "load relations for %s", id)
	}
	var rel domain.Relations
	if err := json.Unmarshal([]byte(relationsJSON), &rel); err != nil {
		return nil, errs.Schema(err, "decode recipe relations for %s", id)
	}

	ids := map[string]bool{}
	for _, target := range rel.AllTargets() {
		if target != "" && target != id {
			ids[target] = true
		}
	}

	reverseRows, err := r.st.DB().Query(
		`SELECT id FROM recipes WHERE relations_json LIKE ? ESCAPE '\' AND id <> ?`,
		likeArg(`"target":"`+id+`"`), id)
	if err != nil {
		return nil, errs.Storage(err, "find reverse relations for %s", id)
	}
	defer reverseRows.Close()
	for reverseRows.Next() {
		var otherID string
		if err := reverseRows.Scan(&otherID); err != nil {
			return nil, errs.Storage(err, "scan reverse relation row")
		}
		ids[otherID] = true
	}
	if err := reverseRows.Err(); err != nil {
		return nil, errs.Storage(err, "iterate reverse relation rows")
	}

	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids))
	for target := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, target)
	}
	query := "SELECT " + recipeSelectCols + " FROM recipes WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	rows, err := r.st.DB().Query(query, args...)
	if err != nil {
		return nil, errs.Storage(err, "fetch related recipes for %s", id)
	}
	defer rows.Close()

	var out []*domain.Recipe
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetRecommendations ranks active recipes across the whole corpus by
// spec.md §4.3's weighted blend of quality and usage heat:
// 0.5*quality_overall + 0.3*min(adoption/100,1) + 0.2*min(application/100,1).
func (r *RecipeRepository) GetRecommendations(limit int) ([]*domain.Recipe, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	if limit <= 0 || limit > 50 {
		limit = 10
	}
	query := "SELECT " + recipeSelectCols + ` FROM recipes
		WHERE status='active'
		ORDER BY (quality_overall * 0.5
			+ MIN(stat_adoption / 100.0, 1.0) * 0.3
			+ MIN(stat_application / 100.0, 1.0) * 0.2) DESC
		LIMIT ?`
	rows, err := r.st.DB().Query(query, limit)
	if err != nil {
		return nil, errs.Storage(err, "get recommendations")
	}
	defer rows.Close()

	var out []*domain.Recipe
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a recipe by id.
func (r *RecipeRepository) Delete(id string) error {
	r.st.Lock()
	defer r.st.Unlock()
	res, err := r.st.DB().Exec(`DELETE FROM recipes WHERE id=?`, id)
	if err != nil {
		return errs.Storage(err, "delete recipe %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("recipe %s", id)
	}
	return nil
}
