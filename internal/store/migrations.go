package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knowledgeengine/core/internal/logging"
)

// CurrentSchemaVersion is the highest migration version this build knows
// how to apply.
const CurrentSchemaVersion = 4

// migration is one ordered, idempotent schema step, guarded by the
// schema_migrations table and run inside its own transaction (spec.md
// §4.2). Idempotence comes from "IF NOT EXISTS"/table_info checks inside
// Up, not from skipping already-applied versions (that part is handled by
// RunMigrations itself).
type migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", Up: migrateV1},
	{Version: 2, Name: "knowledge_edges_backfill", Up: migrateV2},
	{Version: 3, Name: "indexing_side_tables", Up: migrateV3},
	{Version: 4, Name: "snippets", Up: migrateV4},
}

// RunMigrations applies every migration whose version is not yet present
// in schema_migrations, each inside its own transaction. The schema row
// commits only if the migration's transaction commits; any failure aborts
// the process (spec.md §4.2, §4.12 "migration failure is fatal").
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		logging.Get(logging.CategoryStore).Info("applying migration %d (%s)", m.Version, m.Name)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): begin tx: %w", m.Version, m.Name, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): record version: %w", m.Version, m.Name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.Version, m.Name, err)
		}
	}

	return nil
}

// GetSchemaVersion returns the highest applied migration version, or 0 if
// none has run yet (fresh database).
func GetSchemaVersion(db *sql.DB) int {
	var v sql.NullInt64
	_ = db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	return int(v.Int64)
}

func tableExists(db dbExecer, table string) bool {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	return err == nil && count > 0
}

func columnExists(db dbExecer, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// dbExecer is satisfied by both *sql.DB and *sql.Tx.
type dbExecer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// migrateV1 creates every table the knowledge engine owns.
func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candidates (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			language TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'manual',
			reasoning_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			status_history_json TEXT NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			approved_by TEXT,
			approved_at DATETIME,
			rejection_reason TEXT,
			rejected_by TEXT,
			applied_recipe_id TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_language ON candidates(language)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_created_by ON candidates(created_by)`,

		`CREATE TABLE IF NOT EXISTS recipes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL,
			category TEXT NOT NULL,
			kind TEXT NOT NULL,
			knowledge_type TEXT NOT NULL DEFAULT '',
			complexity TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			summary_cn TEXT NOT NULL DEFAULT '',
			summary_en TEXT NOT NULL DEFAULT '',
			usage_guide_cn TEXT NOT NULL DEFAULT '',
			usage_guide_en TEXT NOT NULL DEFAULT '',
			content_json TEXT NOT NULL DEFAULT '{}',
			relations_json TEXT NOT NULL DEFAULT '{}',
			constraints_json TEXT NOT NULL DEFAULT '{}',
			trigger TEXT NOT NULL DEFAULT '',
			dimensions_json TEXT NOT NULL DEFAULT '{}',
			tags_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			quality_completeness REAL NOT NULL DEFAULT 0,
			quality_adaptation REAL NOT NULL DEFAULT 0,
			quality_clarity REAL NOT NULL DEFAULT 0,
			quality_overall REAL NOT NULL DEFAULT 0,
			stat_adoption INTEGER NOT NULL DEFAULT 0,
			stat_application INTEGER NOT NULL DEFAULT 0,
			stat_guard_hit INTEGER NOT NULL DEFAULT 0,
			stat_view INTEGER NOT NULL DEFAULT 0,
			stat_success INTEGER NOT NULL DEFAULT 0,
			stat_feedback REAL NOT NULL DEFAULT 0,
			deprecation_json TEXT,
			source_candidate_id TEXT,
			source_file TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_kind ON recipes(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_knowledge_type ON recipes(knowledge_type)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_status ON recipes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_scope ON recipes(scope)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_category ON recipes(category)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_language ON recipes(language)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_source_file ON recipes(source_file)`,

		`CREATE TABLE IF NOT EXISTS guard_violations (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			triggered_at DATETIME NOT NULL,
			violation_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			violations_json TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guard_violations_file ON guard_violations(file_path)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			actor TEXT NOT NULL,
			actor_context_json TEXT NOT NULL DEFAULT '{}',
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			operation_data_json TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '{}',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			actor TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			expired_at DATETIME
		)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// migrateV2 introduces knowledge_edges. Per spec.md §9 Open Question, the
// back-fill from recipes.relations_json uses an exact id match against
// existing recipe ids — never a substring LIKE.
func migrateV2(tx *sql.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS knowledge_edges (
		from_id TEXT NOT NULL,
		from_type TEXT NOT NULL,
		to_id TEXT NOT NULL,
		to_type TEXT NOT NULL,
		relation TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (from_id, from_type, to_id, to_type, relation)
	)`); err != nil {
		return fmt.Errorf("create knowledge_edges: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_edges_from ON knowledge_edges(from_id, from_type)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_edges_to ON knowledge_edges(to_id, to_type)`); err != nil {
		return err
	}

	if !tableExists(tx, "recipes") {
		return nil
	}

	rows, err := tx.Query(`SELECT id, relations_json FROM recipes`)
	if err != nil {
		return fmt.Errorf("query recipes for backfill: %w", err)
	}
	type rel struct {
		id, relationsJSON string
	}
	var recipeRows []rel
	for rows.Next() {
		var r rel
		if err := rows.Scan(&r.id, &r.relationsJSON); err != nil {
			rows.Close()
			return err
		}
		recipeRows = append(recipeRows, r)
	}
	rows.Close()

	// Exact-id index of known recipes, for validating relation targets.
	knownIDs := make(map[string]bool, len(recipeRows))
	for _, r := range recipeRows {
		knownIDs[r.id] = true
	}

	type relGroup struct {
		field    string
		relation string
	}
	groups := []relGroup{
		{"inherits", "inherits"}, {"implements", "implements"}, {"calls", "calls"},
		{"dependsOn", "depends_on"}, {"dataFlow", "data_flow_to"}, {"conflicts", "conflicts"},
		{"extends", "extends"}, {"related", "related"},
	}

	for _, r := range recipeRows {
		var parsed map[string][]struct {
			Target      string `json:"target"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal([]byte(r.relationsJSON), &parsed); err != nil {
			continue // corrupted JSON is skipped, not fatal (spec.md §7 SchemaError is per-row)
		}
		for _, g := range groups {
			for _, entry := range parsed[g.field] {
				if entry.Target == "" || !knownIDs[entry.Target] {
					continue // exact match only; orphan targets are allowed but not back-filled as edges
				}
				meta, _ := json.Marshal(map[string]string{"description": entry.Description})
				if _, err := tx.Exec(`INSERT OR IGNORE INTO knowledge_edges
					(from_id, from_type, to_id, to_type, relation, weight, metadata_json)
					VALUES (?, 'recipe', ?, 'recipe', ?, 1.0, ?)`,
					r.id, entry.Target, g.relation, string(meta)); err != nil {
					return fmt.Errorf("backfill edge %s->%s: %w", r.id, entry.Target, err)
				}
			}
		}
	}

	return nil
}

// migrateV3 adds the side tables the indexing pipeline (§4.5) and graph
// PageRank (§4.7) use.
func migrateV3(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vector_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			vector BLOB NOT NULL,
			dims INTEGER NOT NULL,
			content_snippet TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_chunks_entity ON vector_chunks(entity_id, entity_type)`,

		`CREATE TABLE IF NOT EXISTS keyword_terms (
			term TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			tf INTEGER NOT NULL DEFAULT 0,
			df INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (term, entity_id, entity_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_keyword_terms_term ON keyword_terms(term)`,

		`CREATE TABLE IF NOT EXISTS indexed_at (
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			indexed_at DATETIME NOT NULL,
			embedding_failed BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_id, entity_type)
		)`,

		`CREATE TABLE IF NOT EXISTS entity_pagerank (
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			computed_at DATETIME NOT NULL,
			PRIMARY KEY (entity_id, entity_type)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// migrateV4 adds the snippets table (spec.md §3 Snippet entity).
func migrateV4(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snippets (
			id TEXT PRIMARY KEY,
			external_identifier TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			language TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			completion_trigger TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			installed BOOLEAN NOT NULL DEFAULT 0,
			installed_path TEXT NOT NULL DEFAULT '',
			source_recipe_id TEXT,
			source_candidate_id TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snippets_language ON snippets(language)`,
		`CREATE INDEX IF NOT EXISTS idx_snippets_source_recipe ON snippets(source_recipe_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
