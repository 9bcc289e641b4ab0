// Package repository implements the Repository Layer (spec.md §4.3): one
// repository per table, translating between domain entities and SQLite
// rows, with identifier-safe dynamic SQL, search-term escaping, and a
// single pagination shape shared across every List/Search method.
package repository

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/knowledgeengine/core/internal/errs"
)

// identifierPattern is the whitelist every caller-supplied column/table
// name is checked against before being interpolated into SQL text (never
// accept arbitrary strings into a query string, even ones we generated
// ourselves from field names).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnCache memoizes tableColumns per table name for the life of the
// process — the schema doesn't change once migrations have run, so the
// pragma only needs to be read once per table.
var (
	columnCacheMu sync.Mutex
	columnCache   = map[string]map[string]bool{}
)

// tableColumns returns table's live column whitelist, read from
// PRAGMA table_info (the same introspection migrations.go uses to check
// column existence) rather than a hand-maintained literal — so the
// whitelist can never drift from the schema actually applied. table is
// always a repository-internal constant, never caller input.
func tableColumns(db *sql.DB, table string) map[string]bool {
	columnCacheMu.Lock()
	if cols, ok := columnCache[table]; ok {
		columnCacheMu.Unlock()
		return cols
	}
	columnCacheMu.Unlock()

	cols := map[string]bool{}
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt interface{}
			if rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk) == nil {
				cols[name] = true
			}
		}
	}

	columnCacheMu.Lock()
	columnCache[table] = cols
	columnCacheMu.Unlock()
	return cols
}

// validateIdentifier rejects anything that is not a plain identifier and
// anything not present in allowed, so dynamic ORDER BY/column lists can
// never smuggle in arbitrary SQL.
func validateIdentifier(name string, allowed map[string]bool) error {
	if !identifierPattern.MatchString(name) {
		return errs.Validation("invalid identifier %q", name)
	}
	if allowed != nil && !allowed[name] {
		return errs.Validation("unknown column %q", name)
	}
	return nil
}

// escapeLike escapes %, _, and \ for a SQLite LIKE pattern using \ as the
// escape character (caller must add `ESCAPE '\'` to the query).
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func likeArg(term string) string {
	return "%" + escapeLike(term) + "%"
}

// Page is the single pagination envelope every List/Search method returns.
type Page struct {
	Data     interface{} `json:"data"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
	Total    int         `json:"total"`
	Pages    int         `json:"pages"`
}

// NewPage computes Pages from total/pageSize and wraps data.
func NewPage(data interface{}, page, pageSize, total int) Page {
	if pageSize <= 0 {
		pageSize = 20
	}
	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	return Page{Data: data, Page: page, PageSize: pageSize, Total: total, Pages: pages}
}

// Filter is a generic equality/LIKE filter builder shared by every
// repository's List/Search method. Conditions are ANDed together.
type Filter struct {
	conds []string
	args  []interface{}
}

func NewFilter() *Filter { return &Filter{} }

func (f *Filter) Eq(column string, allowed map[string]bool, value interface{}) *Filter {
	if value == nil || value == "" {
		return f
	}
	if err := validateIdentifier(column, allowed); err != nil {
		return f // silently skip unknown filter keys rather than erroring the whole query
	}
	f.conds = append(f.conds, fmt.Sprintf("%s = ?", column))
	f.args = append(f.args, value)
	return f
}

func (f *Filter) Like(column string, allowed map[string]bool, term string) *Filter {
	if term == "" {
		return f
	}
	if err := validateIdentifier(column, allowed); err != nil {
		return f
	}
	f.conds = append(f.conds, fmt.Sprintf("%s LIKE ? ESCAPE '\\'", column))
	f.args = append(f.args, likeArg(term))
	return f
}

func (f *Filter) Where() (string, []interface{}) {
	if len(f.conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(f.conds, " AND "), f.args
}

// Pagination computes a safe LIMIT/OFFSET pair, clamping page/pageSize to
// sane bounds (spec.md §4.3 default pageSize 20, max 200).
func Pagination(page, pageSize int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return pageSize, (page - 1) * pageSize
}

// DefaultOrderBy is appended to every List query that doesn't specify its
// own ordering (spec.md §4.3: "default ordering created_at DESC").
const DefaultOrderBy = "ORDER BY created_at DESC"
