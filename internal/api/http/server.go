// Package http implements the HTTP dashboard contract subset spec.md §6
// names as relevant to the core: thin net/http handlers where read
// endpoints call repositories/search directly and write endpoints go
// through gateway.Dispatch.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/knowledgeengine/core/internal/actions"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/gateway"
	"github.com/knowledgeengine/core/internal/graph"
	"github.com/knowledgeengine/core/internal/guards"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/search"
)

// Server is the HTTP adapter over the core's services.
type Server struct {
	mux *http.ServeMux

	projectRoot string
	gw          *gateway.Gateway
	recipes     *repository.RecipeRepository
	candidates  *repository.CandidateRepository
	core        *search.Core
	graphSvc    *graph.Service
	guardSvc    *guards.Service
	deps        actions.Deps
}

// NewServer builds a Server and registers its routes. actions.Register
// must already have been called on gw by the caller (cmd wiring), since
// the stdio adapter needs the same registration.
func NewServer(projectRoot string, gw *gateway.Gateway, recipes *repository.RecipeRepository, candidates *repository.CandidateRepository, core *search.Core, graphSvc *graph.Service, guardSvc *guards.Service, deps actions.Deps) *Server {
	s := &Server{
		projectRoot: projectRoot, gw: gw, recipes: recipes, candidates: candidates,
		core: core, graphSvc: graphSvc, guardSvc: guardSvc, deps: deps,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/recipes", s.handleRecipesList)
	mux.HandleFunc("GET /api/recipes/{id}", s.handleRecipeGet)
	mux.HandleFunc("GET /api/recipes/{id}/related", s.handleRecipeRelated)
	mux.HandleFunc("POST /api/candidates", s.handleCandidatesCreate)
	mux.HandleFunc("GET /api/candidates", s.handleCandidatesList)
	mux.HandleFunc("POST /api/audit", s.handleAudit)
	mux.HandleFunc("POST /api/commands/embed", s.handleEmbedCommand)
	mux.HandleFunc("GET /api/graph/{type}/{id}/neighbors", s.handleGraphNeighbors)
	mux.HandleFunc("POST /api/actions/{name}", s.handleGenericAction)
	s.mux = mux
}

type healthResponse struct {
	Service     string `json:"service"`
	ProjectRoot string `json:"projectRoot"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Service: "knowledgeengine", ProjectRoot: s.projectRoot, Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRecipesList answers GET /api/recipes?q=&limit=&offset=&scope=,
// using the Search Core when q is set and the plain repository listing
// otherwise (spec.md §6).
func (s *Server) handleRecipesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	page := offset/max(limit, 1) + 1

	if q != "" {
		res, err := s.core.Search(r.Context(), search.Request{Query: q, Limit: limit, Filter: search.Filter{Type: "recipe"}})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": res.Items, "total": res.Total})
		return
	}

	scope := r.URL.Query().Get("scope")
	var pg repository.Page
	var err error
	if scope != "" {
		pg, err = s.recipes.FindByScope(domain.Scope(scope), page, limit)
	} else {
		pg, err = s.recipes.List(page, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": pg.Data, "total": pg.Total})
}

func (s *Server) handleRecipeGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recipes.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecipeRelated(w http.ResponseWriter, r *http.Request) {
	related, err := s.recipes.FindRelated(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": related})
}

func (s *Server) handleCandidatesList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	page := offset/max(limit, 1) + 1

	status := r.URL.Query().Get("status")
	var pg repository.Page
	var err error
	if status != "" {
		pg, err = s.candidates.FindByStatus(domain.CandidateStatus(status), page, limit)
	} else {
		pg, err = s.candidates.List(page, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": pg.Data, "total": pg.Total})
}

// handleCandidatesCreate answers POST /api/candidates body {code, filePath,
// language, category, description, source, createdBy} → {id, status,
// message}. code, language, category and source must be non-empty;
// createdBy defaults to the request's actor.
func (s *Server) handleCandidatesCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code        string `json:"code"`
		FilePath    string `json:"filePath"`
		Language    string `json:"language"`
		Category    string `json:"category"`
		Description string `json:"description"`
		Source      string `json:"source"`
		CreatedBy   string `json:"createdBy"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	resp := s.gw.Dispatch(r.Context(), gateway.Request{
		Actor: actorOf(r), Action: "submit:candidates", Resource: "candidate", ReqID: requestID(r),
		Params: map[string]interface{}{
			"code": body.Code, "language": body.Language, "category": body.Category,
			"source": body.Source, "createdBy": coalesce(body.CreatedBy, actorOf(r)),
			"filePath": body.FilePath, "description": body.Description,
		},
	})
	writeDispatch(w, resp, func(data interface{}) interface{} {
		c, _ := data.(*domain.Candidate)
		if c == nil {
			return data
		}
		return map[string]interface{}{"id": c.ID, "status": c.Status, "message": "candidate submitted"}
	})
}

// handleAudit answers POST /api/audit body {filePath, violations} →
// {violations, suggestions, score}. It does not read file content and does
// not match recipe guard patterns itself; it records the violations the
// caller already found, and suggestions is always empty.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FilePath   string                `json:"filePath"`
		Violations []domain.ViolationHit `json:"violations"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	v, err := s.guardSvc.Record(r.Context(), body.FilePath, body.Violations)
	if err != nil {
		writeError(w, err)
		return
	}

	score := 1.0
	if v.ViolationCount > 0 {
		score = 1.0 / float64(1+v.ViolationCount)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"violations": v.Violations, "suggestions": []string{}, "score": score,
	})
}

// handleEmbedCommand answers POST /api/commands/embed → {success, indexed,
// skipped, removed} (spec.md §6).
func (s *Server) handleEmbedCommand(w http.ResponseWriter, r *http.Request) {
	clear := r.URL.Query().Get("clear") == "true"
	result, err := s.deps.RunEmbed(r.Context(), clear)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "indexed": result.Indexed, "skipped": result.Skipped, "removed": result.Removed,
	})
}

func (s *Server) handleGraphNeighbors(w http.ResponseWriter, r *http.Request) {
	entityType := domain.EntityType(r.PathValue("type"))
	id := r.PathValue("id")
	depth := queryInt(r, "depth", 1)

	edges, err := s.graphSvc.Neighbors(id, entityType, graph.NeighborsOptions{Direction: graph.DirectionBoth, Depth: depth})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": edges})
}

// handleGenericAction answers POST /api/actions/{name} for the remaining
// registered mutating actions (update/delete recipe, approve/reject/
// promote candidate, install snippet) without bespoke per-action routes.
func (s *Server) handleGenericAction(w http.ResponseWriter, r *http.Request) {
	var params map[string]interface{}
	if !decodeJSON(w, r, &params) {
		return
	}
	resp := s.gw.Dispatch(r.Context(), gateway.Request{
		Actor: actorOf(r), Action: r.PathValue("name"), Resource: resourceParam(params), ReqID: requestID(r), Params: params,
	})
	writeDispatch(w, resp, func(data interface{}) interface{} { return data })
}

func resourceParam(params map[string]interface{}) string {
	if v, ok := params["resource"].(string); ok {
		return v
	}
	return ""
}

func actorOf(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return ""
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, errs.Validation("malformed request body: %v", err))
		return false
	}
	return true
}

// writeDispatch maps a gateway Response onto the HTTP response, applying
// shape to successful data via the shape func (spec.md §7: errors never
// include stack traces; degraded modes succeed with a warning field —
// handled upstream by the services themselves, not here).
func writeDispatch(w http.ResponseWriter, resp gateway.Response, shape func(interface{}) interface{}) {
	if !resp.OK {
		writeErrorResponse(w, resp.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "data": shape(resp.Data)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Get(logging.CategoryAPI).Warn("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	tagged, ok := err.(*errs.Error)
	if !ok {
		tagged = errs.Internal(err, "request failed")
	}
	writeErrorResponse(w, tagged)
}

func writeErrorResponse(w http.ResponseWriter, err *errs.Error) {
	status := statusFor(err.Code())
	writeJSON(w, status, map[string]interface{}{
		"ok": false, "error": map[string]string{"code": string(err.Code()), "message": err.Message()},
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodePermissionDenied, errs.CodeCapabilityUnavail:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeLockContention:
		return http.StatusConflict
	case errs.CodePathEscape:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
