// Package stdio implements the line-delimited JSON stdio adapter for
// C12 External Interfaces (spec.md §6): one tool request per line of
// stdin, one result per line of stdout, so the knowledge engine can run
// as a child process behind an editor integration instead of serving
// HTTP. Grounded in the teacher's client-side internal/mcp.StdioTransport,
// adapted from the calling direction (subprocess, sends requests) to the
// serving direction (this process, answers them).
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/knowledgeengine/core/internal/actions"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/gateway"
	"github.com/knowledgeengine/core/internal/graph"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/search"
	"github.com/knowledgeengine/core/internal/usage"
)

// request is one line of stdin.
type request struct {
	ID     json.RawMessage        `json:"id"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// response is one line of stdout.
type response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server answers tool calls read from an io.Reader, writing one JSON
// response line per request to an io.Writer. Every request runs on its
// own goroutine so a slow tool call never blocks reading the next line.
type Server struct {
	gw         *gateway.Gateway
	recipes    *repository.RecipeRepository
	candidates *repository.CandidateRepository
	core       *search.Core
	graphSvc   *graph.Service
	tracker    *usage.Tracker
	deps       actions.Deps

	writeMu sync.Mutex
}

// NewServer builds a stdio Server sharing the same collaborators as the
// HTTP adapter (one Gateway, one set of registered actions).
func NewServer(gw *gateway.Gateway, recipes *repository.RecipeRepository, candidates *repository.CandidateRepository, core *search.Core, graphSvc *graph.Service, tracker *usage.Tracker, deps actions.Deps) *Server {
	return &Server{gw: gw, recipes: recipes, candidates: candidates, core: core, graphSvc: graphSvc, tracker: tracker, deps: deps}
}

// Serve reads newline-delimited requests from r until EOF or ctx is
// cancelled (checked after each line is read), writing each response to w
// as it completes. Requests are dispatched onto worker goroutines; Serve
// returns once every in-flight request has finished and reading has
// stopped.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, line, w)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdio request: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(w, response{Error: &errorBody{Code: string(errs.CodeValidation), Message: "invalid request: " + err.Error()}})
		return
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		tagged, ok := err.(*errs.Error)
		if !ok {
			tagged = errs.Internal(err, "tool call failed")
		}
		s.write(w, response{ID: req.ID, Error: &errorBody{Code: string(tagged.Code()), Message: tagged.Message()}})
		logging.Get(logging.CategoryAPI).Warn("stdio tool %q failed: %v", req.Tool, tagged.Message())
		return
	}
	s.write(w, response{ID: req.ID, Result: result})
}

func (s *Server) write(w io.Writer, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = w.Write(append(data, '\n'))
}

// dispatch routes a tool call to either a direct repository/search/graph
// read or a Gateway-mediated write (spec.md §6's stdio tool table, plus
// the supplemented recipes.recommendations read).
func (s *Server) dispatch(ctx context.Context, req request) (interface{}, error) {
	switch req.Tool {
	case "recipes.search":
		return s.recipesSearch(ctx, req.Params)
	case "recipes.get":
		return s.recipes.Get(strParam(req.Params, "id"))
	case "recipes.recommendations":
		return s.recipesRecommendations(req.Params)
	case "candidates.list":
		return s.candidatesList(req.Params)
	case "graph.neighbors":
		return s.graphNeighbors(req.Params)
	case "graph.related":
		return s.graphRelated(req.Params)
	case "stats.record-usage":
		return s.recordUsage(req.Params)
	case "recipes.create", "recipes.update", "recipes.deprecate",
		"candidates.submit", "candidates.approve", "candidates.reject":
		return s.dispatchGateway(ctx, req)
	default:
		return nil, errs.Validation("unknown tool %q", req.Tool)
	}
}

func (s *Server) recipesSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit := intParam(params, "limit", 10)
	return s.core.Search(ctx, search.Request{
		Query: strParam(params, "query"),
		Limit: limit,
		Mode:  search.Mode(strParam(params, "mode")),
		Filter: search.Filter{
			Type:     strParam(params, "type"),
			Language: strParam(params, "language"),
			Category: strParam(params, "category"),
			Kind:     strParam(params, "kind"),
		},
		EnableAIAssist: boolParam(params, "aiAssist"),
	})
}

func (s *Server) recipesRecommendations(params map[string]interface{}) (interface{}, error) {
	return s.recipes.GetRecommendations(intParam(params, "limit", 5))
}

func (s *Server) candidatesList(params map[string]interface{}) (interface{}, error) {
	status := strParam(params, "status")
	page := intParam(params, "page", 1)
	pageSize := intParam(params, "pageSize", 20)
	if status != "" {
		return s.candidates.FindByStatus(domain.CandidateStatus(status), page, pageSize)
	}
	return s.candidates.List(page, pageSize)
}

func (s *Server) graphNeighbors(params map[string]interface{}) (interface{}, error) {
	return s.graphSvc.Neighbors(strParam(params, "id"), domain.EntityType(strParam(params, "type")), graph.NeighborsOptions{
		Direction: graph.Direction(coalesceStr(strParam(params, "direction"), string(graph.DirectionBoth))),
		Depth:     intParam(params, "depth", 1),
	})
}

func (s *Server) graphRelated(params map[string]interface{}) (interface{}, error) {
	return s.graphSvc.Related(strParam(params, "id"), domain.EntityType(strParam(params, "type")), intParam(params, "limit", 10))
}

func (s *Server) recordUsage(params map[string]interface{}) (interface{}, error) {
	if s.tracker == nil {
		return nil, errs.CapabilityUnavailable("usage tracker not configured")
	}
	opts := usage.RecordOptions{
		Trigger:        strParam(params, "trigger"),
		RecipeFilePath: strParam(params, "filePath"),
		Source:         usage.Source(coalesceStr(strParam(params, "source"), string(usage.SourceHuman))),
	}
	if err := s.tracker.RecordUsage(opts); err != nil {
		return nil, err
	}
	return map[string]bool{"recorded": true}, nil
}

func (s *Server) dispatchGateway(ctx context.Context, req request) (interface{}, error) {
	action, ok := toolToAction[req.Tool]
	if !ok {
		return nil, errs.Validation("unmapped tool %q", req.Tool)
	}
	resp := s.gw.Dispatch(ctx, gateway.Request{
		Actor:    coalesceStr(strParam(req.Params, "actor"), "anonymous"),
		Action:   action,
		Resource: resourceFor(action),
		Params:   req.Params,
		ReqID:    string(req.ID),
	})
	if !resp.OK {
		return nil, resp.Error
	}
	return resp.Data, nil
}

var toolToAction = map[string]string{
	"recipes.create":    "create:recipe",
	"recipes.update":    "update:recipe",
	"recipes.deprecate": "update:recipe",
	"candidates.submit":  "submit:candidates",
	"candidates.approve": "approve:candidate",
	"candidates.reject":  "reject:candidate",
}

func resourceFor(action string) string {
	switch action {
	case "create:recipe", "update:recipe", "delete:recipe":
		return "recipe"
	case "submit:candidates", "approve:candidate", "reject:candidate", "promote:candidate":
		return "candidate"
	default:
		return ""
	}
}

func strParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func coalesceStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
