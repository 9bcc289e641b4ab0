// Package gateway implements the single authorized entrypoint for every
// state-mutating action (spec.md §4.9): validate params, probe required
// capabilities, check the Constitution, run plugin hooks, dispatch to
// the registered handler, and append one audit row — in that strict
// order, with any step free to veto.
package gateway

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knowledgeengine/core/internal/constitution"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/pathguard"
	"github.com/knowledgeengine/core/internal/repository"
)

// Handler executes one action's effect, returning whatever data the
// response should carry.
type Handler func(ctx context.Context, req Request) (interface{}, error)

// Validator checks req.Params, returning a ValidationError-class error
// on malformed input.
type Validator func(params map[string]interface{}) error

// Hook is a `before` plugin hook; returning an error vetoes the dispatch.
type Hook func(ctx context.Context, req Request) error

// Action is one registered mutating action.
type Action struct {
	Name                string
	Resource            string
	RequiredCapability  string // "" if none
	Validate            Validator
	Handle              Handler
}

// Request is Dispatch's single input (spec.md §4.9).
type Request struct {
	Actor    string
	Action   string
	Resource string
	Params   map[string]interface{}
	ReqID    string
}

// Response is Dispatch's single output.
type Response struct {
	OK    bool
	Data  interface{}
	Error *errs.Error
}

// Gateway is the mutation choke-point.
type Gateway struct {
	constitution *constitution.Engine
	audit        *repository.AuditRepository
	actions      map[string]*Action
	hooks        []Hook
}

// NewGateway constructs a Gateway with no actions or hooks registered yet.
func NewGateway(ce *constitution.Engine, audit *repository.AuditRepository) *Gateway {
	return &Gateway{constitution: ce, audit: audit, actions: map[string]*Action{}}
}

// Register adds an action to the known-actions table. Re-registering the
// same name replaces it.
func (g *Gateway) Register(a Action) {
	g.actions[a.Name] = &a
}

// Use appends a `before` plugin hook, run after the permission check and
// before Dispatch calls the handler.
func (g *Gateway) Use(h Hook) {
	g.hooks = append(g.hooks, h)
}

// Dispatch runs the seven-step pipeline spec.md §4.9 specifies.
func (g *Gateway) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	action, ok := g.actions[req.Action]
	if !ok {
		return g.finish(req, start, nil, errs.Validation("unknown action %q", req.Action), domain.AuditError)
	}

	// 1. Validate.
	if action.Validate != nil {
		if err := action.Validate(req.Params); err != nil {
			return g.finish(req, start, nil, err, domain.AuditError)
		}
	}

	// 2. Capability probe — lets an action declare a capability
	// requirement of its own, independent of whatever the actor's role
	// already requires via Check below.
	if action.RequiredCapability != "" {
		ok, review, reason := g.constitution.ProbeCapability(ctx, action.RequiredCapability)
		if !ok {
			result := domain.AuditDeny
			if review {
				result = domain.AuditReview
			}
			return g.finish(req, start, nil, errs.CapabilityUnavailable(reason), result)
		}
	}

	// 3 & 4. Permission + priority-rule check (the Constitution folds
	// both into one Check call, priority rules evaluated after the base
	// permission match).
	decision := g.constitution.Check(ctx, req.Actor, req.Action, req.Resource)
	if !decision.Allow {
		result := domain.AuditDeny
		if decision.Review {
			result = domain.AuditReview
		}
		return g.finish(req, start, nil, errs.PermissionDenied("%s", decision.Reason), result)
	}

	// 5. Plugin hooks — concurrent, any veto aborts.
	if err := g.runHooks(ctx, req); err != nil {
		return g.finish(req, start, nil, err, domain.AuditDeny)
	}

	// 6. Dispatch.
	data, err := action.Handle(ctx, req)
	if err != nil {
		return g.finish(req, start, data, err, domain.AuditError)
	}

	return g.finish(req, start, data, nil, domain.AuditAllow)
}

func (g *Gateway) runHooks(ctx context.Context, req Request) error {
	if len(g.hooks) == 0 {
		return nil
	}
	grp, gctx := errgroup.WithContext(ctx)
	for _, h := range g.hooks {
		h := h
		grp.Go(func() error { return h(gctx, req) })
	}
	return grp.Wait()
}

// finish appends the audit row (never failing the action if the audit
// write itself fails) and assembles the Response.
func (g *Gateway) finish(req Request, start time.Time, data interface{}, err error, result domain.AuditResult) Response {
	duration := time.Since(start)

	entry := domain.AuditLog{
		ID:            pathguard.NewID("audit"),
		Timestamp:     time.Now().UTC(),
		Actor:         req.Actor,
		Action:        req.Action,
		Resource:      req.Resource,
		OperationData: req.Params,
		Result:        result,
		Duration:      duration,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if auditErr := g.audit.Append(entry); auditErr != nil {
		logging.Get(logging.CategoryGateway).Warn("audit write failed for %s: %v", req.ReqID, auditErr)
	}

	if err != nil {
		var taggedErr *errs.Error
		if asTagged, ok := err.(*errs.Error); ok {
			taggedErr = asTagged
		} else {
			taggedErr = errs.Internal(err, "dispatch %s", req.Action)
		}
		return Response{OK: false, Data: data, Error: taggedErr}
	}
	return Response{OK: true, Data: data}
}
