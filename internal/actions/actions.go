// Package actions registers every mutating operation's validator and
// handler onto a gateway.Gateway (spec.md §4.9's known-actions table),
// shared by the HTTP and stdio adapters (C12) so each write tool/endpoint
// is defined exactly once.
package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/gateway"
	"github.com/knowledgeengine/core/internal/guards"
	"github.com/knowledgeengine/core/internal/indexing"
	"github.com/knowledgeengine/core/internal/pathguard"
	"github.com/knowledgeengine/core/internal/repository"
)

// Deps bundles every collaborator an action handler may need.
type Deps struct {
	Recipes    *repository.RecipeRepository
	Candidates *repository.CandidateRepository
	Snippets   *repository.SnippetRepository
	Guards     *guards.Service
	Pipeline   *indexing.Pipeline
}

// Register wires every known action (spec.md §4.9) onto gw.
func Register(gw *gateway.Gateway, d Deps) {
	gw.Register(gateway.Action{
		Name: "create:recipe", Resource: "recipe",
		Validate: requireStrings("title", "language", "category", "kind"),
		Handle:   d.createRecipe,
	})
	gw.Register(gateway.Action{
		Name: "update:recipe", Resource: "recipe",
		Validate: requireStrings("id"),
		Handle:   d.updateRecipe,
	})
	gw.Register(gateway.Action{
		Name: "delete:recipe", Resource: "recipe",
		Validate: requireStrings("id"),
		Handle:   d.deleteRecipe,
	})
	gw.Register(gateway.Action{
		Name: "submit:candidates", Resource: "candidate",
		Validate: requireStrings("code", "language", "category", "source", "createdBy"),
		Handle:   d.submitCandidate,
	})
	gw.Register(gateway.Action{
		Name: "approve:candidate", Resource: "candidate",
		Validate: requireStrings("id", "actor"),
		Handle:   d.approveCandidate,
	})
	gw.Register(gateway.Action{
		Name: "reject:candidate", Resource: "candidate",
		Validate: requireStrings("id", "actor"),
		Handle:   d.rejectCandidate,
	})
	gw.Register(gateway.Action{
		Name: "promote:candidate", Resource: "candidate",
		Validate: requireStrings("id", "actor"),
		Handle:   d.promoteCandidate,
	})
	gw.Register(gateway.Action{
		Name: "install:snippet", Resource: "snippet",
		Validate: requireStrings("id", "language", "body"),
		Handle:   d.installSnippet,
	})
}

func requireStrings(fields ...string) gateway.Validator {
	return func(params map[string]interface{}) error {
		for _, f := range fields {
			v, ok := params[f]
			if !ok {
				return errs.Validation("missing required field %q", f)
			}
			if s, ok := v.(string); ok && s == "" {
				return errs.Validation("field %q must not be empty", f)
			}
		}
		return nil
	}
}

func strParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func (d Deps) createRecipe(ctx context.Context, req gateway.Request) (interface{}, error) {
	p := req.Params
	kind := domain.RecipeKind(strParam(p, "kind"))
	kt := domain.KnowledgeType(strParam(p, "knowledgeType"))
	rec, err := domain.NewRecipe(pathguard.NewID("recipe"), strParam(p, "title"), strParam(p, "language"), strParam(p, "category"), kind, kt)
	if err != nil {
		return nil, err
	}
	rec.Trigger = strParam(p, "trigger")
	if pattern := strParam(p, "pattern"); pattern != "" {
		rec.Content.Pattern = pattern
	}
	if err := d.Recipes.Create(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d Deps) updateRecipe(ctx context.Context, req gateway.Request) (interface{}, error) {
	rec, err := d.Recipes.Get(strParam(req.Params, "id"))
	if err != nil {
		return nil, err
	}
	if title := strParam(req.Params, "title"); title != "" {
		rec.Title = title
	}
	if pattern := strParam(req.Params, "pattern"); pattern != "" {
		rec.Content.Pattern = pattern
	}
	if status := strParam(req.Params, "status"); status != "" {
		if err := rec.Transition(domain.RecipeStatus(status), strParam(req.Params, "reason")); err != nil {
			return nil, err
		}
	}
	if err := d.Recipes.Update(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d Deps) deleteRecipe(ctx context.Context, req gateway.Request) (interface{}, error) {
	id := strParam(req.Params, "id")
	if err := d.Recipes.Delete(id); err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (d Deps) submitCandidate(ctx context.Context, req gateway.Request) (interface{}, error) {
	p := req.Params
	c := domain.NewCandidate(pathguard.NewID("candidate"), strParam(p, "code"), strParam(p, "language"), strParam(p, "category"), strParam(p, "source"), strParam(p, "createdBy"))
	if err := d.Candidates.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d Deps) approveCandidate(ctx context.Context, req gateway.Request) (interface{}, error) {
	c, err := d.Candidates.Get(strParam(req.Params, "id"))
	if err != nil {
		return nil, err
	}
	if err := c.Transition(domain.CandidateStatusApproved, strParam(req.Params, "actor"), strParam(req.Params, "reason")); err != nil {
		return nil, err
	}
	if err := d.Candidates.Update(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d Deps) rejectCandidate(ctx context.Context, req gateway.Request) (interface{}, error) {
	c, err := d.Candidates.Get(strParam(req.Params, "id"))
	if err != nil {
		return nil, err
	}
	if err := c.Transition(domain.CandidateStatusRejected, strParam(req.Params, "actor"), strParam(req.Params, "reason")); err != nil {
		return nil, err
	}
	if err := d.Candidates.Update(c); err != nil {
		return nil, err
	}
	return c, nil
}

// promoteCandidate turns an approved (or still-pending) candidate into a
// new draft recipe, the Candidate -> Recipe promotion scenario (spec.md
// §8 scenario 1): the caller supplies only id/actor, never a recipeId —
// the recipe is created here, not handed in.
func (d Deps) promoteCandidate(ctx context.Context, req gateway.Request) (interface{}, error) {
	c, err := d.Candidates.Get(strParam(req.Params, "id"))
	if err != nil {
		return nil, err
	}
	actor := strParam(req.Params, "actor")

	if c.Status == domain.CandidateStatusPending {
		if err := c.Transition(domain.CandidateStatusApproved, actor, "auto-approved on promotion"); err != nil {
			return nil, err
		}
	}

	title := strParam(req.Params, "title")
	if title == "" {
		title = candidateTitle(c)
	}
	kind := domain.RecipeKind(strParam(req.Params, "kind"))
	if kind == "" {
		kind = domain.KindPattern
	}
	rec, err := domain.NewRecipe(pathguard.NewID("recipe"), title, c.Language, c.Category, kind, "")
	if err != nil {
		return nil, err
	}
	rec.Content.Pattern = c.Code
	rec.SourceCandidateID = &c.ID
	if err := d.Recipes.Create(rec); err != nil {
		return nil, err
	}

	if err := c.Apply(actor, rec.ID); err != nil {
		return nil, err
	}
	if err := d.Candidates.Update(c); err != nil {
		return nil, err
	}
	return rec, nil
}

// candidateTitle derives a recipe title from a candidate's code when the
// caller does not supply one: its first line, trimmed to a reasonable
// length.
func candidateTitle(c *domain.Candidate) string {
	title := strings.TrimSpace(c.Code)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if len(title) > 60 {
		title = title[:60]
	}
	if title == "" {
		title = "Candidate " + c.ID
	}
	return title
}

func (d Deps) installSnippet(ctx context.Context, req gateway.Request) (interface{}, error) {
	p := req.Params
	id := strParam(p, "id")
	snippet := domain.NewSnippet(id, strParam(p, "externalId"), strParam(p, "title"), strParam(p, "language"), strParam(p, "body"))
	snippet.Install.Installed = true
	snippet.Install.InstalledPath = strParam(p, "installedPath")
	if err := d.Snippets.Create(snippet); err != nil {
		return nil, err
	}
	return snippet, nil
}

// RunEmbed triggers the indexing pipeline directly (not Gateway-gated: a
// read-adjacent maintenance operation, not a mutation of domain state).
func (d Deps) RunEmbed(ctx context.Context, clear bool) (indexing.Result, error) {
	if d.Pipeline == nil {
		return indexing.Result{}, fmt.Errorf("indexing pipeline not configured")
	}
	return d.Pipeline.Run(ctx, clear)
}
