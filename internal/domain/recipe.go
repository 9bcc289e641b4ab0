package domain

import (
	"time"

	"github.com/knowledgeengine/core/internal/errs"
)

// RecipeKind is the coarse classification of a recipe.
type RecipeKind string

const (
	KindRule    RecipeKind = "rule"
	KindPattern RecipeKind = "pattern"
	KindFact    RecipeKind = "fact"
)

// KnowledgeType is the fine classification; Kind is derivable from it.
type KnowledgeType string

const (
	KnowledgeCodeStandard      KnowledgeType = "code-standard"
	KnowledgeCodeStyle         KnowledgeType = "code-style"
	KnowledgeBestPractice      KnowledgeType = "best-practice"
	KnowledgeBoundaryConstraint KnowledgeType = "boundary-constraint"
	KnowledgeCodePattern       KnowledgeType = "code-pattern"
	KnowledgeArchitecture      KnowledgeType = "architecture"
	KnowledgeSolution          KnowledgeType = "solution"
	KnowledgeCodeRelation      KnowledgeType = "code-relation"
	KnowledgeInheritance       KnowledgeType = "inheritance"
	KnowledgeCallChain         KnowledgeType = "call-chain"
	KnowledgeDataFlow          KnowledgeType = "data-flow"
	KnowledgeModuleDependency  KnowledgeType = "module-dependency"
)

// knowledgeTypeToKind is the fixed mapping spec.md §3 requires: when both
// Kind and KnowledgeType are supplied they must agree with this table.
var knowledgeTypeToKind = map[KnowledgeType]RecipeKind{
	KnowledgeCodeStandard:       KindRule,
	KnowledgeCodeStyle:          KindRule,
	KnowledgeBestPractice:       KindRule,
	KnowledgeBoundaryConstraint: KindRule,
	KnowledgeCodePattern:        KindPattern,
	KnowledgeArchitecture:       KindPattern,
	KnowledgeSolution:           KindPattern,
	KnowledgeCodeRelation:       KindFact,
	KnowledgeInheritance:        KindFact,
	KnowledgeCallChain:          KindFact,
	KnowledgeDataFlow:           KindFact,
	KnowledgeModuleDependency:   KindFact,
}

// KindForKnowledgeType looks up the fixed mapping.
func KindForKnowledgeType(kt KnowledgeType) (RecipeKind, bool) {
	k, ok := knowledgeTypeToKind[kt]
	return k, ok
}

// Complexity classifies how advanced a recipe is.
type Complexity string

const (
	ComplexityBeginner     Complexity = "beginner"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// Scope tags where a recipe applies.
type Scope string

const (
	ScopeUniversal      Scope = "universal"
	ScopeProject        Scope = "project"
	ScopeTargetSpecific Scope = "target-specific"
)

// RecipeStatus is the Recipe lifecycle state.
type RecipeStatus string

const (
	RecipeStatusDraft      RecipeStatus = "draft"
	RecipeStatusActive     RecipeStatus = "active"
	RecipeStatusDeprecated RecipeStatus = "deprecated"
)

// recipeTransitions: draft -> active -> deprecated, draft -> deprecated.
// Re-activation from deprecated is never allowed (spec.md §4.11).
var recipeTransitions = map[RecipeStatus]map[RecipeStatus]bool{
	RecipeStatusDraft:  {RecipeStatusActive: true, RecipeStatusDeprecated: true},
	RecipeStatusActive: {RecipeStatusDeprecated: true},
}

// Localized holds a cn/en pair for a translatable field.
type Localized struct {
	CN string `json:"cn"`
	EN string `json:"en"`
}

// CodeChange is one entry in Recipe.Content.CodeChanges.
type CodeChange struct {
	File        string `json:"file"`
	Before      string `json:"before"`
	After       string `json:"after"`
	Explanation string `json:"explanation"`
}

// Verification describes how a recipe's correctness can be checked.
type Verification struct {
	Method   string `json:"method"`
	Expected string `json:"expected"`
	TestCode string `json:"testCode,omitempty"`
}

// Content is the recipe's structured body.
type Content struct {
	Pattern      string       `json:"pattern,omitempty"`
	Rationale    string       `json:"rationale,omitempty"`
	Steps        []string     `json:"steps,omitempty"`
	CodeChanges  []CodeChange `json:"codeChanges,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Markdown     string       `json:"markdown,omitempty"`
}

// HasSubstance reports whether at least one of {pattern, rationale,
// non-empty steps, markdown} is set — the active-recipe invariant
// (spec.md §3 invariant a, §8).
func (c Content) HasSubstance() bool {
	return c.Pattern != "" || c.Rationale != "" || len(c.Steps) > 0 || c.Markdown != ""
}

// RelationEntry is one typed relation target.
type RelationEntry struct {
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// Relations groups a recipe's typed relation lists.
type Relations struct {
	Inherits   []RelationEntry `json:"inherits,omitempty"`
	Implements []RelationEntry `json:"implements,omitempty"`
	Calls      []RelationEntry `json:"calls,omitempty"`
	DependsOn  []RelationEntry `json:"dependsOn,omitempty"`
	DataFlow   []RelationEntry `json:"dataFlow,omitempty"`
	Conflicts  []RelationEntry `json:"conflicts,omitempty"`
	Extends    []RelationEntry `json:"extends,omitempty"`
	Related    []RelationEntry `json:"related,omitempty"`
}

// AllTargets flattens every relation group's targets, for orphan checks.
func (r Relations) AllTargets() []string {
	var out []string
	for _, group := range [][]RelationEntry{
		r.Inherits, r.Implements, r.Calls, r.DependsOn, r.DataFlow, r.Conflicts, r.Extends, r.Related,
	} {
		for _, e := range group {
			out = append(out, e.Target)
		}
	}
	return out
}

// Guard is an inline constraint check attached to a recipe.
type Guard struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Constraints groups a recipe's boundary/precondition/side-effect/guard
// declarations.
type Constraints struct {
	Boundaries    []string `json:"boundaries,omitempty"`
	Preconditions []string `json:"preconditions,omitempty"`
	SideEffects   []string `json:"sideEffects,omitempty"`
	Guards        []Guard  `json:"guards,omitempty"`
}

// QualityMetrics are four floats in [0,1].
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Adaptation   float64 `json:"adaptation"`
	Clarity      float64 `json:"clarity"`
	Overall      float64 `json:"overall"`
}

// Statistics are the recipe's usage/outcome counters.
type Statistics struct {
	AdoptionCount    int     `json:"adoptionCount"`
	ApplicationCount int     `json:"applicationCount"`
	GuardHitCount    int     `json:"guardHitCount"`
	ViewCount        int     `json:"viewCount"`
	SuccessCount     int     `json:"successCount"`
	FeedbackScore    float64 `json:"feedbackScore"`
}

// Deprecation records why/when a recipe was deprecated.
type Deprecation struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Recipe is the curated unit of knowledge.
type Recipe struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language"`
	Category    string `json:"category"`

	Kind          RecipeKind    `json:"kind"`
	KnowledgeType KnowledgeType `json:"knowledgeType,omitempty"`
	Complexity    Complexity    `json:"complexity,omitempty"`
	Scope         Scope         `json:"scope,omitempty"`

	Summary    Localized `json:"summary"`
	UsageGuide Localized `json:"usageGuide,omitempty"`

	Content     Content     `json:"content"`
	Relations   Relations   `json:"relations,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`

	Trigger    string                 `json:"trigger,omitempty"`
	Dimensions map[string]interface{} `json:"dimensions,omitempty"`
	Tags       []string               `json:"tags,omitempty"`

	Status  RecipeStatus   `json:"status"`
	Quality QualityMetrics `json:"quality"`
	Stats   Statistics     `json:"stats"`

	Deprecation *Deprecation `json:"deprecation,omitempty"`

	SourceCandidateID *string `json:"source_candidate_id,omitempty"`
	SourceFile        *string `json:"source_file,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecipe constructs a draft recipe, reconciling kind/knowledgeType per
// the fixed mapping (spec.md §3: "kind is derivable from knowledge_type...
// when both are given they must agree").
func NewRecipe(id, title, language, category string, kind RecipeKind, kt KnowledgeType) (*Recipe, error) {
	if kt != "" {
		derived, ok := KindForKnowledgeType(kt)
		if !ok {
			return nil, errs.Validation("unknown knowledge_type %q", kt)
		}
		if kind != "" && kind != derived {
			return nil, errs.Validation("kind %q does not match knowledge_type %q (expected %q)", kind, kt, derived)
		}
		kind = derived
	}
	if kind == "" {
		return nil, errs.Validation("recipe requires kind or knowledge_type")
	}

	now := time.Now().UTC()
	return &Recipe{
		ID: id, Title: title, Language: language, Category: category,
		Kind: kind, KnowledgeType: kt,
		Status:    RecipeStatusDraft,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// ValidateActive enforces invariant (a): an active recipe must have a
// non-empty title and substantive content.
func (r *Recipe) ValidateActive() error {
	if r.Status != RecipeStatusActive {
		return nil
	}
	if r.Title == "" {
		return errs.Validation("active recipe requires a non-empty title")
	}
	if !r.Content.HasSubstance() {
		return errs.Validation("active recipe requires pattern, rationale, steps, or markdown")
	}
	return nil
}

// Transition moves the recipe to `to`, enforcing the declared state graph
// and invariant (b): deprecated implies Deprecation set.
func (r *Recipe) Transition(to RecipeStatus, reason string) error {
	allowed := recipeTransitions[r.Status]
	if allowed == nil || !allowed[to] {
		return errs.Conflict("invalid recipe state transition: %s -> %s", r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to == RecipeStatusDeprecated {
		r.Deprecation = &Deprecation{Reason: reason, At: r.UpdatedAt}
	}
	if to == RecipeStatusActive {
		if err := r.ValidateActive(); err != nil {
			// Roll back — activation that would violate the invariant never
			// commits.
			r.Status = recipeStatusBefore(allowed, to)
			return err
		}
	}
	return nil
}

func recipeStatusBefore(_ map[RecipeStatus]bool, to RecipeStatus) RecipeStatus {
	// Only draft -> active is guarded by ValidateActive in this engine, so
	// rolling back to draft is always correct here.
	if to == RecipeStatusActive {
		return RecipeStatusDraft
	}
	return to
}

// MarkOrphaned deprecates a recipe whose source file vanished from disk
// (spec.md §4.4 "orphan handling"). Never hard-deletes.
func (r *Recipe) MarkOrphaned() {
	r.Status = RecipeStatusDeprecated
	now := time.Now().UTC()
	r.Deprecation = &Deprecation{Reason: "orphaned", At: now}
	r.UpdatedAt = now
}
