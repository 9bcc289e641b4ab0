package domain

// EdgeRelation is the union of structural and semantic relation types a
// KnowledgeEdge may carry (spec.md §3).
type EdgeRelation string

const (
	RelationInherits      EdgeRelation = "inherits"
	RelationImplements    EdgeRelation = "implements"
	RelationCalls         EdgeRelation = "calls"
	RelationDependsOn     EdgeRelation = "depends_on"
	RelationDataFlowTo    EdgeRelation = "data_flow_to"
	RelationReferences    EdgeRelation = "references"
	RelationExtends       EdgeRelation = "extends"
	RelationConflicts     EdgeRelation = "conflicts"
	RelationRelated       EdgeRelation = "related"
	RelationAlternative   EdgeRelation = "alternative"
	RelationPrerequisite  EdgeRelation = "prerequisite"
	RelationDeprecatedBy  EdgeRelation = "deprecated_by"
	RelationSolves        EdgeRelation = "solves"
	RelationEnforces      EdgeRelation = "enforces"
)

// DependencyRelations is the relation set Dependencies()/UsedBy() walk
// (spec.md §4.7).
var DependencyRelations = map[EdgeRelation]bool{
	RelationDependsOn:    true,
	RelationPrerequisite: true,
	"requires":           true, // accepted alias seen in older corpora
}

// EntityType distinguishes which table an edge endpoint names.
type EntityType string

const (
	EntityRecipe    EntityType = "recipe"
	EntityCandidate EntityType = "candidate"
)

// KnowledgeEdge is a typed, weighted link between two entities.
type KnowledgeEdge struct {
	FromID   string                 `json:"from_id"`
	FromType EntityType             `json:"from_type"`
	ToID     string                 `json:"to_id"`
	ToType   EntityType             `json:"to_type"`
	Relation EdgeRelation           `json:"relation"`
	Weight   float64                `json:"weight"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Key returns the uniqueness key (from_id, from_type, to_id, to_type,
// relation) spec.md §3 requires to be unique per row.
func (e KnowledgeEdge) Key() [5]string {
	return [5]string{e.FromID, string(e.FromType), e.ToID, string(e.ToType), string(e.Relation)}
}

// NewEdge constructs an edge with a default weight of 1.0 when weight<=0.
func NewEdge(fromID string, fromType EntityType, toID string, toType EntityType, relation EdgeRelation, weight float64) KnowledgeEdge {
	if weight <= 0 {
		weight = 1.0
	}
	return KnowledgeEdge{FromID: fromID, FromType: fromType, ToID: toID, ToType: toType, Relation: relation, Weight: weight}
}
