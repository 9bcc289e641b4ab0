// Package graph implements the Knowledge Graph Service (spec.md §4.7):
// typed-edge traversal, dependency/alternative queries, cycle detection,
// and PageRank over the knowledge_edges table.
package graph

import (
	"sort"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/repository"
)

// Direction constrains which side of an edge Neighbors walks.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Node identifies one graph endpoint.
type Node struct {
	ID   string
	Type domain.EntityType
}

// Service is the Knowledge Graph Service.
type Service struct {
	edges *repository.EdgeRepository
}

func NewService(edges *repository.EdgeRepository) *Service {
	return &Service{edges: edges}
}

// AddEdge is idempotent on the edge's uniqueness key (from, to, relation).
func (s *Service) AddEdge(from Node, to Node, relation domain.EdgeRelation, weight float64, metadata map[string]interface{}) error {
	e := domain.NewEdge(from.ID, from.Type, to.ID, to.Type, relation, weight)
	e.Metadata = metadata
	return s.edges.Upsert(e)
}

// NeighborsOptions parameterizes Neighbors (spec.md §4.7).
type NeighborsOptions struct {
	Direction Direction
	Relations map[domain.EdgeRelation]bool // nil means "any relation"
	Depth     int                          // default 1
}

// Neighbors walks the graph from id up to Depth hops, returning every
// distinct edge encountered (not just the final frontier), honoring
// Direction and an optional relation filter.
func (s *Service) Neighbors(id string, entityType domain.EntityType, opts NeighborsOptions) ([]domain.KnowledgeEdge, error) {
	if opts.Direction == "" {
		opts.Direction = DirectionOut
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}

	type frontierNode struct {
		id  string
		typ domain.EntityType
	}
	visited := map[[2]string]bool{{id, string(entityType)}: true}
	frontier := []frontierNode{{id, entityType}}

	var collected []domain.KnowledgeEdge
	seenEdge := map[[5]string]bool{}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []frontierNode
		for _, n := range frontier {
			edges, err := s.edgesFor(n.id, n.typ, opts.Direction)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if opts.Relations != nil && !opts.Relations[e.Relation] {
					continue
				}
				if ek := e.Key(); !seenEdge[ek] {
					seenEdge[ek] = true
					collected = append(collected, e)
				}
				other := frontierNode{id: e.ToID, typ: e.ToType}
				if other.id == n.id && other.typ == n.typ {
					other = frontierNode{id: e.FromID, typ: e.FromType}
				}
				key := [2]string{other.id, string(other.typ)}
				if !visited[key] {
					visited[key] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return collected, nil
}

func (s *Service) edgesFor(id string, entityType domain.EntityType, direction Direction) ([]domain.KnowledgeEdge, error) {
	switch direction {
	case DirectionIn:
		return s.edges.Incoming(id, entityType)
	case DirectionBoth:
		out, err := s.edges.Outgoing(id, entityType)
		if err != nil {
			return nil, err
		}
		in, err := s.edges.Incoming(id, entityType)
		if err != nil {
			return nil, err
		}
		return append(out, in...), nil
	default:
		return s.edges.Outgoing(id, entityType)
	}
}

// dependencyRelations is the relation set Dependencies/UsedBy walk.
var dependencyRelations = map[domain.EdgeRelation]bool{
	domain.RelationDependsOn:    true,
	domain.RelationPrerequisite: true,
	"requires":                  true,
}

// Dependencies returns out-neighbor edges with a dependency-family relation.
func (s *Service) Dependencies(id string, entityType domain.EntityType) ([]domain.KnowledgeEdge, error) {
	edges, err := s.edges.Outgoing(id, entityType)
	if err != nil {
		return nil, err
	}
	return filterRelations(edges, dependencyRelations), nil
}

// UsedBy returns in-neighbor edges with a dependency-family relation —
// entities that depend on id.
func (s *Service) UsedBy(id string, entityType domain.EntityType) ([]domain.KnowledgeEdge, error) {
	edges, err := s.edges.Incoming(id, entityType)
	if err != nil {
		return nil, err
	}
	return filterRelations(edges, dependencyRelations), nil
}

// Alternatives returns neighbors linked by the symmetric "alternative"
// relation, from either direction.
func (s *Service) Alternatives(id string, entityType domain.EntityType) ([]domain.KnowledgeEdge, error) {
	out, err := s.edges.Outgoing(id, entityType)
	if err != nil {
		return nil, err
	}
	in, err := s.edges.Incoming(id, entityType)
	if err != nil {
		return nil, err
	}
	rel := map[domain.EdgeRelation]bool{domain.RelationAlternative: true}
	return append(filterRelations(out, rel), filterRelations(in, rel)...), nil
}

func filterRelations(edges []domain.KnowledgeEdge, allowed map[domain.EdgeRelation]bool) []domain.KnowledgeEdge {
	var out []domain.KnowledgeEdge
	for _, e := range edges {
		if allowed[e.Relation] {
			out = append(out, e)
		}
	}
	return out
}

// RelatedHit is one ranked neighbor from Related.
type RelatedHit struct {
	Edge     domain.KnowledgeEdge
	PageRank float64
}

// Related returns id's weighted neighborhood (both directions, any
// relation), ordered by edge weight descending then by the target's
// PageRank descending, trimmed to maxResults.
func (s *Service) Related(id string, entityType domain.EntityType, maxResults int) ([]RelatedHit, error) {
	edges, err := s.edgesFor(id, entityType, DirectionBoth)
	if err != nil {
		return nil, err
	}
	hits := make([]RelatedHit, 0, len(edges))
	for _, e := range edges {
		otherID, otherType := e.ToID, e.ToType
		if otherID == id && otherType == entityType {
			otherID, otherType = e.FromID, e.FromType
		}
		hits = append(hits, RelatedHit{Edge: e, PageRank: s.edges.PageRank(otherID, otherType)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Edge.Weight != hits[j].Edge.Weight {
			return hits[i].Edge.Weight > hits[j].Edge.Weight
		}
		return hits[i].PageRank > hits[j].PageRank
	})
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

// Cycle is one strongly connected component of size > 1.
type Cycle struct {
	Members []Node
}

// DetectCycles finds every strongly connected component of size > 1 over
// the dependency-family relation subgraph (Tarjan's algorithm).
func (s *Service) DetectCycles() ([]Cycle, error) {
	all, err := s.edges.All()
	if err != nil {
		return nil, err
	}
	deps := filterRelations(all, dependencyRelations)

	adj := map[[2]string][][2]string{}
	nodeSet := map[[2]string]bool{}
	for _, e := range deps {
		from := [2]string{e.FromID, string(e.FromType)}
		to := [2]string{e.ToID, string(e.ToType)}
		adj[from] = append(adj[from], to)
		nodeSet[from] = true
		nodeSet[to] = true
	}

	t := &tarjan{adj: adj, index: map[[2]string]int{}, lowlink: map[[2]string]int{}, onStack: map[[2]string]bool{}}
	for n := range nodeSet {
		if _, seen := t.index[n]; !seen {
			t.strongConnect(n)
		}
	}

	var cycles []Cycle
	for _, comp := range t.components {
		if len(comp) > 1 {
			members := make([]Node, len(comp))
			for i, n := range comp {
				members[i] = Node{ID: n[0], Type: domain.EntityType(n[1])}
			}
			cycles = append(cycles, Cycle{Members: members})
		}
	}
	return cycles, nil
}

// tarjan implements Tarjan's strongly-connected-components algorithm
// iteratively-by-recursion (the graphs here are corpus-sized, not
// web-scale, so recursion depth is not a concern).
type tarjan struct {
	adj        map[[2]string][][2]string
	index      map[[2]string]int
	lowlink    map[[2]string]int
	onStack    map[[2]string]bool
	stack      [][2]string
	counter    int
	components [][][2]string
}

func (t *tarjan) strongConnect(v [2]string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adj[v] {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp [][2]string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, comp)
	}
}

// PageRankOptions parameterizes PageRank (spec.md §4.7 defaults).
type PageRankOptions struct {
	Iterations int
	Damping    float64
}

// DefaultPageRankOptions matches spec.md's stated defaults.
var DefaultPageRankOptions = PageRankOptions{Iterations: 10, Damping: 0.85}

// PageRank recomputes PageRank over the full edge set and persists the
// result into the entity_pagerank side table.
func (s *Service) PageRank(opts PageRankOptions) error {
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultPageRankOptions.Iterations
	}
	if opts.Damping <= 0 {
		opts.Damping = DefaultPageRankOptions.Damping
	}

	edges, err := s.edges.All()
	if err != nil {
		return err
	}

	nodes := map[[2]string]bool{}
	outLinks := map[[2]string][][2]string{}
	for _, e := range edges {
		from := [2]string{e.FromID, string(e.FromType)}
		to := [2]string{e.ToID, string(e.ToType)}
		nodes[from] = true
		nodes[to] = true
		outLinks[from] = append(outLinks[from], to)
	}
	if len(nodes) == 0 {
		return nil
	}

	n := float64(len(nodes))
	scores := make(map[[2]string]float64, len(nodes))
	for node := range nodes {
		scores[node] = 1.0 / n
	}

	for i := 0; i < opts.Iterations; i++ {
		next := make(map[[2]string]float64, len(nodes))
		base := (1 - opts.Damping) / n
		for node := range nodes {
			next[node] = base
		}
		for node := range nodes {
			links := outLinks[node]
			if len(links) == 0 {
				// Dangling node: redistribute its score evenly (standard
				// PageRank dangling-mass handling).
				share := opts.Damping * scores[node] / n
				for target := range nodes {
					next[target] += share
				}
				continue
			}
			share := opts.Damping * scores[node] / float64(len(links))
			for _, target := range links {
				next[target] += share
			}
		}
		scores = next
	}

	return s.edges.SavePageRank(scores)
}
