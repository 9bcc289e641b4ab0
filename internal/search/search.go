// Package search implements the hybrid Search Core (spec.md §4.6):
// merges keyword/BM25 candidates with semantic/vector candidates and an
// authority component into one ranked result set, with an optional
// fast-abort AI re-rank pass.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/indexing"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
	"github.com/knowledgeengine/core/internal/usage"
)

// Mode selects which stages of the hybrid pipeline run (spec.md §4.6).
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeRanking  Mode = "ranking"
)

// Filter narrows the candidate set by entity attributes.
type Filter struct {
	Type     string
	Language string
	Category string
	Kind     string
}

// Request is Search's single input (spec.md §4.6).
type Request struct {
	Query          string
	Limit          int
	Filter         Filter
	Mode           Mode
	EnableAIAssist bool
}

// Item is one scored hit.
type Item struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Snippet  string                 `json:"snippet"`

	updatedAt time.Time
	trigger   string
}

// Result is Search's single output (spec.md §4.6).
type Result struct {
	Items    []Item   `json:"items"`
	Total    int      `json:"total"`
	Mode     Mode     `json:"mode"`
	Warnings []string `json:"warnings,omitempty"`
}

// Weights tunes the merge formula (spec.md §4.6 defaults 0.55/0.35/0.10).
type Weights struct {
	Semantic  float64
	Keyword   float64
	Authority float64
	BM25K1    float64
	BM25B     float64
}

var DefaultWeights = Weights{Semantic: 0.55, Keyword: 0.35, Authority: 0.10, BM25K1: 1.5, BM25B: 0.75}

// AIAssistant re-ranks the top slice of merged hits. Implementations
// must themselves respect ctx's deadline; Core additionally wraps the
// call in its own 2s fast-abort timeout (spec.md §4.6 step 4).
type AIAssistant interface {
	Rerank(ctx context.Context, query string, items []Item) ([]Item, error)
}

// Core is the hybrid Search Core.
type Core struct {
	st         *store.Store
	recipes    *repository.RecipeRepository
	candidates *repository.CandidateRepository
	provider   embedding.Provider
	tracker    *usage.Tracker
	assistant  AIAssistant
	weights    Weights
	minK       int
}

// NewCore constructs a Core. assistant may be nil — AI assist is simply
// skipped with no warning when no provider is configured, matching
// spec.md §4.6's "if enableAiAssist and the provider is configured".
// cfg may be nil, in which case DefaultWeights apply.
func NewCore(st *store.Store, recipes *repository.RecipeRepository, candidates *repository.CandidateRepository, provider embedding.Provider, tracker *usage.Tracker, assistant AIAssistant, cfg *config.Config) *Core {
	weights := DefaultWeights
	if cfg != nil {
		if cfg.Search.SemanticWeight > 0 {
			weights.Semantic = cfg.Search.SemanticWeight
		}
		if cfg.Search.KeywordWeight > 0 {
			weights.Keyword = cfg.Search.KeywordWeight
		}
		if cfg.Search.AuthorityWeight > 0 {
			weights.Authority = cfg.Search.AuthorityWeight
		}
		if cfg.Search.BM25K1 > 0 {
			weights.BM25K1 = cfg.Search.BM25K1
		}
		if cfg.Search.BM25B > 0 {
			weights.BM25B = cfg.Search.BM25B
		}
	}
	minK := 30
	if cfg != nil && cfg.Search.MinCandidateK > 0 {
		minK = cfg.Search.MinCandidateK
	}
	return &Core{st: st, recipes: recipes, candidates: candidates, provider: provider, tracker: tracker, assistant: assistant, weights: weights, minK: minK}
}

// Search runs the pipeline described in spec.md §4.6.
func (c *Core) Search(ctx context.Context, req Request) (Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	candidateK := 3 * limit
	if candidateK < c.minK {
		candidateK = c.minK
	}

	var keywordHits map[string]float64
	var semanticHits map[string]float64
	var err error

	var items []Item

	switch mode {
	case ModeKeyword:
		keywordHits, err = c.keywordCandidates(req.Query, candidateK)
		if err != nil {
			return Result{}, err
		}
		items, err = c.hydrate(c.merge(keywordHits, nil), req.Query, req.Filter)
	case ModeSemantic:
		semanticHits, err = c.semanticCandidates(ctx, req.Query, candidateK)
		if err != nil {
			return Result{}, err
		}
		items, err = c.hydrate(c.merge(nil, semanticHits), req.Query, req.Filter)
	case ModeRanking:
		items, err = c.rankingCandidates(req.Filter, candidateK)
	default: // hybrid
		keywordHits, err = c.keywordCandidates(req.Query, candidateK)
		if err != nil {
			return Result{}, err
		}
		semanticHits, err = c.semanticCandidates(ctx, req.Query, candidateK)
		if err != nil {
			return Result{}, err
		}
		items, err = c.hydrate(c.merge(keywordHits, semanticHits), req.Query, req.Filter)
	}
	if err != nil {
		return Result{}, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].updatedAt.Equal(items[j].updatedAt) {
			return items[i].updatedAt.After(items[j].updatedAt)
		}
		return items[i].ID < items[j].ID
	})

	total := len(items)
	var warnings []string

	if req.EnableAIAssist && c.assistant != nil && mode != ModeRanking {
		topN := 2 * limit
		if topN > len(items) {
			topN = len(items)
		}
		reranked, warning := c.aiAssist(ctx, req.Query, items[:topN])
		if warning != "" {
			warnings = append(warnings, warning)
		} else {
			copy(items[:topN], reranked)
		}
	}

	if len(items) > limit {
		items = items[:limit]
	}

	for i := range items {
		items[i].Snippet = highlight(items[i].Snippet, req.Query)
	}

	return Result{Items: items, Total: total, Mode: mode, Warnings: warnings}, nil
}

// keywordCandidates scores entities by the BM25-style formula spec.md
// §4.6 step 1 specifies, over keyword_terms.
func (c *Core) keywordCandidates(query string, k int) (map[string]float64, error) {
	terms := indexing.Tokenize(query)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}

	c.st.RLock()
	defer c.st.RUnlock()
	db := c.st.DB()

	var corpusSize int
	if err := db.QueryRow(`SELECT COUNT(*) FROM (SELECT DISTINCT entity_id, entity_type FROM keyword_terms)`).Scan(&corpusSize); err != nil {
		return nil, err
	}
	if corpusSize == 0 {
		return map[string]float64{}, nil
	}

	docLen := map[string]int{}
	var totalLen int
	rows, err := db.Query(`SELECT entity_id, entity_type, SUM(tf) FROM keyword_terms GROUP BY entity_id, entity_type`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, typ string
		var length int
		if err := rows.Scan(&id, &typ, &length); err != nil {
			rows.Close()
			return nil, err
		}
		docLen[typ+":"+id] = length
		totalLen += length
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	avgdl := float64(totalLen) / float64(len(docLen))
	if avgdl == 0 {
		avgdl = 1
	}

	scores := map[string]float64{}
	seenTerms := map[string]bool{}
	for _, term := range terms {
		if seenTerms[term] {
			continue
		}
		seenTerms[term] = true

		termRows, err := db.Query(`SELECT entity_id, entity_type, tf, df FROM keyword_terms WHERE term = ?`, term)
		if err != nil {
			return nil, err
		}
		for termRows.Next() {
			var id, typ string
			var tf, df int
			if err := termRows.Scan(&id, &typ, &tf, &df); err != nil {
				termRows.Close()
				return nil, err
			}
			if df == 0 {
				continue
			}
			key := typ + ":" + id
			idf := math.Log(1 + (float64(corpusSize)-float64(df)+0.5)/(float64(df)+0.5))
			d := float64(docLen[key])
			denom := float64(tf) + c.weights.BM25K1*(1-c.weights.BM25B+c.weights.BM25B*d/avgdl)
			scores[key] += idf * float64(tf) / denom
		}
		termRows.Close()
		if err := termRows.Err(); err != nil {
			return nil, err
		}
	}

	return topK(scores, k), nil
}

// semanticCandidates embeds query and takes the best-chunk cosine score
// per entity (spec.md §4.6 step 2).
func (c *Core) semanticCandidates(ctx context.Context, query string, k int) (map[string]float64, error) {
	vec, err := c.provider.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategorySearch).Warn("query embedding failed: %v", err)
		return map[string]float64{}, nil
	}

	c.st.RLock()
	hits, err := indexing.BruteForceSearch(c.st.DB(), vec, k)
	c.st.RUnlock()
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		key := h.EntityType + ":" + h.EntityID
		// cosine in [-1,1]; rescale to [0,1] so it combines sanely with
		// the keyword/authority components.
		scores[key] = (h.Score + 1) / 2
	}
	return scores, nil
}

func topK(scores map[string]float64, k int) map[string]float64 {
	type kv struct {
		key   string
		score float64
	}
	all := make([]kv, 0, len(scores))
	for key, score := range scores {
		all = append(all, kv{key, score})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make(map[string]float64, len(all))
	for _, e := range all {
		out[e.key] = e.score
	}
	return out
}

// merge combines the keyword and semantic candidate sets; authority and
// the trigger-fuzzy boost are folded in during hydrate, once entities
// are loaded and their trigger/updatedAt is known.
func (c *Core) merge(keyword, semantic map[string]float64) map[string]struct{ keyword, semantic float64 } {
	out := map[string]struct{ keyword, semantic float64 }{}
	for key, score := range keyword {
		e := out[key]
		e.keyword = score
		out[key] = e
	}
	for key, score := range semantic {
		e := out[key]
		e.semantic = score
		out[key] = e
	}
	return out
}

// hydrate loads each candidate entity's metadata, applies the authority
// component and the Levenshtein trigger-fuzzy boost against query, and
// assembles Items.
func (c *Core) hydrate(merged map[string]struct{ keyword, semantic float64 }, query string, filter Filter) ([]Item, error) {
	var items []Item
	for key, scores := range merged {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		entityType, id := parts[0], parts[1]

		item, ok, err := c.loadEntity(id, entityType, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		keywordScore := scores.keyword
		if item.trigger != "" && query != "" {
			keywordScore += c.triggerBoost(query, item.trigger)
		}

		authority := c.authorityFor(item.trigger)
		item.Score = c.weights.Semantic*scores.semantic + c.weights.Keyword*keywordScore + c.weights.Authority*authority
		items = append(items, item)
	}
	return items, nil
}

// triggerBoost rewards near-miss trigger typing ("@singelton" →
// "@singleton") via normalized Levenshtein distance (spec.md SPEC_FULL C7
// addition). Only activates when query itself looks like a trigger
// reference, so ordinary prose queries aren't nudged by incidental
// string similarity.
func (c *Core) triggerBoost(query, trigger string) float64 {
	if !strings.HasPrefix(query, "@") {
		return 0
	}
	sim := levenshteinSimilarity(strings.TrimPrefix(query, "@"), strings.TrimPrefix(trigger, "@"))
	if sim < 0.5 {
		return 0
	}
	return sim
}

// rankingCandidates scores the whole active corpus by authority and
// recency only, skipping both retrieval stages entirely (spec.md §4.6
// "ranking" mode).
func (c *Core) rankingCandidates(filter Filter, limit int) ([]Item, error) {
	var items []Item

	if filter.Type == "" || filter.Type == "recipe" {
		for page := 1; ; page++ {
			pageInfo, err := c.recipes.FindByStatus(domain.RecipeStatusActive, page, 200)
			if err != nil {
				return nil, err
			}
			recs, _ := pageInfo.Data.([]*domain.Recipe)
			for _, r := range recs {
				if !recipeMatchesFilter(r, filter) {
					continue
				}
				items = append(items, Item{
					ID: r.ID, Type: "recipe",
					Metadata:  map[string]interface{}{"title": r.Title, "language": r.Language, "category": r.Category},
					Snippet:   r.Content.Pattern,
					updatedAt: r.UpdatedAt,
					trigger:   r.Trigger,
					Score:     c.rankingScore(r.Trigger, r.UpdatedAt),
				})
			}
			if page >= pageInfo.Pages || len(recs) == 0 {
				break
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (c *Core) rankingScore(trigger string, updatedAt time.Time) float64 {
	authority := c.authorityFor(trigger)
	days := time.Since(updatedAt).Hours() / 24
	recency := 1 / (1 + days/30)
	return 0.6*authority + 0.4*recency
}

func (c *Core) authorityFor(trigger string) float64 {
	if c.tracker == nil || trigger == "" {
		return 0
	}
	score, err := c.tracker.TriggerAuthorityScore(trigger)
	if err != nil {
		return 0
	}
	return score
}

func (c *Core) loadEntity(id, entityType string, filter Filter) (Item, bool, error) {
	switch entityType {
	case "recipe":
		rec, err := c.recipes.Get(id)
		if err != nil {
			return Item{}, false, nil
		}
		if !recipeMatchesFilter(rec, filter) {
			return Item{}, false, nil
		}
		return Item{
			ID: rec.ID, Type: "recipe",
			Metadata:  map[string]interface{}{"title": rec.Title, "language": rec.Language, "category": rec.Category, "kind": rec.Kind},
			Snippet:   rec.Content.Pattern,
			updatedAt: rec.UpdatedAt,
			trigger:   rec.Trigger,
		}, true, nil
	case "candidate":
		if filter.Type != "" && filter.Type != "candidate" {
			return Item{}, false, nil
		}
		cand, err := c.candidates.Get(id)
		if err != nil {
			return Item{}, false, nil
		}
		return Item{
			ID: cand.ID, Type: "candidate",
			Metadata: map[string]interface{}{"language": cand.Language, "category": cand.Category},
			Snippet:  cand.Code,
		}, true, nil
	default:
		return Item{}, false, nil
	}
}

func recipeMatchesFilter(r *domain.Recipe, f Filter) bool {
	if f.Type != "" && f.Type != "recipe" {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Kind != "" && string(r.Kind) != f.Kind {
		return false
	}
	return true
}

// aiAssist wraps the assistant's Rerank in a hard 2s timeout; any error,
// timeout, or empty response fast-aborts to the pre-assist ordering
// (spec.md §4.6 step 4). Never retried within this call.
func (c *Core) aiAssist(ctx context.Context, query string, items []Item) ([]Item, string) {
	assistCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reranked, err := c.assistant.Rerank(assistCtx, query, items)
	if err != nil || len(reranked) != len(items) {
		logging.Get(logging.CategorySearch).Warn("ai_assist_aborted: %v", err)
		return items, "ai_assist_aborted"
	}
	return reranked, ""
}

// highlight wraps query-term occurrences in snippet with ** markers, a
// minimal structural excerpt-highlighting scheme (spec.md §4.6 step 5).
func highlight(snippet, query string) string {
	if snippet == "" || query == "" {
		return snippet
	}
	terms := indexing.Tokenize(query)
	out := snippet
	for _, term := range terms {
		if term == "" {
			continue
		}
		out = caseInsensitiveWrap(out, term)
	}
	return out
}

func caseInsensitiveWrap(s, term string) string {
	lower := strings.ToLower(s)
	termLower := strings.ToLower(term)
	idx := strings.Index(lower, termLower)
	if idx < 0 {
		return s
	}
	return s[:idx] + "**" + s[idx:idx+len(term)] + "**" + s[idx+len(term):]
}

// levenshteinSimilarity normalizes edit distance to [0,1], where 1 is an
// exact match.
func levenshteinSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}
