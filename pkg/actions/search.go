package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/jsonish"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("search_nodes", newSearchNodes)
}

const (
	rerankNone     = "none"
	rerankKeyword  = "keyword_rerank"
	rerankCodebert = "codebert_rerank"

	defaultRRFK = 60

	// rerankWidenFactor widens the candidate pool the backend is asked for
	// before the deterministic rerank trims back to top_k.
	rerankWidenFactor = 6
)

type searchNodesConfig struct {
	SearchType     string `yaml:"search_type"`
	TopK           *int   `yaml:"top_k"`
	QueryParser    string `yaml:"query_parser"`
	Rerank         string `yaml:"rerank"`
	SnapshotSource string `yaml:"snapshot_source"`
	RRFK           *int   `yaml:"rrf_k"`
}

type searchNodes struct {
	cfg  searchNodesConfig
	topK int
	rrfK int
}

func newSearchNodes(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg searchNodesConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}

	switch cfg.SearchType {
	case runtime.SearchSemantic, runtime.SearchBM25, runtime.SearchHybrid:
	case "":
		return nil, requireField("search_nodes", "search_type")
	default:
		return nil, fmt.Errorf("search_nodes: unknown search_type %q", cfg.SearchType)
	}

	if cfg.Rerank == "" {
		cfg.Rerank = rerankNone
	}
	switch cfg.Rerank {
	case rerankNone:
	case rerankKeyword, rerankCodebert:
		if cfg.SearchType != runtime.SearchSemantic {
			return nil, fmt.Errorf("search_nodes: rerank %q is only valid for semantic search", cfg.Rerank)
		}
	default:
		return nil, fmt.Errorf("search_nodes: unknown rerank %q", cfg.Rerank)
	}

	if cfg.SnapshotSource == "" {
		cfg.SnapshotSource = "primary"
	}
	if cfg.SnapshotSource != "primary" && cfg.SnapshotSource != "secondary" {
		return nil, fmt.Errorf("search_nodes: unknown snapshot_source %q", cfg.SnapshotSource)
	}

	if cfg.QueryParser != "" && cfg.QueryParser != "jsonish" {
		return nil, fmt.Errorf("search_nodes: unknown query_parser %q", cfg.QueryParser)
	}

	topK := 0
	if cfg.TopK != nil {
		topK = *cfg.TopK
	} else {
		n, err := settings.Int("top_k", 0)
		if err != nil {
			return nil, fmt.Errorf("search_nodes: %v", err)
		}
		topK = n
	}
	if topK <= 0 {
		return nil, fmt.Errorf("search_nodes: top_k missing from both step and settings")
	}

	rrfK := defaultRRFK
	if cfg.RRFK != nil {
		if cfg.SearchType != runtime.SearchHybrid {
			return nil, fmt.Errorf("search_nodes: rrf_k is only valid for hybrid search")
		}
		if *cfg.RRFK < 1 {
			return nil, fmt.Errorf("search_nodes: rrf_k must be >= 1, got %d", *cfg.RRFK)
		}
		rrfK = *cfg.RRFK
	}

	return &searchNodes{cfg: cfg, topK: topK, rrfK: rrfK}, nil
}

func (a *searchNodes) Name() string { return "search_nodes" }

func (a *searchNodes) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if rt.Backend == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "no retrieval backend configured")
	}

	// Mandatory step-entry cleanup: every retrieval run starts fresh.
	st.ClearRetrieval()
	st.ContextBlocks = nil

	query, parsedFilters, bm25Op, err := a.parsePayload(st)
	if err != nil {
		return Route{}, pipeline.WrapStep(step.ID, err)
	}
	if strings.TrimSpace(query) == "" {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "empty query after parsing")
	}

	snapshot := st.SnapshotID
	if a.cfg.SnapshotSource == "secondary" {
		snapshot = st.SnapshotIDB
	}

	// Security-first filter merge: the sealed filters and the scope keys
	// always win over whatever the model put in the payload.
	effective := make(map[string]any, len(parsedFilters)+4)
	for k, v := range parsedFilters {
		effective[k] = v
	}
	for k, v := range st.Filters() {
		effective[k] = v
	}
	effective["repository"] = st.Repository
	effective["branch"] = st.Branch
	effective["snapshot"] = snapshot

	poolK := a.topK
	if a.cfg.Rerank != rerankNone {
		poolK = a.topK * rerankWidenFactor
	}

	result, err := rt.Backend.Search(ctx, runtime.SearchRequest{
		SearchType: a.cfg.SearchType,
		Query:      query,
		TopK:       poolK,
		Scope: runtime.Scope{
			Repository:  st.Repository,
			Branch:      st.Branch,
			ActiveIndex: snapshot,
			Filters:     effective,
		},
		BM25Operator: bm25Op,
		Rerank:       a.cfg.Rerank,
		RRFK:         a.rrfK,
	})
	if err != nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "search failed: %v", err)
	}

	hits := result.Hits
	if a.cfg.Rerank != rerankNone && !rerankedNatively(result) {
		hits = keywordRerank(query, hits, a.topK)
	}
	if len(hits) > a.topK {
		hits = hits[:a.topK]
	}

	seeds := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	stateHits := make([]state.Hit, 0, len(hits))
	for _, hit := range hits {
		if seen[hit.ID] {
			continue
		}
		seen[hit.ID] = true
		seeds = append(seeds, hit.ID)
		stateHits = append(stateHits, state.Hit{ID: hit.ID, Score: hit.Score, Rank: len(seeds)})
	}

	st.RetrievalSeedNodes = seeds
	st.RetrievalHits = stateHits
	if bm25Op != "" {
		st.LastSearchBM25Operator = bm25Op
	}
	// Queries are recorded only after the backend call succeeded.
	st.RecordQuery(state.NormalizeQuery(query))

	st.Trace.Summary = fmt.Sprintf("retrieved %d nodes (%s)", len(seeds), a.cfg.SearchType)
	st.Trace.Details = map[string]any{
		"search_type": a.cfg.SearchType,
		"top_k":       a.topK,
		"hits":        len(seeds),
	}
	st.Trace.Docs = seeds
	return Next(), nil
}

// parsePayload extracts (query, filters, bm25 operator) from the model
// payload. Without a parser the whole payload is the query.
func (a *searchNodes) parsePayload(st *state.State) (string, map[string]any, string, error) {
	if a.cfg.QueryParser == "" {
		return strings.TrimSpace(st.LastModelResponse), nil, "", nil
	}
	payload, ok := jsonish.Parse(st.LastModelResponse)
	if !ok {
		return "", nil, "", nil
	}
	query, _ := jsonish.String(payload, "query")
	bm25Op, _ := jsonish.String(payload, "bm25_operator")
	filters, _ := payload["filters"].(map[string]any)
	return query, filters, bm25Op, nil
}

func rerankedNatively(result *runtime.SearchResult) bool {
	if result.Debug == nil {
		return false
	}
	native, _ := result.Debug["rerank_native"].(bool)
	return native
}

// keywordRerank deterministically reorders the widened pool by token overlap
// between the query and the node id, then trims to topK. It never introduces
// new ids. Ties keep the backend order (rank ascending), then id.
func keywordRerank(query string, pool []runtime.Hit, topK int) []runtime.Hit {
	queryTokens := tokenizeID(query)
	type scored struct {
		hit   runtime.Hit
		score int
	}
	items := make([]scored, 0, len(pool))
	for _, hit := range pool {
		items = append(items, scored{hit: hit, score: keywordScore(queryTokens, tokenizeID(hit.ID))})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		if items[i].hit.Rank != items[j].hit.Rank {
			return items[i].hit.Rank < items[j].hit.Rank
		}
		return items[i].hit.ID < items[j].hit.ID
	})
	if len(items) > topK {
		items = items[:topK]
	}
	out := make([]runtime.Hit, 0, len(items))
	for i, item := range items {
		hit := item.hit
		hit.Rank = i + 1
		out = append(out, hit)
	}
	return out
}

func keywordScore(query, target map[string]bool) int {
	score := 0
	for token := range query {
		if target[token] {
			score++
		}
	}
	return score
}

// tokenizeID splits an id or query into lowercase word tokens on any
// non-alphanumeric rune.
func tokenizeID(s string) map[string]bool {
	tokens := make(map[string]bool)
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens[strings.ToLower(current.String())] = true
			current.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}
