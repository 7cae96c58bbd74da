package actions

import (
	"context"
	"fmt"
	"sort"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("fetch_node_texts", newFetchNodeTexts)
}

const (
	modeSeedFirst  = "seed_first"
	modeGraphFirst = "graph_first"
	modeBalanced   = "balanced"

	// implicitBudgetShare is the fraction of max_context_tokens used when no
	// explicit budget is configured.
	implicitBudgetShare = 0.7
)

type fetchNodeTextsConfig struct {
	PrioritizationMode       string `yaml:"prioritization_mode"`
	MaxChars                 *int   `yaml:"max_chars"`
	BudgetTokens             *int   `yaml:"budget_tokens"`
	BudgetTokensFromSettings string `yaml:"budget_tokens_from_settings"`
}

type fetchNodeTexts struct {
	cfg          fetchNodeTextsConfig
	budgetTokens int
	maxChars     int
}

func newFetchNodeTexts(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg fetchNodeTextsConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}

	if cfg.PrioritizationMode == "" {
		cfg.PrioritizationMode = modeBalanced
	}
	switch cfg.PrioritizationMode {
	case modeSeedFirst, modeGraphFirst, modeBalanced:
	default:
		return nil, fmt.Errorf("fetch_node_texts: unknown prioritization_mode %q", cfg.PrioritizationMode)
	}

	tokenBudgets := 0
	if cfg.BudgetTokens != nil {
		tokenBudgets++
	}
	if cfg.BudgetTokensFromSettings != "" {
		tokenBudgets++
	}
	if cfg.MaxChars != nil && tokenBudgets > 0 {
		return nil, fmt.Errorf("fetch_node_texts: max_chars cannot be combined with a token budget")
	}
	if tokenBudgets > 1 {
		return nil, fmt.Errorf("fetch_node_texts: budget_tokens and budget_tokens_from_settings are mutually exclusive")
	}

	a := &fetchNodeTexts{cfg: cfg}
	switch {
	case cfg.MaxChars != nil:
		if *cfg.MaxChars <= 0 {
			return nil, fmt.Errorf("fetch_node_texts: max_chars must be > 0")
		}
		a.maxChars = *cfg.MaxChars
	case cfg.BudgetTokens != nil:
		if *cfg.BudgetTokens <= 0 {
			return nil, fmt.Errorf("fetch_node_texts: budget_tokens must be > 0")
		}
		a.budgetTokens = *cfg.BudgetTokens
	case cfg.BudgetTokensFromSettings != "":
		n, err := settings.RequireInt(cfg.BudgetTokensFromSettings)
		if err != nil {
			return nil, fmt.Errorf("fetch_node_texts: %v", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("fetch_node_texts: settings.%s must be > 0", cfg.BudgetTokensFromSettings)
		}
		a.budgetTokens = n
	default:
		maxCtx, err := settings.MaxContextTokens()
		if err != nil {
			return nil, fmt.Errorf("fetch_node_texts: implicit budget needs %v", err)
		}
		a.budgetTokens = int(float64(maxCtx) * implicitBudgetShare)
	}
	return a, nil
}

func (a *fetchNodeTexts) Name() string { return "fetch_node_texts" }

func (a *fetchNodeTexts) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if rt.Backend == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "no retrieval backend configured")
	}
	if a.maxChars == 0 && rt.Tokens == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "token budget configured but no token counter available")
	}

	depths, parents, roots := bfsDepths(st.RetrievalSeedNodes, st.GraphEdges, st.GraphExpandedNodes)
	ordered := a.order(st.RetrievalSeedNodes, st.GraphExpandedNodes, depths, roots)
	if len(ordered) == 0 {
		st.NodeTexts = nil
		st.Trace.Summary = "no nodes to fetch"
		return Next(), nil
	}

	scope := runtime.Scope{
		Repository:  st.Repository,
		Branch:      st.Branch,
		ActiveIndex: st.SnapshotID,
		Filters:     st.Filters(),
	}
	texts, err := rt.Backend.FetchTexts(ctx, ordered, scope)
	if err != nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "fetch texts failed: %v", err)
	}

	seedSet := make(map[string]bool, len(st.RetrievalSeedNodes))
	for _, id := range st.RetrievalSeedNodes {
		seedSet[id] = true
	}

	// Atomic snippet budgeting: a candidate either fits whole or is skipped.
	used := 0
	budget := a.budgetTokens
	if a.maxChars > 0 {
		budget = a.maxChars
	}
	var selected []state.NodeText
	skipped := 0
	for _, id := range ordered {
		text, ok := texts[id]
		if !ok {
			continue // backend withheld it (ACL or missing)
		}
		cost := len(text)
		if a.maxChars == 0 {
			cost = rt.Tokens.Count(text)
		}
		if used+cost > budget {
			skipped++
			continue
		}
		used += cost
		depth := 0
		if !seedSet[id] {
			depth = depths[id]
			if depth == 0 {
				depth = 1 // expansion artifact with no BFS path; best effort
			}
		}
		selected = append(selected, state.NodeText{
			ID:       id,
			Text:     text,
			IsSeed:   seedSet[id],
			Depth:    depth,
			ParentID: parents[id],
		})
	}
	st.NodeTexts = selected

	a.aggregateMeta(ctx, rt, st, selected, scope)

	st.Trace.Summary = fmt.Sprintf("materialized %d snippets (%d skipped by budget)", len(selected), skipped)
	st.Trace.Details = map[string]any{
		"mode":     a.cfg.PrioritizationMode,
		"selected": len(selected),
		"skipped":  skipped,
		"used":     used,
		"budget":   budget,
	}
	return Next(), nil
}

// aggregateMeta unions ACL/classification labels and tracks the max doc level
// when the backend can serve metadata. Purely best-effort.
func (a *fetchNodeTexts) aggregateMeta(ctx context.Context, rt *runtime.Runtime, st *state.State, selected []state.NodeText, scope runtime.Scope) {
	fetcher, ok := rt.Backend.(runtime.MetadataFetcher)
	if !ok || len(selected) == 0 {
		return
	}
	ids := make([]string, 0, len(selected))
	for _, nt := range selected {
		ids = append(ids, nt.ID)
	}
	metas, err := fetcher.FetchMeta(ctx, ids, scope)
	if err != nil {
		return
	}
	aclSet := make(map[string]bool)
	classSet := make(map[string]bool)
	for _, id := range ids {
		meta, ok := metas[id]
		if !ok {
			continue
		}
		for _, label := range meta.ACLLabels {
			aclSet[label] = true
		}
		for _, label := range meta.ClassificationLabels {
			classSet[label] = true
		}
		if meta.DocLevel > st.DocLevelMax {
			st.DocLevelMax = meta.DocLevel
		}
	}
	st.ACLLabelsUnion = sortedKeys(aclSet)
	st.ClassificationLabelsUnion = sortedKeys(classSet)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// bfsDepths walks graph edges breadth-first from the seeds. Returns depth and
// best-effort parent per node, plus the seed root each expanded node was
// first reached from.
func bfsDepths(seeds []string, edges []state.Edge, expanded []string) (map[string]int, map[string]string, map[string]string) {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.FromID] = append(adjacency[e.FromID], e.ToID)
	}

	depths := make(map[string]int)
	parents := make(map[string]string)
	roots := make(map[string]string)

	type item struct{ id, root string }
	var queue []item
	for _, seed := range seeds {
		depths[seed] = 0
		roots[seed] = seed
		queue = append(queue, item{id: seed, root: seed})
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur.id] {
			if _, visited := depths[next]; visited {
				continue
			}
			depths[next] = depths[cur.id] + 1
			parents[next] = cur.id
			roots[next] = cur.root
			queue = append(queue, item{id: next, root: cur.root})
		}
	}
	return depths, parents, roots
}

// order builds the fetch candidate list per prioritization mode. Graph-only
// nodes are always sorted (depth asc, id asc) within their group.
func (a *fetchNodeTexts) order(seeds, expanded []string, depths map[string]int, roots map[string]string) []string {
	seedSet := make(map[string]bool, len(seeds))
	for _, id := range seeds {
		seedSet[id] = true
	}
	var graphOnly []string
	for _, id := range expanded {
		if !seedSet[id] {
			graphOnly = append(graphOnly, id)
		}
	}
	sortByDepthThenID := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			di, dj := depths[ids[i]], depths[ids[j]]
			if di == 0 {
				di = 1
			}
			if dj == 0 {
				dj = 1
			}
			if di != dj {
				return di < dj
			}
			return ids[i] < ids[j]
		})
	}
	sortByDepthThenID(graphOnly)

	switch a.cfg.PrioritizationMode {
	case modeSeedFirst:
		return dedupe(append(append([]string(nil), seeds...), graphOnly...))

	case modeGraphFirst:
		bySeed := make(map[string][]string)
		var orphans []string
		for _, id := range graphOnly {
			root, ok := roots[id]
			if !ok {
				orphans = append(orphans, id)
				continue
			}
			bySeed[root] = append(bySeed[root], id)
		}
		var out []string
		for _, seed := range seeds {
			out = append(out, seed)
			out = append(out, bySeed[seed]...)
		}
		out = append(out, orphans...)
		return dedupe(out)

	default: // balanced
		var out []string
		for i := 0; i < len(seeds) || i < len(graphOnly); i++ {
			if i < len(seeds) {
				out = append(out, seeds[i])
			}
			if i < len(graphOnly) {
				out = append(out, graphOnly[i])
			}
		}
		return dedupe(out)
	}
}
