package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("expand_dependency_tree", newExpandDependencyTree)
}

// No-op reasons recorded in graph_debug.
const (
	reasonMissingProvider = "missing_graph_provider"
	reasonNoSeeds         = "no_seeds"
	reasonMissingExpand   = "graph_provider_missing_expand_dependency_tree"
)

type expandConfig struct {
	MaxDepthFromSettings      string `yaml:"max_depth_from_settings"`
	MaxNodesFromSettings      string `yaml:"max_nodes_from_settings"`
	EdgeAllowlistFromSettings string `yaml:"edge_allowlist_from_settings"`
}

type expandDependencyTree struct {
	cfg      expandConfig
	maxDepth int
	maxNodes int
	// allowlist nil means unrestricted; empty list disables traversal.
	allowlist    []string
	allowlistSet bool
}

func newExpandDependencyTree(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg expandConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxDepthFromSettings == "" {
		return nil, requireField("expand_dependency_tree", "max_depth_from_settings")
	}
	if cfg.MaxNodesFromSettings == "" {
		return nil, requireField("expand_dependency_tree", "max_nodes_from_settings")
	}
	if cfg.EdgeAllowlistFromSettings == "" {
		return nil, requireField("expand_dependency_tree", "edge_allowlist_from_settings")
	}

	maxDepth, err := settings.RequireInt(cfg.MaxDepthFromSettings)
	if err != nil {
		return nil, fmt.Errorf("expand_dependency_tree: %v", err)
	}
	if maxDepth < 1 {
		return nil, fmt.Errorf("expand_dependency_tree: settings.%s must be >= 1", cfg.MaxDepthFromSettings)
	}
	maxNodes, err := settings.RequireInt(cfg.MaxNodesFromSettings)
	if err != nil {
		return nil, fmt.Errorf("expand_dependency_tree: %v", err)
	}
	if maxNodes < 1 {
		return nil, fmt.Errorf("expand_dependency_tree: settings.%s must be >= 1", cfg.MaxNodesFromSettings)
	}
	allowlist, present, err := settings.StringList(cfg.EdgeAllowlistFromSettings)
	if err != nil {
		return nil, fmt.Errorf("expand_dependency_tree: %v", err)
	}
	if !present {
		return nil, fmt.Errorf("expand_dependency_tree: settings.%s is required (may be null)", cfg.EdgeAllowlistFromSettings)
	}

	return &expandDependencyTree{
		cfg:          cfg,
		maxDepth:     maxDepth,
		maxNodes:     maxNodes,
		allowlist:    allowlist,
		allowlistSet: allowlist != nil,
	}, nil
}

func (a *expandDependencyTree) Name() string { return "expand_dependency_tree" }

// Execute calls the graph provider and normalizes the result. It never
// fetches text; text materialization is fetch_node_texts' job.
func (a *expandDependencyTree) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	seeds := st.RetrievalSeedNodes

	if rt.Graph == nil {
		a.noop(st, seeds, reasonMissingProvider)
		return Next(), nil
	}
	if len(seeds) == 0 {
		a.noop(st, seeds, reasonNoSeeds)
		return Next(), nil
	}

	result, err := rt.Graph.ExpandDependencyTree(ctx, runtime.ExpandRequest{
		Seeds: seeds,
		Scope: runtime.Scope{
			Repository:  st.Repository,
			Branch:      st.Branch,
			ActiveIndex: st.SnapshotID,
			Filters:     st.Filters(),
		},
		MaxDepth:      a.maxDepth,
		MaxNodes:      a.maxNodes,
		EdgeAllowlist: a.allowlist,
	})
	if err != nil {
		if errors.Is(err, runtime.ErrUnsupported) {
			a.noop(st, seeds, reasonMissingExpand)
			return Next(), nil
		}
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "graph expansion failed: %v", err)
	}

	st.GraphSeedNodes = append([]string(nil), seeds...)
	st.GraphExpandedNodes = dedupe(result.Nodes)
	st.GraphEdges = normalizeEdges(result.Edges)
	st.GraphDebug = state.GraphDebug{
		Reason:        "ok",
		SeedCount:     len(seeds),
		ExpandedCount: len(st.GraphExpandedNodes),
		EdgesCount:    len(st.GraphEdges),
		Truncated:     result.Truncated,
	}

	st.Trace.Summary = fmt.Sprintf("expanded %d seeds to %d nodes", len(seeds), len(st.GraphExpandedNodes))
	st.Trace.Details = map[string]any{
		"seed_count":     len(seeds),
		"expanded_count": len(st.GraphExpandedNodes),
		"edges_count":    len(st.GraphEdges),
		"truncated":      result.Truncated,
	}
	return Next(), nil
}

func (a *expandDependencyTree) noop(st *state.State, seeds []string, reason string) {
	st.GraphSeedNodes = append([]string(nil), seeds...)
	st.GraphExpandedNodes = nil
	st.GraphEdges = nil
	st.GraphDebug = state.GraphDebug{Reason: reason, SeedCount: len(seeds)}
	st.Trace.Summary = "graph expansion skipped: " + reason
}

// normalizeEdges maps legacy from/to/type keys onto the canonical fields and
// defaults a missing edge type to "unknown".
func normalizeEdges(edges []runtime.GraphEdge) []state.Edge {
	out := make([]state.Edge, 0, len(edges))
	for _, e := range edges {
		from := e.FromID
		if from == "" {
			from = e.From
		}
		to := e.ToID
		if to == "" {
			to = e.To
		}
		edgeType := e.EdgeType
		if edgeType == "" {
			edgeType = e.Type
		}
		if edgeType == "" {
			edgeType = "unknown"
		}
		if from == "" || to == "" {
			continue
		}
		out = append(out, state.Edge{FromID: from, ToID: to, EdgeType: edgeType})
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
