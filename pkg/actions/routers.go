package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/jsonish"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("prefix_router", newPrefixRouter)
	Register("json_decision_router", newJSONDecisionRouter)
	Register("repeat_query_guard", newRepeatQueryGuard)
}

// ----------------------------------------------------------------------------
// prefix_router
// ----------------------------------------------------------------------------

type prefixRoute struct {
	Kind   string `yaml:"kind"`
	Prefix string `yaml:"prefix"`
	Next   string `yaml:"next"`
}

type prefixRouterConfig struct {
	Routes  []prefixRoute `yaml:"routes"`
	OnOther string        `yaml:"on_other"`
}

type prefixRouter struct {
	cfg prefixRouterConfig
}

func newPrefixRouter(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg prefixRouterConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Routes) == 0 {
		return nil, requireField("prefix_router", "routes")
	}
	for i, route := range cfg.Routes {
		if route.Prefix == "" {
			return nil, fmt.Errorf("prefix_router: routes[%d]: empty prefix", i)
		}
		if route.Next == "" {
			return nil, fmt.Errorf("prefix_router: routes[%d] (%s): empty next", i, route.Kind)
		}
	}
	if cfg.OnOther == "" {
		return nil, requireField("prefix_router", "on_other")
	}
	return &prefixRouter{cfg: cfg}, nil
}

func (a *prefixRouter) Name() string { return "prefix_router" }

// Execute matches the trimmed model response against the declared prefixes in
// order. Prefixes are byte-exact; only the outer whitespace of the whole
// response is trimmed before matching.
func (a *prefixRouter) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	text := strings.TrimSpace(st.LastModelResponse)
	for _, route := range a.cfg.Routes {
		if strings.HasPrefix(text, route.Prefix) {
			st.LastPrefix = route.Kind
			st.LastModelResponse = strings.TrimSpace(strings.TrimPrefix(text, route.Prefix))
			st.Trace.Summary = "routed: " + route.Kind
			st.Trace.Details = map[string]any{"prefix": route.Prefix, "next": route.Next}
			return Override(route.Next), nil
		}
	}
	st.LastPrefix = ""
	st.LastModelResponse = text
	st.Trace.Summary = "routed: other"
	return Override(a.cfg.OnOther), nil
}

// ----------------------------------------------------------------------------
// json_decision_router
// ----------------------------------------------------------------------------

// decisionKeys are consulted in order when extracting the routing decision.
var decisionKeys = []string{"decision", "route", "mode"}

type jsonDecisionRouterConfig struct {
	Routes  map[string]string `yaml:"routes"`
	OnOther string            `yaml:"on_other"`
}

type jsonDecisionRouter struct {
	cfg jsonDecisionRouterConfig
}

func newJSONDecisionRouter(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg jsonDecisionRouterConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Routes) == 0 {
		return nil, requireField("json_decision_router", "routes")
	}
	for decision, next := range cfg.Routes {
		if next == "" {
			return nil, fmt.Errorf("json_decision_router: routes[%s]: empty next", decision)
		}
	}
	if cfg.OnOther == "" {
		return nil, requireField("json_decision_router", "on_other")
	}
	return &jsonDecisionRouter{cfg: cfg}, nil
}

func (a *jsonDecisionRouter) Name() string { return "json_decision_router" }

func (a *jsonDecisionRouter) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	payload, ok := jsonish.Parse(st.LastModelResponse)
	if !ok {
		st.LastPrefix = ""
		st.Trace.Summary = "decision: unparseable, routed other"
		return Override(a.cfg.OnOther), nil
	}

	decision := ""
	for _, key := range decisionKeys {
		if v, ok := jsonish.String(payload, key); ok {
			decision = strings.ToLower(strings.TrimSpace(v))
			break
		}
	}

	// Routing keys are stripped so downstream payload parsers see a clean
	// retrieval payload; map marshaling keeps keys sorted.
	for _, key := range decisionKeys {
		delete(payload, key)
	}
	st.LastModelResponse = jsonish.Compact(payload)

	if next, ok := a.cfg.Routes[decision]; ok {
		st.LastPrefix = decision
		st.Trace.Summary = "decision: " + decision
		st.Trace.Details = map[string]any{"next": next}
		return Override(next), nil
	}
	st.LastPrefix = ""
	st.Trace.Summary = "decision: no match, routed other"
	return Override(a.cfg.OnOther), nil
}

// ----------------------------------------------------------------------------
// repeat_query_guard
// ----------------------------------------------------------------------------

type repeatQueryGuardConfig struct {
	OnOK        string `yaml:"on_ok"`
	OnRepeat    string `yaml:"on_repeat"`
	QueryParser string `yaml:"query_parser"`
}

type repeatQueryGuard struct {
	cfg repeatQueryGuardConfig
}

func newRepeatQueryGuard(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg repeatQueryGuardConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.OnOK == "" {
		return nil, requireField("repeat_query_guard", "on_ok")
	}
	if cfg.OnRepeat == "" {
		return nil, requireField("repeat_query_guard", "on_repeat")
	}
	if cfg.QueryParser != "" && cfg.QueryParser != "jsonish" {
		return nil, fmt.Errorf("repeat_query_guard: unknown query_parser %q", cfg.QueryParser)
	}
	return &repeatQueryGuard{cfg: cfg}, nil
}

func (a *repeatQueryGuard) Name() string { return "repeat_query_guard" }

// Execute routes on_repeat for empty or already executed queries. It does not
// run retrieval and does not record query history; search_nodes records
// queries only after a successful search.
func (a *repeatQueryGuard) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	query := st.LastModelResponse
	if a.cfg.QueryParser == "jsonish" {
		if payload, ok := jsonish.Parse(st.LastModelResponse); ok {
			query, _ = jsonish.String(payload, "query")
		} else {
			query = ""
		}
	}
	norm := state.NormalizeQuery(query)
	if norm == "" || st.QueryAsked(norm) {
		st.Trace.Summary = "repeat query blocked"
		st.Trace.Details = map[string]any{"query_norm": norm}
		return Override(a.cfg.OnRepeat), nil
	}
	st.Trace.Summary = "query accepted"
	return Override(a.cfg.OnOK), nil
}
