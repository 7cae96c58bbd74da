package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func prefixRouterStep() *pipeline.Step {
	return mkStep("route", "prefix_router", map[string]any{
		"routes": []any{
			map[string]any{"kind": "retrieve", "prefix": "RETRIEVE:", "next": "search"},
			map[string]any{"kind": "answer", "prefix": "ANSWER:", "next": "respond"},
		},
		"on_other": "fallback",
	})
}

func TestPrefixRouter_MatchStripsPrefix(t *testing.T) {
	step := prefixRouterStep()
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = "  RETRIEVE: {\"query\": \"invoice\"}  "
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)

	target, ok := route.OverrideTarget()
	require.True(t, ok)
	assert.Equal(t, "search", target)
	assert.Equal(t, "retrieve", st.LastPrefix)
	assert.Equal(t, `{"query": "invoice"}`, st.LastModelResponse)
}

func TestPrefixRouter_FirstMatchWins(t *testing.T) {
	step := mkStep("route", "prefix_router", map[string]any{
		"routes": []any{
			map[string]any{"kind": "broad", "prefix": "GO", "next": "a"},
			map[string]any{"kind": "narrow", "prefix": "GO:DEEP", "next": "b"},
		},
		"on_other": "fallback",
	})
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = "GO:DEEP now"
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "a", target)
	assert.Equal(t, "broad", st.LastPrefix)
}

func TestPrefixRouter_OnOther(t *testing.T) {
	step := prefixRouterStep()
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = "  something unprefixed  "
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "fallback", target)
	assert.Empty(t, st.LastPrefix)
	assert.Equal(t, "something unprefixed", st.LastModelResponse)
}

func TestPrefixRouter_ConfigValidation(t *testing.T) {
	_, err := New(mkStep("r", "prefix_router", map[string]any{"on_other": "x"}), nil)
	assert.Error(t, err)

	_, err = New(mkStep("r", "prefix_router", map[string]any{
		"routes": []any{map[string]any{"kind": "k", "prefix": "", "next": "x"}},
	}), nil)
	assert.Error(t, err)
}

func TestJSONDecisionRouter_RoutesAndStripsKeys(t *testing.T) {
	step := mkStep("decide", "json_decision_router", map[string]any{
		"routes":   map[string]any{"retrieve": "search", "answer": "respond"},
		"on_other": "fallback",
	})
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = `{"decision": "Retrieve", "query": "ledger posting", "mode": "x"}`
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)

	target, _ := route.OverrideTarget()
	assert.Equal(t, "search", target)
	assert.Equal(t, "retrieve", st.LastPrefix)
	// Routing keys are stripped; the remaining payload is canonical JSON.
	assert.Equal(t, `{"query":"ledger posting"}`, st.LastModelResponse)
}

func TestJSONDecisionRouter_UnparseableRoutesOther(t *testing.T) {
	step := mkStep("decide", "json_decision_router", map[string]any{
		"routes":   map[string]any{"retrieve": "search"},
		"on_other": "fallback",
	})
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = "no structure at all"
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "fallback", target)
	// The payload is left untouched when parsing fails.
	assert.Equal(t, "no structure at all", st.LastModelResponse)
}

func TestJSONDecisionRouter_UnknownDecision(t *testing.T) {
	step := mkStep("decide", "json_decision_router", map[string]any{
		"routes":   map[string]any{"retrieve": "search"},
		"on_other": "fallback",
	})
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	st.LastModelResponse = `{"decision": "ponder"}`
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "fallback", target)
	assert.Empty(t, st.LastPrefix)
}

func TestRepeatQueryGuard(t *testing.T) {
	step := mkStep("guard", "repeat_query_guard", map[string]any{
		"on_ok":        "search",
		"on_repeat":    "retry",
		"query_parser": "jsonish",
	})
	act, err := New(step, nil)
	require.NoError(t, err)
	def := mkDef(nil, step)

	st := state.New()
	st.LastModelResponse = `{"query": "Class  AccountService"}`
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "search", target)

	// The guard itself never records queries; only a successful search does.
	route, err = act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "search", target)

	st.RecordQuery(state.NormalizeQuery("class accountservice"))
	route, err = act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "retry", target)
}

func TestRepeatQueryGuard_EmptyQueryBlocked(t *testing.T) {
	step := mkStep("guard", "repeat_query_guard", map[string]any{
		"on_ok":        "search",
		"on_repeat":    "retry",
		"query_parser": "jsonish",
	})
	act, err := New(step, nil)
	require.NoError(t, err)

	for _, payload := range []string{"not json", `{"query": "   "}`, `{"other": "x"}`} {
		st := state.New()
		st.LastModelResponse = payload
		route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
		require.NoError(t, err)
		target, _ := route.OverrideTarget()
		assert.Equal(t, "retry", target, "payload %q", payload)
	}
}
