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

func TestLoopGuard_AllowsUntilLimit(t *testing.T) {
	step := mkStep("guard", "loop_guard", map[string]any{"on_allow": "search", "on_deny": "respond"})
	act, err := New(step, nil)
	require.NoError(t, err)

	settings := pipeline.Settings{"max_turn_loops": 2}
	def := mkDef(settings, step)
	st := state.New()

	for i := 0; i < 2; i++ {
		route, err := act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
		require.NoError(t, err)
		target, _ := route.OverrideTarget()
		assert.Equal(t, "search", target)
	}

	route, err := act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "respond", target)
	// Counter stays at the limit on the deny path.
	assert.Equal(t, 2, st.LoopCounters["guard"])
}

func TestLoopGuard_DefaultLimit(t *testing.T) {
	step := mkStep("guard", "loop_guard", map[string]any{"on_allow": "a", "on_deny": "d"})
	act, err := New(step, nil)
	require.NoError(t, err)

	def := mkDef(nil, step)
	st := state.New()
	allowed := 0
	for i := 0; i < 10; i++ {
		route, err := act.Execute(context.Background(), &runtime.Runtime{}, def, step, st)
		require.NoError(t, err)
		if target, _ := route.OverrideTarget(); target == "a" {
			allowed++
		}
	}
	assert.Equal(t, 4, allowed)
}

func TestLoopGuard_CountersArePerStep(t *testing.T) {
	stepA := mkStep("guard_a", "loop_guard", map[string]any{"on_allow": "a", "on_deny": "d"})
	stepB := mkStep("guard_b", "loop_guard", map[string]any{"on_allow": "a", "on_deny": "d"})
	actA, err := New(stepA, nil)
	require.NoError(t, err)
	actB, err := New(stepB, nil)
	require.NoError(t, err)

	def := mkDef(pipeline.Settings{"max_turn_loops": 1}, stepA, stepB)
	st := state.New()

	_, err = actA.Execute(context.Background(), &runtime.Runtime{}, def, stepA, st)
	require.NoError(t, err)

	// guard_a is exhausted, guard_b is not.
	route, err := actA.Execute(context.Background(), &runtime.Runtime{}, def, stepA, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "d", target)

	route, err = actB.Execute(context.Background(), &runtime.Runtime{}, def, stepB, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "a", target)
}

func TestLoopGuard_ConfigValidation(t *testing.T) {
	_, err := New(mkStep("g", "loop_guard", map[string]any{"on_deny": "d"}), nil)
	assert.Error(t, err, "on_allow required")

	_, err = New(mkStep("g", "loop_guard", map[string]any{"on_allow": "a"}), nil)
	assert.Error(t, err, "on_deny required")
}
