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

func forkSteps() (*pipeline.Step, *pipeline.Step) {
	forkStep := mkStep("fork", "fork_action", map[string]any{
		"snapshots": []any{
			map[string]any{"id": "${snapshot_id}", "label": "## Current ({})"},
			map[string]any{"id": "${snapshot_id_b}", "label": "## Baseline ({})"},
		},
		"search_action": "search",
		"on_done":       "compare",
	})
	mergeStep := mkStep("merge", "merge_action", map[string]any{
		"fork_step": "fork",
	})
	return forkStep, mergeStep
}

func TestForkMerge_TwoBranchLoop(t *testing.T) {
	forkStep, mergeStep := forkSteps()
	forkAct, err := New(forkStep, nil)
	require.NoError(t, err)
	mergeAct, err := New(mergeStep, nil)
	require.NoError(t, err)

	rt := &runtime.Runtime{}
	def := mkDef(nil, forkStep, mergeStep)

	st := state.New()
	st.SnapshotID = "snap-a"
	st.SnapshotIDB = "snap-b"

	// First fork entry: plan built, first snapshot handed out.
	route, err := forkAct.Execute(context.Background(), rt, def, forkStep, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "search", target)
	assert.Equal(t, "snap-a", st.SnapshotID)
	require.NotNil(t, st.Roads)
	assert.Equal(t, []string{"snap-a", "snap-b"}, st.Roads.Plan)

	// Branch one produced context.
	st.ContextBlocks = []string{"block a1", "block a2"}
	st.RetrievalSeedNodes = []string{"n1"}

	route, err = mergeAct.Execute(context.Background(), rt, def, mergeStep, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "fork", target)
	// Isolation between branches.
	assert.Nil(t, st.ContextBlocks)
	assert.Nil(t, st.RetrievalSeedNodes)

	// Second fork entry hands out the second snapshot.
	route, err = forkAct.Execute(context.Background(), rt, def, forkStep, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "search", target)
	assert.Equal(t, "snap-b", st.SnapshotID)

	st.ContextBlocks = []string{"block b1"}
	route, err = mergeAct.Execute(context.Background(), rt, def, mergeStep, st)
	require.NoError(t, err)
	assert.False(t, route.IsTerminate())
	_, overridden := route.OverrideTarget()
	assert.False(t, overridden)

	// Final assembly: labeled blocks in snapshot order, ids restored.
	assert.Equal(t, []string{
		"## Current (snap-a)", "block a1", "block a2",
		"## Baseline (snap-b)", "block b1",
	}, st.ContextBlocks)
	assert.Equal(t, "snap-a", st.SnapshotID)
	assert.Equal(t, "snap-b", st.SnapshotIDB)

	// Fork after completion routes to on_done.
	route, err = forkAct.Execute(context.Background(), rt, def, forkStep, st)
	require.NoError(t, err)
	target, _ = route.OverrideTarget()
	assert.Equal(t, "compare", target)
}

func TestFork_SkipsEmptySnapshotPlaceholders(t *testing.T) {
	forkStep, _ := forkSteps()
	act, err := New(forkStep, nil)
	require.NoError(t, err)

	st := state.New()
	st.SnapshotID = "snap-a"
	// No secondary snapshot: the ${snapshot_id_b} branch drops out.
	route, err := act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, forkStep), forkStep, st)
	require.NoError(t, err)
	target, _ := route.OverrideTarget()
	assert.Equal(t, "search", target)
	assert.Equal(t, []string{"snap-a"}, st.Roads.Plan)
}

func TestMerge_FriendlyNameWinsOverLabel(t *testing.T) {
	forkStep, mergeStep := forkSteps()
	forkAct, err := New(forkStep, nil)
	require.NoError(t, err)
	mergeAct, err := New(mergeStep, nil)
	require.NoError(t, err)

	st := state.New()
	st.SnapshotID = "snap-a"
	st.SnapshotFriendlyNames = map[string]string{"snap-a": "Release 2.4"}
	def := mkDef(nil, forkStep, mergeStep)

	_, err = forkAct.Execute(context.Background(), &runtime.Runtime{}, def, forkStep, st)
	require.NoError(t, err)
	st.ContextBlocks = []string{"body"}
	_, err = mergeAct.Execute(context.Background(), &runtime.Runtime{}, def, mergeStep, st)
	require.NoError(t, err)

	assert.Equal(t, []string{"Release 2.4", "body"}, st.ContextBlocks)
}

func TestMerge_WithoutActiveForkFatal(t *testing.T) {
	_, mergeStep := forkSteps()
	act, err := New(mergeStep, nil)
	require.NoError(t, err)

	st := state.New()
	_, err = act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, mergeStep), mergeStep, st)
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeStepFatal, pipeline.CodeOf(err))
}

func TestFork_ConfigValidation(t *testing.T) {
	_, err := New(mkStep("f", "fork_action", map[string]any{"search_action": "s"}), nil)
	assert.Error(t, err, "snapshots required")

	_, err = New(mkStep("f", "fork_action", map[string]any{
		"snapshots": []any{map[string]any{"label": "x"}},
		"search_action": "s",
	}), nil)
	assert.Error(t, err, "snapshot id required")

	_, err = New(mkStep("m", "merge_action", nil), nil)
	assert.Error(t, err, "fork_step required")
}

func TestParallelRoads_InitializesScratchpad(t *testing.T) {
	step := mkStep("roads", "parallel_roads_action", nil)
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	_, err = act.Execute(context.Background(), &runtime.Runtime{}, mkDef(nil, step), step, st)
	require.NoError(t, err)
	require.NotNil(t, st.Roads)
	assert.NotNil(t, st.Roads.Results)
}
