package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("parallel_roads_action", newParallelRoads)
	Register("fork_action", newFork)
	Register("merge_action", newMerge)
}

// ----------------------------------------------------------------------------
// parallel_roads_action
// ----------------------------------------------------------------------------

type parallelRoads struct{}

func newParallelRoads(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	return new(parallelRoads), nil
}

func (a *parallelRoads) Name() string { return "parallel_roads_action" }

func (a *parallelRoads) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if st.Roads == nil {
		st.Roads = &state.ParallelRoads{Results: make(map[string][]string)}
	}
	return Next(), nil
}

// ----------------------------------------------------------------------------
// fork_action
// ----------------------------------------------------------------------------

// snapshotSpec declares one branch of the fan-out. ID supports the
// ${snapshot_id} and ${snapshot_id_b} placeholders; Label is a template whose
// {} receives the resolved snapshot id.
type snapshotSpec struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

type forkConfig struct {
	Snapshots    []snapshotSpec `yaml:"snapshots"`
	SearchAction string         `yaml:"search_action"`
	OnDone       string         `yaml:"on_done"`
}

type fork struct {
	cfg forkConfig
}

func newFork(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg forkConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Snapshots) == 0 {
		return nil, requireField("fork_action", "snapshots")
	}
	for i, snap := range cfg.Snapshots {
		if snap.ID == "" {
			return nil, fmt.Errorf("fork_action: snapshots[%d]: missing id", i)
		}
	}
	if cfg.SearchAction == "" {
		return nil, requireField("fork_action", "search_action")
	}
	return &fork{cfg: cfg}, nil
}

func (a *fork) Name() string { return "fork_action" }

// Execute builds the snapshot plan on first entry, then hands out one
// snapshot per iteration by jumping back to the search step. Merge advances
// the index and routes back here.
func (a *fork) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if st.Roads == nil {
		st.Roads = &state.ParallelRoads{Results: make(map[string][]string)}
	}
	roads := st.Roads

	if len(roads.Plan) == 0 {
		roads.OriginalID = st.SnapshotID
		roads.OriginalIDB = st.SnapshotIDB
		roads.Labels = make(map[string]string, len(a.cfg.Snapshots))
		for _, snap := range a.cfg.Snapshots {
			id := expandSnapshotPlaceholders(snap.ID, st)
			if id == "" {
				continue
			}
			roads.Plan = append(roads.Plan, id)
			roads.Labels[id] = snap.Label
		}
		roads.Index = 0
	}

	if roads.Index < len(roads.Plan) {
		st.SnapshotID = roads.Plan[roads.Index]
		st.Trace.Summary = fmt.Sprintf("fork: snapshot %d/%d (%s)", roads.Index+1, len(roads.Plan), st.SnapshotID)
		return Override(a.cfg.SearchAction), nil
	}

	if a.cfg.OnDone != "" {
		return Override(a.cfg.OnDone), nil
	}
	return Next(), nil
}

func expandSnapshotPlaceholders(id string, st *state.State) string {
	id = strings.ReplaceAll(id, "${snapshot_id}", st.SnapshotID)
	id = strings.ReplaceAll(id, "${snapshot_id_b}", st.SnapshotIDB)
	return strings.TrimSpace(id)
}

// ----------------------------------------------------------------------------
// merge_action
// ----------------------------------------------------------------------------

type mergeConfig struct {
	ForkStep string `yaml:"fork_step"`
}

type merge struct {
	cfg mergeConfig
}

func newMerge(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg mergeConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ForkStep == "" {
		return nil, requireField("merge_action", "fork_step")
	}
	return &merge{cfg: cfg}, nil
}

func (a *merge) Name() string { return "merge_action" }

// Execute stores the finished branch's labeled blocks, clears retrieval state
// for the next branch, and loops back to the fork. After the last branch it
// assembles context_blocks in snapshot order and restores the original ids.
func (a *merge) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	roads := st.Roads
	if roads == nil || roads.Index >= len(roads.Plan) {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "merge without an active fork")
	}

	snapshot := roads.Plan[roads.Index]
	labeled := append([]string{a.branchLabel(st, snapshot)}, st.ContextBlocks...)
	roads.Results[snapshot] = labeled
	roads.ResultOrder = append(roads.ResultOrder, snapshot)

	// Isolation between iterations: the next branch retrieves fresh.
	st.ClearRetrieval()
	st.ContextBlocks = nil

	roads.Index++
	if roads.Index < len(roads.Plan) {
		st.Trace.Summary = fmt.Sprintf("merged branch %s", snapshot)
		return Override(a.cfg.ForkStep), nil
	}

	for _, snap := range roads.ResultOrder {
		st.ContextBlocks = append(st.ContextBlocks, roads.Results[snap]...)
	}
	st.SnapshotID = roads.OriginalID
	st.SnapshotIDB = roads.OriginalIDB

	st.Trace.Summary = fmt.Sprintf("merged %d branches", len(roads.ResultOrder))
	st.Trace.Details = map[string]any{"branches": roads.ResultOrder}
	return Next(), nil
}

// branchLabel resolves the branch heading: friendly name, then the fork's
// label template, then the raw snapshot id.
func (a *merge) branchLabel(st *state.State, snapshot string) string {
	if name, ok := st.SnapshotFriendlyNames[snapshot]; ok && name != "" {
		return name
	}
	if st.Roads != nil {
		if tmpl, ok := st.Roads.Labels[snapshot]; ok && tmpl != "" {
			if strings.Contains(tmpl, "{}") {
				return strings.Replace(tmpl, "{}", snapshot, 1)
			}
			return tmpl
		}
	}
	return snapshot
}
