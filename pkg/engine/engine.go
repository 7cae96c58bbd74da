// Package engine dispatches pipeline steps against a per-run state. One
// Run call is one request traversal: single-threaded, cooperative, bounded.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/codeqa/pkg/actions"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// Engine executes pipeline definitions. It holds no per-run state; concurrent
// Run calls on independent states are safe.
type Engine struct {
	rt *runtime.Runtime
}

// New creates an engine over the given runtime bundle.
func New(rt *runtime.Runtime) *Engine {
	return &Engine{rt: rt}
}

// Run executes def from its entry step until a terminal condition: a step
// with end true, a step with no transition, a terminate route, cancellation,
// the step cap, or a fatal action error. The returned error is nil on normal
// completion.
func (e *Engine) Run(ctx context.Context, def *pipeline.Definition, st *state.State) error {
	runID := uuid.NewString()
	start := time.Now()

	acts, err := e.buildActions(def)
	if err != nil {
		return pipeline.NewError(pipeline.CodeInvalidConfig, "pipeline %q: %v", def.Name, err)
	}

	e.startTurn(ctx, st)

	maxSteps := e.rt.MaxSteps
	if maxSteps <= 0 {
		maxSteps = pipeline.DefaultMaxSteps
	}
	visibility := def.Settings.StagesVisibility()

	slog.Info("Pipeline run started",
		"pipeline", def.Name,
		"run_id", runID,
		"session", st.SessionID,
		"entry", def.EntryStepID,
	)

	dispatched := 0
	current := def.EntryStepID
	for current != "" {
		if ctx.Err() != nil {
			e.emitDone(runID, runtime.TraceReasonCancelled, nil)
			observeRun(def.Name, "cancelled", dispatched, start)
			slog.Info("Pipeline run cancelled", "pipeline", def.Name, "run_id", runID, "at_step", current)
			return pipeline.StepError(pipeline.CodeCancelled, current, "run cancelled")
		}

		dispatched++
		if dispatched > maxSteps {
			err := pipeline.StepError(pipeline.CodeLoopLimit, current,
				"step cap %d exceeded", maxSteps)
			e.emitDone(runID, "error", map[string]any{"error": err.Error()})
			observeRun(def.Name, "loop_limit", dispatched, start)
			return err
		}

		step, ok := def.Step(current)
		if !ok {
			// Loader validation makes this unreachable for loaded pipelines.
			err := pipeline.StepError(pipeline.CodeInvalidConfig, current, "step does not exist")
			e.emitDone(runID, "error", map[string]any{"error": err.Error()})
			observeRun(def.Name, "error", dispatched, start)
			return err
		}

		st.InboxLastConsumed = st.ConsumeInbox(step.ID)
		st.ResetTrace()

		act := acts[step.ID]
		stepStart := time.Now()
		route, execErr := act.Execute(ctx, e.rt, def, step, st)
		observeStep(step.Action, stepStart)

		if execErr != nil {
			wrapped := pipeline.WrapStep(step.ID, execErr)
			e.emitDone(runID, "error", map[string]any{
				"error": wrapped.Error(),
				"code":  string(pipeline.CodeOf(wrapped)),
			})
			observeRun(def.Name, "error", dispatched, start)
			slog.Error("Pipeline step failed",
				"pipeline", def.Name,
				"run_id", runID,
				"step", step.ID,
				"action", step.Action,
				"error", execErr,
			)
			return wrapped
		}

		if stepVisible(visibility, step) {
			e.emitStep(runID, step, st)
		}

		current = nextStepID(step, route)
	}

	if err := e.checkInbox(def, st); err != nil {
		e.emitDone(runID, "error", map[string]any{"error": err.Error()})
		observeRun(def.Name, "error", dispatched, start)
		return err
	}

	e.emitDone(runID, runtime.TraceReasonDone, nil)
	observeRun(def.Name, "done", dispatched, start)
	slog.Info("Pipeline run finished",
		"pipeline", def.Name,
		"run_id", runID,
		"steps", dispatched,
		"duration", time.Since(start),
	)
	return nil
}

// buildActions instantiates every step's action up front so config errors
// surface before the first dispatch.
func (e *Engine) buildActions(def *pipeline.Definition) (map[string]actions.Action, error) {
	acts := make(map[string]actions.Action, len(def.Steps))
	for id, step := range def.Steps {
		act, err := actions.New(step, def.Settings)
		if err != nil {
			return nil, err
		}
		acts[id] = act
	}
	return acts, nil
}

// startTurn registers the turn with the history service. Best-effort: a
// failure leaves turn_id empty, which disables persistence downstream.
func (e *Engine) startTurn(ctx context.Context, st *state.State) {
	if e.rt.History == nil || st.SessionID == "" || st.TurnID != "" {
		return
	}
	turnID, err := e.rt.History.OnRequestStarted(ctx, runtime.TurnStart{
		SessionID:  st.SessionID,
		Repository: st.Repository,
		Branch:     st.Branch,
		Question:   st.UserQuery,
	})
	if err != nil {
		slog.Warn("Failed to register turn start", "session", st.SessionID, "error", err)
		return
	}
	st.TurnID = turnID
}

// nextStepID resolves the transition: terminate and override routes win, then
// end true stops, then the step's next (empty means terminal).
func nextStepID(step *pipeline.Step, route actions.Route) string {
	if route.IsTerminate() {
		return ""
	}
	if target, ok := route.OverrideTarget(); ok {
		return target
	}
	if step.End {
		return ""
	}
	return step.Next
}

// stepVisible applies the stages_visibility mode to one step. The per-step
// stages_visible flag is consulted in explicit and pipeline_driven modes.
func stepVisible(mode string, step *pipeline.Step) bool {
	switch mode {
	case pipeline.VisibilityForbidden:
		return false
	case pipeline.VisibilityExplicit:
		v, _ := step.Raw["stages_visible"].(bool)
		return v
	case pipeline.VisibilityPipelineDriven:
		if v, ok := step.Raw["stages_visible"].(bool); ok {
			return v
		}
		return true
	default:
		return true
	}
}

// checkInbox enforces the run-end unconsumed-inbox policy. The process
// default comes from the runtime; settings.inbox_strict overrides it.
func (e *Engine) checkInbox(def *pipeline.Definition, st *state.State) error {
	if st.InboxLen() == 0 {
		return nil
	}
	strict := def.Settings.Bool("inbox_strict", e.rt.InboxStrict)
	pending := st.PendingInbox()
	targets := make([]string, 0, len(pending))
	for _, msg := range pending {
		targets = append(targets, msg.TargetStepID)
	}
	if strict {
		return pipeline.NewError(pipeline.CodeInboxNotEmpty,
			"%d unconsumed inbox messages at run end (targets: %v)", len(pending), targets)
	}
	slog.Warn("Unconsumed inbox messages at run end",
		"pipeline", def.Name,
		"count", len(pending),
		"targets", targets,
	)
	return nil
}

func (e *Engine) emitStep(runID string, step *pipeline.Step, st *state.State) {
	if e.rt.Trace == nil {
		return
	}
	e.rt.Trace.Emit(runtime.TraceEvent{
		Type:              "step",
		TS:                time.Now().UTC(),
		RunID:             runID,
		StepID:            step.ID,
		ActionID:          step.Action,
		Summary:           st.Trace.Summary,
		SummaryTranslated: st.Trace.SummaryTranslated,
		Details:           st.Trace.Details,
		Docs:              st.Trace.Docs,
	})
}

func (e *Engine) emitDone(runID, reason string, details map[string]any) {
	if e.rt.Trace == nil {
		return
	}
	e.rt.Trace.Emit(runtime.TraceEvent{
		Type:    "done",
		TS:      time.Now().UTC(),
		RunID:   runID,
		Reason:  reason,
		Details: details,
	})
}
