package actions

import (
	"context"
	"fmt"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("loop_guard", newLoopGuard)
}

type loopGuardConfig struct {
	OnAllow string `yaml:"on_allow"`
	OnDeny  string `yaml:"on_deny"`
}

type loopGuard struct {
	cfg loopGuardConfig
}

func newLoopGuard(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg loopGuardConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.OnAllow == "" {
		return nil, requireField("loop_guard", "on_allow")
	}
	if cfg.OnDeny == "" {
		return nil, requireField("loop_guard", "on_deny")
	}
	return &loopGuard{cfg: cfg}, nil
}

func (a *loopGuard) Name() string { return "loop_guard" }

func (a *loopGuard) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	max := def.Settings.MaxTurnLoops()
	count := st.LoopCounters[step.ID]
	if count < max {
		st.LoopCounters[step.ID] = count + 1
		st.Trace.Summary = fmt.Sprintf("loop %d of %d allowed", count+1, max)
		return Override(a.cfg.OnAllow), nil
	}
	st.Trace.Summary = fmt.Sprintf("loop limit %d reached", max)
	return Override(a.cfg.OnDeny), nil
}
