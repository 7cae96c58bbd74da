package actions

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("finalize", newFinalize)
}

type finalizeConfig struct {
	PersistTurn *bool `yaml:"persist_turn"`
}

type finalize struct {
	persist bool
}

func newFinalize(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg finalizeConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	persist := true
	if cfg.PersistTurn != nil {
		persist = *cfg.PersistTurn
	}
	return &finalize{persist: persist}, nil
}

func (a *finalize) Name() string { return "finalize" }

// Execute materializes final_answer from the answer and banner fields. It
// never translates and never falls back to last_model_response; an empty
// answer stays empty. Persistence is best-effort, at most once per turn.
func (a *finalize) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	answer := st.AnswerNeutral
	banner := st.BannerNeutral
	if st.TranslateChat {
		if st.AnswerTranslated != "" {
			answer = st.AnswerTranslated
		}
		if st.BannerTranslated != "" {
			banner = st.BannerTranslated
		}
	}

	if banner != "" && answer != "" {
		st.FinalAnswer = banner + "\n\n" + answer
	} else if banner != "" {
		st.FinalAnswer = banner
	} else {
		st.FinalAnswer = answer
	}

	if a.persist && rt.History != nil && st.TurnID != "" {
		err := rt.History.OnRequestFinalized(ctx, runtime.TurnFinal{
			SessionID:       st.SessionID,
			TurnID:          st.TurnID,
			QuestionNeutral: st.UserQuestionEN,
			AnswerNeutral:   st.AnswerNeutral,
			AnswerFinal:     st.FinalAnswer,
		})
		if err != nil {
			slog.Warn("Failed to persist turn", "session", st.SessionID, "turn", st.TurnID, "error", err)
		}
	}

	slog.Info("Turn finalized",
		"session", st.SessionID,
		"turn", st.TurnID,
		"answer_chars", len(st.FinalAnswer),
		"translated", st.TranslateChat,
	)
	st.Trace.Summary = "answer finalized"
	return Next(), nil
}
