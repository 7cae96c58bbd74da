package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("load_conversation_history", newLoadConversationHistory)
}

const defaultHistoryLimit = 5

type loadHistoryConfig struct {
	Limit int `yaml:"limit"`
}

type loadConversationHistory struct {
	cfg loadHistoryConfig
}

func newLoadConversationHistory(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg loadHistoryConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultHistoryLimit
	}
	return &loadConversationHistory{cfg: cfg}, nil
}

func (a *loadConversationHistory) Name() string { return "load_conversation_history" }

// Execute loads recent neutral Q/A pairs. Strictly best-effort: any failure
// leaves empty history and the run continues.
func (a *loadConversationHistory) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	st.HistoryQANeutral = nil
	st.HistoryDialog = nil
	st.HistoryBlocks = nil

	if rt.History == nil || st.SessionID == "" {
		return Next(), nil
	}

	pairs, err := rt.History.RecentQANeutral(ctx, st.SessionID, a.cfg.Limit)
	if err != nil {
		slog.Warn("Failed to load conversation history", "session", st.SessionID, "error", err)
		return Next(), nil
	}

	for _, pair := range pairs {
		st.HistoryQANeutral = append(st.HistoryQANeutral, state.QAPair{Q: pair.Q, A: pair.A})
		st.HistoryDialog = append(st.HistoryDialog,
			state.DialogTurn{Role: "user", Content: pair.Q},
			state.DialogTurn{Role: "assistant", Content: pair.A},
		)
		st.HistoryBlocks = append(st.HistoryBlocks, fmt.Sprintf("Q: %s\nA: %s", pair.Q, pair.A))
	}
	st.Trace.Summary = fmt.Sprintf("loaded %d history pairs", len(pairs))
	return Next(), nil
}
