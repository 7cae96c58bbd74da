package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func runLoadHistory(t *testing.T, rt *runtime.Runtime, st *state.State, raw map[string]any) {
	t.Helper()
	step := mkStep("history", "load_conversation_history", raw)
	act, err := New(step, nil)
	require.NoError(t, err)
	_, err = act.Execute(context.Background(), rt, mkDef(nil, step), step, st)
	require.NoError(t, err)
}

func TestLoadHistory_FillsAllRepresentations(t *testing.T) {
	history := &fakeHistory{pairs: []runtime.QAPair{
		{Q: "what is F?", A: "F frobnicates"},
		{Q: "and G?", A: "G guards"},
	}}
	st := state.New()
	st.SessionID = "sess-1"
	runLoadHistory(t, &runtime.Runtime{History: history}, st, nil)

	require.Len(t, st.HistoryQANeutral, 2)
	assert.Equal(t, "what is F?", st.HistoryQANeutral[0].Q)

	require.Len(t, st.HistoryDialog, 4)
	assert.Equal(t, state.DialogTurn{Role: "user", Content: "what is F?"}, st.HistoryDialog[0])
	assert.Equal(t, state.DialogTurn{Role: "assistant", Content: "F frobnicates"}, st.HistoryDialog[1])
	assert.Equal(t, "user", st.HistoryDialog[2].Role)

	require.Len(t, st.HistoryBlocks, 2)
	assert.Equal(t, "Q: what is F?\nA: F frobnicates", st.HistoryBlocks[0])
}

func TestLoadHistory_ClearsPriorFields(t *testing.T) {
	st := state.New()
	st.SessionID = "sess-1"
	st.HistoryBlocks = []string{"stale"}
	st.HistoryDialog = []state.DialogTurn{{Role: "user", Content: "stale"}}
	st.HistoryQANeutral = []state.QAPair{{Q: "stale", A: "stale"}}

	runLoadHistory(t, &runtime.Runtime{History: &fakeHistory{}}, st, nil)
	assert.Empty(t, st.HistoryBlocks)
	assert.Empty(t, st.HistoryDialog)
	assert.Empty(t, st.HistoryQANeutral)
}

func TestLoadHistory_BestEffort(t *testing.T) {
	// Store failure leaves empty history and the run continues.
	st := state.New()
	st.SessionID = "sess-1"
	runLoadHistory(t, &runtime.Runtime{History: &fakeHistory{queryErr: errors.New("db down")}}, st, nil)
	assert.Empty(t, st.HistoryBlocks)

	// No store configured.
	runLoadHistory(t, &runtime.Runtime{}, st, nil)
	assert.Empty(t, st.HistoryBlocks)

	// No session id means nothing to load.
	st = state.New()
	runLoadHistory(t, &runtime.Runtime{History: &fakeHistory{pairs: []runtime.QAPair{{Q: "q", A: "a"}}}}, st, nil)
	assert.Empty(t, st.HistoryBlocks)
}

func TestLoadHistory_Limit(t *testing.T) {
	history := &fakeHistory{pairs: []runtime.QAPair{
		{Q: "q1", A: "a1"}, {Q: "q2", A: "a2"}, {Q: "q3", A: "a3"},
	}}
	st := state.New()
	st.SessionID = "sess-1"
	runLoadHistory(t, &runtime.Runtime{History: history}, st, map[string]any{"limit": 2})
	assert.Len(t, st.HistoryQANeutral, 2)
}
