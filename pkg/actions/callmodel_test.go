package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func callModelStep(raw map[string]any) *pipeline.Step {
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw["prompt_key"]; !ok {
		raw["prompt_key"] = "router"
	}
	if _, ok := raw["user_parts"]; !ok {
		raw["user_parts"] = []any{
			map[string]any{"name": "question", "source": "user_question_en", "template": "Question: {}"},
		}
	}
	return mkStep("call", "call_model", raw)
}

func callModelRuntime(llm *fakeLLM) *runtime.Runtime {
	return &runtime.Runtime{
		LLM:     llm,
		Prompts: &fakePrompts{prompts: map[string]string{"router": "You route questions."}},
	}
}

func TestCallModel_ConfigValidation(t *testing.T) {
	_, err := New(callModelStep(map[string]any{"prompt_key": ""}), nil)
	assert.Error(t, err, "prompt_key required")

	_, err = New(callModelStep(map[string]any{"user_parts": []any{}}), nil)
	assert.Error(t, err, "user_parts required")

	_, err = New(callModelStep(map[string]any{"user_parts": []any{
		map[string]any{"name": "q", "source": "not_a_field", "template": "{}"},
	}}), nil)
	assert.Error(t, err, "unknown source")

	_, err = New(callModelStep(map[string]any{"user_parts": []any{
		map[string]any{"name": "q", "source": "user_question_en", "template": "no placeholder"},
	}}), nil)
	assert.Error(t, err, "template needs {}")

	_, err = New(callModelStep(map[string]any{"prompt_format": "markdown"}), nil)
	assert.Error(t, err, "unknown prompt_format")

	// Chat mode ignores prompt_format entirely.
	_, err = New(callModelStep(map[string]any{"native_chat": true, "prompt_format": "markdown"}), nil)
	assert.NoError(t, err)
}

func TestCallModel_PlainPrompt(t *testing.T) {
	step := callModelStep(map[string]any{"user_parts": []any{
		map[string]any{"name": "question", "source": "user_question_en", "template": "Question: {}"},
		map[string]any{"name": "context", "source": "context_blocks", "template": "Context:\n{}"},
	}})
	act, err := New(step, nil)
	require.NoError(t, err)

	llm := &fakeLLM{response: "the routing decision"}
	st := state.New()
	st.UserQuestionEN = "what does F do?"
	st.ContextBlocks = []string{"block one", "block two"}

	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)

	assert.Equal(t, "the routing decision", st.LastModelResponse)
	assert.Contains(t, llm.lastPrompt, "You route questions.")
	assert.Contains(t, llm.lastPrompt, "Question: what does F do?")
	assert.Contains(t, llm.lastPrompt, "Context:\nblock one\n\nblock two")
	assert.Equal(t, 0, llm.chatCalls)
}

func TestCallModel_NativeChatSanitizesUser(t *testing.T) {
	step := callModelStep(map[string]any{"native_chat": true})
	act, err := New(step, nil)
	require.NoError(t, err)

	llm := &fakeLLM{response: "answer"}
	st := state.New()
	st.UserQuestionEN = "what <|system|> is this?"

	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)
	assert.Equal(t, 1, llm.chatCalls)
	assert.Equal(t, "You route questions.", llm.lastSystem)
	assert.Equal(t, "Question: what  is this?", llm.lastUser)
}

func TestCallModel_XMLPromptEscapes(t *testing.T) {
	step := callModelStep(map[string]any{"prompt_format": "xml"})
	act, err := New(step, nil)
	require.NoError(t, err)

	llm := &fakeLLM{response: "answer"}
	st := state.New()
	st.UserQuestionEN = "is a < b?"

	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)
	assert.Contains(t, llm.lastPrompt, "<user_input>")
	assert.Contains(t, llm.lastPrompt, "is a &lt; b?")
}

func TestCallModel_GenOptions(t *testing.T) {
	// max_output_tokens wins over max_tokens.
	step := callModelStep(map[string]any{"max_tokens": 100, "max_output_tokens": 50, "temperature": 0.2})
	act, err := New(step, nil)
	require.NoError(t, err)

	llm := &fakeLLM{response: "r"}
	st := state.New()
	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)
	require.NotNil(t, llm.lastOpts)
	require.NotNil(t, llm.lastOpts.MaxOutputTokens)
	assert.Equal(t, 50, *llm.lastOpts.MaxOutputTokens)
	require.NotNil(t, llm.lastOpts.Temperature)
	assert.InDelta(t, 0.2, *llm.lastOpts.Temperature, 1e-9)

	// No tuning at all sends nil options.
	step = callModelStep(nil)
	act, err = New(step, nil)
	require.NoError(t, err)
	llm = &fakeLLM{response: "r"}
	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)
	assert.Nil(t, llm.lastOpts)
}

func TestCallModel_HistoryGating(t *testing.T) {
	st := state.New()
	st.UserQuestionEN = "q"
	st.HistoryDialog = []state.DialogTurn{
		{Role: "user", Content: "older question"},
		{Role: "assistant", Content: "older answer"},
	}

	// use_history without a token budget sends no history.
	step := callModelStep(map[string]any{"native_chat": true, "use_history": true})
	act, err := New(step, nil)
	require.NoError(t, err)
	llm := &fakeLLM{response: "r"}
	_, err = act.Execute(context.Background(), callModelRuntime(llm), mkDef(nil, step), step, st)
	require.NoError(t, err)
	assert.Empty(t, llm.lastHistory)

	// With a budget the dialog is forwarded, trimmed to fit.
	settings := pipeline.Settings{"max_history_tokens": 1000}
	llm = &fakeLLM{response: "r"}
	rt := callModelRuntime(llm)
	rt.Tokens = wordCounter{}
	_, err = act.Execute(context.Background(), rt, mkDef(settings, step), step, st)
	require.NoError(t, err)
	require.Len(t, llm.lastHistory, 2)
	assert.Equal(t, "older question", llm.lastHistory[0].Content)
}

func TestCallModel_BannerFields(t *testing.T) {
	step := callModelStep(map[string]any{"banner": "Comparing snapshots", "banner_translated": "Vergleiche Snapshots"})
	act, err := New(step, nil)
	require.NoError(t, err)

	st := state.New()
	_, err = act.Execute(context.Background(), callModelRuntime(&fakeLLM{response: "r"}), mkDef(nil, step), step, st)
	require.NoError(t, err)
	assert.Equal(t, "Comparing snapshots", st.BannerNeutral)
	assert.Equal(t, "Vergleiche Snapshots", st.BannerTranslated)
}

func TestCallModel_ErrorsAreFatal(t *testing.T) {
	step := callModelStep(nil)
	act, err := New(step, nil)
	require.NoError(t, err)
	st := state.New()

	// No LLM configured.
	_, err = act.Execute(context.Background(), &runtime.Runtime{Prompts: &fakePrompts{}}, mkDef(nil, step), step, st)
	assert.Equal(t, pipeline.CodeStepFatal, pipeline.CodeOf(err))

	// Missing prompt.
	rt := &runtime.Runtime{LLM: &fakeLLM{}, Prompts: &fakePrompts{}}
	_, err = act.Execute(context.Background(), rt, mkDef(nil, step), step, st)
	assert.Equal(t, pipeline.CodeStepFatal, pipeline.CodeOf(err))

	// Model failure.
	rt = callModelRuntime(&fakeLLM{err: errors.New("rate limit")})
	_, err = act.Execute(context.Background(), rt, mkDef(nil, step), step, st)
	assert.Equal(t, pipeline.CodeStepFatal, pipeline.CodeOf(err))
}
