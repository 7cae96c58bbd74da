package actions

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("translate_in_if_needed", newTranslateIn)
	Register("translate_out_if_needed", newTranslateOut)
}

// ----------------------------------------------------------------------------
// translate_in_if_needed
// ----------------------------------------------------------------------------

type translateIn struct{}

func newTranslateIn(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	return &translateIn{}, nil
}

func (a *translateIn) Name() string { return "translate_in_if_needed" }

func (a *translateIn) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if !st.TranslateChat || rt.Trans == nil {
		st.UserQuestionEN = st.UserQuery
		return Next(), nil
	}
	translated, err := rt.Trans.Translate(ctx, st.UserQuery)
	if err != nil {
		slog.Warn("Inbound translation failed, using original query", "error", err)
		st.UserQuestionEN = st.UserQuery
		return Next(), nil
	}
	st.UserQuestionEN = translated
	st.Trace.Summary = "translated user query"
	return Next(), nil
}

// ----------------------------------------------------------------------------
// translate_out_if_needed
// ----------------------------------------------------------------------------

type translateOutConfig struct {
	UseMainModel       bool   `yaml:"use_main_model"`
	TranslatePromptKey string `yaml:"translate_prompt_key"`
}

type translateOut struct {
	cfg translateOutConfig
}

func newTranslateOut(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg translateOutConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.UseMainModel && cfg.TranslatePromptKey == "" {
		return nil, requireField("translate_out_if_needed", "translate_prompt_key")
	}
	return &translateOut{cfg: cfg}, nil
}

func (a *translateOut) Name() string { return "translate_out_if_needed" }

// Execute translates the neutral answer for the user. Preference order:
// markdown-aware translator, plain translator, then copy with the fallback
// flag set. All failures degrade to the copy path.
func (a *translateOut) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if !st.TranslateChat || st.AnswerNeutral == "" {
		return Next(), nil
	}

	if a.cfg.UseMainModel {
		return a.translateViaModel(ctx, rt, st)
	}

	if rt.Trans == nil {
		st.AnswerTranslated = st.AnswerNeutral
		st.AnswerTranslatedIsFallback = true
		return Next(), nil
	}

	var out string
	var err error
	if md, ok := rt.Trans.(runtime.MarkdownTranslator); ok {
		out, err = md.TranslateMarkdown(ctx, st.AnswerNeutral)
	} else {
		out, err = rt.Trans.Translate(ctx, st.AnswerNeutral)
	}
	if err != nil {
		slog.Warn("Outbound translation failed, copying neutral answer", "error", err)
		st.AnswerTranslated = st.AnswerNeutral
		st.AnswerTranslatedIsFallback = true
		return Next(), nil
	}
	st.AnswerTranslated = out
	st.AnswerTranslatedIsFallback = false
	st.Trace.Summary = "translated answer"
	return Next(), nil
}

func (a *translateOut) translateViaModel(ctx context.Context, rt *runtime.Runtime, st *state.State) (Route, error) {
	if rt.LLM == nil || rt.Prompts == nil {
		st.AnswerTranslated = st.AnswerNeutral
		st.AnswerTranslatedIsFallback = true
		return Next(), nil
	}
	system, err := rt.Prompts.System(a.cfg.TranslatePromptKey)
	if err != nil {
		slog.Warn("Translation prompt missing, copying neutral answer", "prompt_key", a.cfg.TranslatePromptKey, "error", err)
		st.AnswerTranslated = st.AnswerNeutral
		st.AnswerTranslatedIsFallback = true
		return Next(), nil
	}
	out, err := rt.LLM.AskChat(ctx, system, st.AnswerNeutral, nil, nil)
	if err != nil {
		slog.Warn("Model translation failed, copying neutral answer", "error", err)
		st.AnswerTranslated = st.AnswerNeutral
		st.AnswerTranslatedIsFallback = true
		return Next(), nil
	}
	st.AnswerTranslated = out
	st.AnswerTranslatedIsFallback = false
	st.Trace.Summary = "translated answer via model"
	return Next(), nil
}
