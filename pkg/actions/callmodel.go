package actions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
	"github.com/kadirpekel/codeqa/pkg/tokens"
)

func init() {
	Register("call_model", newCallModel)
}

// userPart renders one named segment of the user prompt. Source names a state
// accessor; Template must contain a single {} placeholder.
type userPart struct {
	Name     string `yaml:"name"`
	Source   string `yaml:"source"`
	Template string `yaml:"template"`
}

type callModelConfig struct {
	PromptKey        string     `yaml:"prompt_key"`
	UserParts        []userPart `yaml:"user_parts"`
	NativeChat       bool       `yaml:"native_chat"`
	UseHistory       bool       `yaml:"use_history"`
	PromptFormat     string     `yaml:"prompt_format"`
	MaxTokens        *int       `yaml:"max_tokens"`
	MaxOutputTokens  *int       `yaml:"max_output_tokens"`
	Temperature      *float64   `yaml:"temperature"`
	TopK             *int       `yaml:"top_k"`
	TopP             *float64   `yaml:"top_p"`
	Banner           string     `yaml:"banner"`
	BannerTranslated string     `yaml:"banner_translated"`
}

type callModel struct {
	cfg callModelConfig
}

// promptBuilder renders a manual (non-chat) prompt string.
type promptBuilder func(system, user string, history []runtime.ChatMessage) string

var promptFormats = map[string]promptBuilder{
	"plain": buildPlainPrompt,
	"xml":   buildXMLPrompt,
}

func newCallModel(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg callModelConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.PromptKey == "" {
		return nil, requireField("call_model", "prompt_key")
	}
	if len(cfg.UserParts) == 0 {
		return nil, requireField("call_model", "user_parts")
	}
	for i, part := range cfg.UserParts {
		if part.Name == "" {
			return nil, fmt.Errorf("call_model: user_parts[%d]: missing name", i)
		}
		if part.Source == "" {
			return nil, fmt.Errorf("call_model: user_parts[%d] %q: missing source", i, part.Name)
		}
		if !state.HasGetter(part.Source) {
			return nil, fmt.Errorf("call_model: user_parts[%d] %q: unknown source %q", i, part.Name, part.Source)
		}
		if !strings.Contains(part.Template, "{}") {
			return nil, fmt.Errorf("call_model: user_parts[%d] %q: template must contain {}", i, part.Name)
		}
	}
	if cfg.PromptFormat == "" {
		cfg.PromptFormat = "plain"
	}
	if !cfg.NativeChat {
		if _, ok := promptFormats[cfg.PromptFormat]; !ok {
			return nil, fmt.Errorf("call_model: unknown prompt_format %q", cfg.PromptFormat)
		}
	}
	return &callModel{cfg: cfg}, nil
}

func (a *callModel) Name() string { return "call_model" }

func (a *callModel) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if rt.LLM == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "no LLM client configured")
	}
	if rt.Prompts == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "no prompt store configured")
	}

	system, err := rt.Prompts.System(a.cfg.PromptKey)
	if err != nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "prompt %q: %v", a.cfg.PromptKey, err)
	}

	user, err := a.renderUserPart(st)
	if err != nil {
		return Route{}, pipeline.WrapStep(step.ID, err)
	}

	history := a.history(rt, def.Settings, st)
	opts := a.genOptions()

	var response string
	if a.cfg.NativeChat {
		response, err = rt.LLM.AskChat(ctx, system, sanitizeControlTokens(user), history, opts)
	} else {
		build := promptFormats[a.cfg.PromptFormat]
		response, err = rt.LLM.Ask(ctx, build(system, user, history), opts)
	}
	if err != nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "model call failed: %v", err)
	}

	st.LastModelResponse = response
	if a.cfg.Banner != "" {
		st.BannerNeutral = a.cfg.Banner
	}
	if a.cfg.BannerTranslated != "" {
		st.BannerTranslated = a.cfg.BannerTranslated
	}

	st.Trace.Summary = fmt.Sprintf("model call (%s)", a.cfg.PromptKey)
	st.Trace.Details = map[string]any{
		"prompt_key":  a.cfg.PromptKey,
		"native_chat": a.cfg.NativeChat,
	}
	return Next(), nil
}

// renderUserPart builds the user prompt from the declared parts, in order.
func (a *callModel) renderUserPart(st *state.State) (string, error) {
	segments := make([]string, 0, len(a.cfg.UserParts))
	for _, part := range a.cfg.UserParts {
		value, err := state.GetString(st, part.Source)
		if err != nil {
			return "", fmt.Errorf("user_parts %q: %w", part.Name, err)
		}
		segments = append(segments, strings.Replace(part.Template, "{}", value, 1))
	}
	return strings.Join(segments, "\n\n"), nil
}

func (a *callModel) history(rt *runtime.Runtime, settings pipeline.Settings, st *state.State) []runtime.ChatMessage {
	if !a.cfg.UseHistory {
		return nil
	}
	maxHist, err := settings.MaxHistoryTokens()
	if err != nil || maxHist <= 0 {
		return nil
	}
	dialog := make([]runtime.ChatMessage, 0, len(st.HistoryDialog))
	for _, turn := range st.HistoryDialog {
		dialog = append(dialog, runtime.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	if rt.Tokens == nil {
		return dialog
	}
	return tokens.FitHistory(rt.Tokens, dialog, maxHist)
}

func (a *callModel) genOptions() *runtime.GenOptions {
	opts := &runtime.GenOptions{
		Temperature: a.cfg.Temperature,
		TopK:        a.cfg.TopK,
		TopP:        a.cfg.TopP,
	}
	// max_output_tokens wins over the legacy max_tokens spelling.
	switch {
	case a.cfg.MaxOutputTokens != nil:
		opts.MaxOutputTokens = a.cfg.MaxOutputTokens
	case a.cfg.MaxTokens != nil:
		opts.MaxOutputTokens = a.cfg.MaxTokens
	}
	if opts.MaxOutputTokens == nil && opts.Temperature == nil && opts.TopK == nil && opts.TopP == nil {
		return nil
	}
	return opts
}

var controlTokenPattern = regexp.MustCompile(`<\|[^|>]*\|>`)

// sanitizeControlTokens strips model control sequences from user-provided
// text before it reaches chat mode.
func sanitizeControlTokens(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return controlTokenPattern.ReplaceAllString(s, "")
}

func buildPlainPrompt(system, user string, history []runtime.ChatMessage) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")
	for _, msg := range history {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	if len(history) > 0 {
		b.WriteString("\n")
	}
	b.WriteString(sanitizeControlTokens(user))
	return b.String()
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func buildXMLPrompt(system, user string, history []runtime.ChatMessage) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")
	for _, msg := range history {
		b.WriteString("<turn role=\"")
		b.WriteString(msg.Role)
		b.WriteString("\">")
		b.WriteString(xmlEscaper.Replace(msg.Content))
		b.WriteString("</turn>\n")
	}
	b.WriteString("<user_input>\n")
	b.WriteString(xmlEscaper.Replace(sanitizeControlTokens(user)))
	b.WriteString("\n</user_input>")
	return b.String()
}
