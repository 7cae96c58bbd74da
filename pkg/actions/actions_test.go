package actions

import (
	"context"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// Shared test doubles for the runtime ports. Each fake records the last call
// so tests can assert on what an action sent downstream.

func mkStep(id, action string, raw map[string]any) *pipeline.Step {
	if raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	raw["action"] = action
	next, _ := raw["next"].(string)
	end, _ := raw["end"].(bool)
	return &pipeline.Step{ID: id, Action: action, Next: next, End: end, Raw: raw}
}

func mkDef(settings pipeline.Settings, steps ...*pipeline.Step) *pipeline.Definition {
	def := &pipeline.Definition{
		Name:     "test",
		Settings: settings,
		Steps:    make(map[string]*pipeline.Step, len(steps)),
	}
	if def.Settings == nil {
		def.Settings = pipeline.Settings{}
	}
	for _, s := range steps {
		def.Steps[s.ID] = s
		def.StepOrder = append(def.StepOrder, s.ID)
	}
	if len(steps) > 0 {
		def.EntryStepID = steps[0].ID
	}
	return def
}

type fakeBackend struct {
	hits      []runtime.Hit
	debug     map[string]any
	texts     map[string]string
	searchErr error
	fetchErr  error

	lastSearch runtime.SearchRequest
	lastIDs    []string
	lastScope  runtime.Scope
}

func (b *fakeBackend) Search(ctx context.Context, req runtime.SearchRequest) (*runtime.SearchResult, error) {
	b.lastSearch = req
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return &runtime.SearchResult{Hits: b.hits, Debug: b.debug}, nil
}

func (b *fakeBackend) FetchTexts(ctx context.Context, ids []string, scope runtime.Scope) (map[string]string, error) {
	b.lastIDs = append([]string(nil), ids...)
	b.lastScope = scope
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.texts, nil
}

// fakeMetaBackend additionally serves node metadata.
type fakeMetaBackend struct {
	fakeBackend
	metas map[string]runtime.NodeMeta
}

func (b *fakeMetaBackend) FetchMeta(ctx context.Context, ids []string, scope runtime.Scope) (map[string]runtime.NodeMeta, error) {
	return b.metas, nil
}

type fakeGraph struct {
	result  *runtime.ExpandResult
	err     error
	lastReq runtime.ExpandRequest
}

func (g *fakeGraph) ExpandDependencyTree(ctx context.Context, req runtime.ExpandRequest) (*runtime.ExpandResult, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

// wordCounter counts whitespace-separated words, which keeps budget math in
// tests easy to reason about.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type fakeLLM struct {
	response string
	err      error

	lastPrompt  string
	lastSystem  string
	lastUser    string
	lastHistory []runtime.ChatMessage
	lastOpts    *runtime.GenOptions
	chatCalls   int
}

func (l *fakeLLM) Ask(ctx context.Context, prompt string, opts *runtime.GenOptions) (string, error) {
	l.lastPrompt = prompt
	l.lastOpts = opts
	return l.response, l.err
}

func (l *fakeLLM) AskChat(ctx context.Context, system, user string, history []runtime.ChatMessage, opts *runtime.GenOptions) (string, error) {
	l.chatCalls++
	l.lastSystem = system
	l.lastUser = user
	l.lastHistory = history
	l.lastOpts = opts
	return l.response, l.err
}

type fakePrompts struct {
	prompts map[string]string
}

func (p *fakePrompts) System(key string) (string, error) {
	if text, ok := p.prompts[key]; ok {
		return text, nil
	}
	return "", &promptMissingError{key: key}
}

type promptMissingError struct{ key string }

func (e *promptMissingError) Error() string { return "prompt not found: " + e.key }

type fakeHistory struct {
	pairs    []runtime.QAPair
	queryErr error
	startErr error
	finalErr error

	started   []runtime.TurnStart
	finalized []runtime.TurnFinal
}

func (h *fakeHistory) OnRequestStarted(ctx context.Context, start runtime.TurnStart) (string, error) {
	h.started = append(h.started, start)
	if h.startErr != nil {
		return "", h.startErr
	}
	return "turn-1", nil
}

func (h *fakeHistory) OnRequestFinalized(ctx context.Context, final runtime.TurnFinal) error {
	h.finalized = append(h.finalized, final)
	return h.finalErr
}

func (h *fakeHistory) RecentQANeutral(ctx context.Context, sessionID string, limit int) ([]runtime.QAPair, error) {
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	if limit < len(h.pairs) {
		return h.pairs[:limit], nil
	}
	return h.pairs, nil
}

type fakeTranslator struct {
	out string
	err error
}

func (t *fakeTranslator) Translate(ctx context.Context, text string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.out, nil
}

// fakeMarkdownTranslator prefers the markdown path when available.
type fakeMarkdownTranslator struct {
	fakeTranslator
	mdOut string
	mdErr error
}

func (t *fakeMarkdownTranslator) TranslateMarkdown(ctx context.Context, text string) (string, error) {
	if t.mdErr != nil {
		return "", t.mdErr
	}
	return t.mdOut, nil
}
