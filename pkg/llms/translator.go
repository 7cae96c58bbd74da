package llms

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// TranslatorConfig configures the LLM-backed translator.
type TranslatorConfig struct {
	// TargetLanguage is the language user-facing text is translated into.
	TargetLanguage string `yaml:"target_language"`
	// PivotLanguage is the neutral pipeline language, default English.
	PivotLanguage string `yaml:"pivot_language"`
}

// LLMTranslator implements runtime.MarkdownTranslator on top of any
// LLMClient. Translate moves text into the pivot language; TranslateMarkdown
// moves it to the target language preserving markdown structure.
type LLMTranslator struct {
	llm    runtime.LLMClient
	target string
	pivot  string
}

// NewLLMTranslator creates the translator.
func NewLLMTranslator(llm runtime.LLMClient, cfg TranslatorConfig) (*LLMTranslator, error) {
	if llm == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.TargetLanguage == "" {
		return nil, fmt.Errorf("target language is required")
	}
	pivot := cfg.PivotLanguage
	if pivot == "" {
		pivot = "English"
	}
	return &LLMTranslator{llm: llm, target: cfg.TargetLanguage, pivot: pivot}, nil
}

// Translate renders text in the pivot language, plain text only.
func (t *LLMTranslator) Translate(ctx context.Context, text string) (string, error) {
	system := fmt.Sprintf(
		"You are a translator. Translate the user's text to %s. Reply with the translation only, no commentary.",
		t.pivot,
	)
	out, err := t.llm.AskChat(ctx, system, text, nil, nil)
	if err != nil {
		return "", fmt.Errorf("translation failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// TranslateMarkdown renders text in the target language, preserving markdown
// structure, code fences and inline code verbatim.
func (t *LLMTranslator) TranslateMarkdown(ctx context.Context, text string) (string, error) {
	system := fmt.Sprintf(
		"You are a translator. Translate the user's markdown to %s. Preserve all markdown structure; never translate code blocks, inline code, file paths or identifiers. Reply with the translation only.",
		t.target,
	)
	out, err := t.llm.AskChat(ctx, system, text, nil, nil)
	if err != nil {
		return "", fmt.Errorf("markdown translation failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

var _ runtime.MarkdownTranslator = (*LLMTranslator)(nil)
