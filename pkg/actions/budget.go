package actions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("manage_context_budget", newManageContextBudget)
}

// Compaction policies and the languages compaction knows about.
const (
	policyAlways    = "always"
	policyThreshold = "threshold"
	policyDemand    = "demand"

	langSQL     = "sql"
	langDotnet  = "dotnet"
	langUnknown = "unknown"
)

type compactRule struct {
	Language  string   `yaml:"language"`
	Policy    string   `yaml:"policy"`
	Threshold *float64 `yaml:"threshold"`
	InboxKey  string   `yaml:"inbox_key"`
}

type compactCode struct {
	Rules []compactRule `yaml:"rules"`
}

type manageBudgetConfig struct {
	OnOK             string      `yaml:"on_ok"`
	OnOver           string      `yaml:"on_over"`
	CompactCode      compactCode `yaml:"compact_code"`
	DivideNewContent string      `yaml:"divide_new_content"`
}

type manageContextBudget struct {
	cfg manageBudgetConfig
}

func newManageContextBudget(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg manageBudgetConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.OnOK == "" {
		return nil, requireField("manage_context_budget", "on_ok")
	}
	if cfg.OnOver == "" {
		return nil, requireField("manage_context_budget", "on_over")
	}
	for i, rule := range cfg.CompactCode.Rules {
		if rule.Language != langSQL && rule.Language != langDotnet {
			return nil, fmt.Errorf("manage_context_budget: rules[%d]: unknown language %q", i, rule.Language)
		}
		switch rule.Policy {
		case policyAlways:
		case policyThreshold:
			if rule.Threshold == nil || *rule.Threshold <= 0 || *rule.Threshold > 1 {
				return nil, fmt.Errorf("manage_context_budget: rules[%d]: threshold must be in (0,1]", i)
			}
		case policyDemand:
			if rule.InboxKey == "" {
				return nil, fmt.Errorf("manage_context_budget: rules[%d]: demand policy requires inbox_key", i)
			}
		default:
			return nil, fmt.Errorf("manage_context_budget: rules[%d]: unknown policy %q", i, rule.Policy)
		}
	}
	if _, err := settings.MaxContextTokens(); err != nil {
		return nil, fmt.Errorf("manage_context_budget: %v", err)
	}
	return &manageContextBudget{cfg: cfg}, nil
}

func (a *manageContextBudget) Name() string { return "manage_context_budget" }

func (a *manageContextBudget) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	if rt.Tokens == nil {
		return Route{}, pipeline.StepError(pipeline.CodeStepFatal, step.ID, "no token counter configured")
	}
	maxCtx, err := def.Settings.MaxContextTokens()
	if err != nil {
		return Route{}, pipeline.StepError(pipeline.CodeInvalidConfig, step.ID, "%v", err)
	}

	if len(st.NodeTexts) == 0 {
		st.Trace.Summary = "no pending nodes, budget ok"
		return Override(a.cfg.OnOK), nil
	}

	// Demand compaction activates only through a consumed inbox message with
	// the rule's topic.
	demanded := make(map[string]bool)
	for _, msg := range st.InboxLastConsumed {
		demanded[msg.Topic] = true
	}

	rawTotal := 0
	for _, nt := range st.NodeTexts {
		rawTotal += rt.Tokens.Count(nt.Text)
	}

	// First pass: decide per-node compaction and render the blocks.
	type rendered struct {
		block string
		cost  int
	}
	blocks := make([]rendered, 0, len(st.NodeTexts))
	bufferTotal := 0
	for _, nt := range st.NodeTexts {
		lang := detectLanguage(nt.ID, nt.Text)
		text := nt.Text
		compacted := false
		if rule, ok := a.matchRule(lang); ok {
			switch rule.Policy {
			case policyAlways:
				compacted = true
			case policyThreshold:
				compacted = float64(rawTotal) > *rule.Threshold*float64(maxCtx)
			case policyDemand:
				compacted = demanded[rule.InboxKey]
			}
		}
		if compacted {
			text = compactText(lang, text)
		}
		block := formatNodeBlock(nt.ID, lang, compacted, text)
		cost := rt.Tokens.Count(block)
		bufferTotal += cost
		blocks = append(blocks, rendered{block: block, cost: cost})
	}

	// The retrieval buffer alone exceeding the global budget is a pipeline
	// authoring error, not a runtime condition to retry out of.
	if bufferTotal > maxCtx {
		return Route{}, pipeline.StepError(pipeline.CodeBudgetMisconfig, step.ID,
			"retrieval buffer (%d tokens) exceeds max_context_tokens (%d)", bufferTotal, maxCtx)
	}

	existing := 0
	for _, block := range st.ContextBlocks {
		existing += rt.Tokens.Count(block)
	}
	budget := maxCtx - def.Settings.BudgetSafetyMarginTokens()

	total := existing
	for _, b := range blocks {
		total += b.cost
	}
	if total > budget {
		// Preserve demand across the retry: consumed demand messages go back
		// to this step's inbox untouched.
		demandKeys := make(map[string]bool)
		for _, rule := range a.cfg.CompactCode.Rules {
			if rule.Policy == policyDemand {
				demandKeys[rule.InboxKey] = true
			}
		}
		for _, msg := range st.InboxLastConsumed {
			if demandKeys[msg.Topic] {
				st.Enqueue(msg)
			}
		}
		st.Trace.Summary = fmt.Sprintf("over budget: %d of %d tokens", total, budget)
		st.Trace.Details = map[string]any{"total": total, "budget": budget, "existing": existing}
		return Override(a.cfg.OnOver), nil
	}

	if a.cfg.DivideNewContent != "" && len(st.ContextBlocks) > 0 {
		st.ContextBlocks = append(st.ContextBlocks, a.cfg.DivideNewContent)
	}
	for _, b := range blocks {
		st.ContextBlocks = append(st.ContextBlocks, b.block)
	}
	st.NodeTexts = nil

	st.Trace.Summary = fmt.Sprintf("accepted %d blocks, %d of %d tokens", len(blocks), total, budget)
	st.Trace.Details = map[string]any{"blocks": len(blocks), "total": total, "budget": budget}
	return Override(a.cfg.OnOK), nil
}

func (a *manageContextBudget) matchRule(lang string) (compactRule, bool) {
	for _, rule := range a.cfg.CompactCode.Rules {
		if rule.Language == lang {
			return rule, true
		}
	}
	return compactRule{}, false
}

// formatNodeBlock renders the deterministic node block: a fixed five-line
// header, then the text marker and body. Byte-identical for identical inputs.
func formatNodeBlock(id, lang string, compact bool, text string) string {
	var b strings.Builder
	b.WriteString("--- node ---\n")
	b.WriteString("id: " + id + "\n")
	b.WriteString("path: " + nodePath(id) + "\n")
	b.WriteString("language: " + lang + "\n")
	b.WriteString(fmt.Sprintf("compact: %t\n", compact))
	b.WriteString("text:\n")
	b.WriteString(text)
	return b.String()
}

// nodePath extracts the file path component of a canonical node id
// ("path::symbol" or a bare path).
func nodePath(id string) string {
	if idx := strings.Index(id, "::"); idx >= 0 {
		return id[:idx]
	}
	return id
}

var dotnetHints = regexp.MustCompile(`(?m)^\s*(namespace\s+\w|using\s+System|public\s+(class|interface|struct|sealed)|private\s+\w|\[Assembly)`)
var sqlHints = regexp.MustCompile(`(?im)^\s*(SELECT\s|INSERT\s+INTO|CREATE\s+(TABLE|PROCEDURE|VIEW|INDEX)|UPDATE\s+\w+\s+SET|DELETE\s+FROM|BEGIN\s+TRAN)`)

// detectLanguage classifies a snippet as sql, dotnet or unknown from the node
// id suffix first, content heuristics second.
func detectLanguage(id, text string) string {
	path := strings.ToLower(nodePath(id))
	switch {
	case strings.HasSuffix(path, ".sql"):
		return langSQL
	case strings.HasSuffix(path, ".cs"), strings.HasSuffix(path, ".vb"), strings.HasSuffix(path, ".csproj"):
		return langDotnet
	}
	if sqlHints.MatchString(text) {
		return langSQL
	}
	if dotnetHints.MatchString(text) {
		return langDotnet
	}
	return langUnknown
}

var (
	sqlLineComment    = regexp.MustCompile(`(?m)--[^\n]*`)
	blockComment      = regexp.MustCompile(`(?s)/\*.*?\*/`)
	dotnetLineComment = regexp.MustCompile(`(?m)//[^\n]*`)
	blankLines        = regexp.MustCompile(`\n{3,}`)
	trailingSpace     = regexp.MustCompile(`(?m)[ \t]+$`)
)

// compactText applies the per-language compaction: comments stripped, blank
// runs collapsed. Lossy but structure-preserving.
func compactText(lang, text string) string {
	switch lang {
	case langSQL:
		text = sqlLineComment.ReplaceAllString(text, "")
		text = blockComment.ReplaceAllString(text, "")
	case langDotnet:
		text = dotnetLineComment.ReplaceAllString(text, "")
		text = blockComment.ReplaceAllString(text, "")
	default:
		return text
	}
	text = trailingSpace.ReplaceAllString(text, "")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
