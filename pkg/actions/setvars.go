package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/jsonish"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("set_variables", newSetVariables)
}

const (
	transformCopy          = "copy"
	transformToList        = "to_list"
	transformSplitLines    = "split_lines"
	transformParseJSON     = "parse_json"
	transformContextBlocks = "to_context_blocks"
	transformClear         = "clear"
)

// setRule is one sequential assignment. Exactly one of From and Value feeds
// the transform, except clear which takes neither.
type setRule struct {
	Set       string  `yaml:"set"`
	From      string  `yaml:"from"`
	Value     *string `yaml:"value"`
	Transform string  `yaml:"transform"`
}

type setVariablesConfig struct {
	Rules []setRule `yaml:"rules"`
}

type setVariables struct {
	cfg setVariablesConfig
}

func newSetVariables(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg setVariablesConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, requireField("set_variables", "rules")
	}
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if rule.Transform == "" {
			rule.Transform = transformCopy
		}
		if err := validateSetRule(i, rule); err != nil {
			return nil, err
		}
	}
	return &setVariables{cfg: cfg}, nil
}

func validateSetRule(i int, rule *setRule) error {
	if rule.Set == "" {
		return fmt.Errorf("set_variables: rules[%d]: missing set", i)
	}
	if !state.HasSetter(rule.Set) {
		return fmt.Errorf("set_variables: rules[%d]: %q is not a writable state attribute", i, rule.Set)
	}
	switch rule.Transform {
	case transformCopy, transformToList, transformSplitLines, transformParseJSON, transformContextBlocks:
		if rule.From != "" && rule.Value != nil {
			return fmt.Errorf("set_variables: rules[%d]: from and value are mutually exclusive", i)
		}
		if rule.From == "" && rule.Value == nil {
			return fmt.Errorf("set_variables: rules[%d]: one of from or value is required", i)
		}
		if rule.From != "" && !state.HasGetter(rule.From) {
			return fmt.Errorf("set_variables: rules[%d]: %q is not a readable state attribute", i, rule.From)
		}
	case transformClear:
		if rule.From != "" || rule.Value != nil {
			return fmt.Errorf("set_variables: rules[%d]: clear takes neither from nor value", i)
		}
	default:
		return fmt.Errorf("set_variables: rules[%d]: unknown transform %q", i, rule.Transform)
	}
	return nil
}

func (a *setVariables) Name() string { return "set_variables" }

// Execute applies the rules in order. The first failing rule aborts the step;
// earlier assignments stay applied.
func (a *setVariables) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	for i, rule := range a.cfg.Rules {
		if err := applySetRule(st, rule); err != nil {
			return Route{}, pipeline.WrapStep(step.ID, fmt.Errorf("set_variables: rules[%d]: %w", i, err))
		}
	}
	st.Trace.Summary = fmt.Sprintf("applied %d variable rules", len(a.cfg.Rules))
	return Next(), nil
}

func applySetRule(st *state.State, rule setRule) error {
	if rule.Transform == transformClear {
		return state.Set(st, rule.Set, clearValueFor(rule.Set))
	}

	var input string
	if rule.From != "" {
		v, err := state.GetString(st, rule.From)
		if err != nil {
			return err
		}
		input = v
	} else {
		input = *rule.Value
	}

	switch rule.Transform {
	case transformCopy:
		return state.Set(st, rule.Set, input)
	case transformToList, transformContextBlocks:
		if strings.TrimSpace(input) == "" {
			return state.Set(st, rule.Set, []string(nil))
		}
		return state.Set(st, rule.Set, []string{input})
	case transformSplitLines:
		var lines []string
		for _, line := range strings.Split(input, "\n") {
			if trimmed := strings.TrimRight(line, "\r"); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		return state.Set(st, rule.Set, lines)
	case transformParseJSON:
		parsed, ok := jsonish.Parse(input)
		if !ok {
			return fmt.Errorf("parse_json: input is not JSON-like")
		}
		return state.Set(st, rule.Set, jsonish.Compact(parsed))
	default:
		return fmt.Errorf("unknown transform %q", rule.Transform)
	}
}

// clearValueFor picks the zero value the target setter accepts.
func clearValueFor(name string) any {
	switch name {
	case "context_blocks", "history_blocks":
		return []string(nil)
	default:
		return ""
	}
}
