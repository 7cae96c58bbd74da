package pipeline

import (
	"fmt"
)

// Visibility modes for trace streaming.
const (
	VisibilityAllowed        = "allowed"
	VisibilityForbidden      = "forbidden"
	VisibilityExplicit       = "explicit"
	VisibilityPipelineDriven = "pipeline_driven"
)

// Defaults applied when settings omit a key.
const (
	DefaultMaxTurnLoops             = 4
	DefaultBudgetSafetyMarginTokens = 128
	DefaultMaxSteps                 = 200
)

// Settings is the merged pipeline settings map. Values come straight from YAML;
// typed access goes through the accessor methods below.
type Settings map[string]any

// Step is a single validated pipeline step. Raw holds the full step mapping as
// authored (action config and routing keys included); actions decode it themselves.
type Step struct {
	ID     string
	Action string
	Next   string
	End    bool
	Raw    map[string]any
}

// Definition is an immutable, validated pipeline.
type Definition struct {
	Name        string
	Settings    Settings
	EntryStepID string
	Steps       map[string]*Step
	StepOrder   []string
	Fingerprint string
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.Steps[id]
	return s, ok
}

func (s Settings) intValue(key string) (int, bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		return int(n), true, nil
	default:
		return 0, false, fmt.Errorf("settings.%s: expected integer, got %T", key, v)
	}
}

// Int returns the integer at key, or def when absent. Non-integer values error.
func (s Settings) Int(key string, def int) (int, error) {
	n, ok, err := s.intValue(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return n, nil
}

// RequireInt returns the integer at key or fails when absent.
func (s Settings) RequireInt(key string) (int, error) {
	n, ok, err := s.intValue(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("settings.%s: required but missing", key)
	}
	return n, nil
}

// String returns the string at key, or def when absent.
func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// Bool returns the bool at key, or def when absent.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// StringList returns the list at key. The second return reports presence; a
// present null value returns (nil, true, nil), meaning "no restriction".
func (s Settings) StringList(key string) ([]string, bool, error) {
	v, ok := s[key]
	if !ok {
		return nil, false, nil
	}
	if v == nil {
		return nil, true, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, true, fmt.Errorf("settings.%s: expected list of strings, got %T", key, v)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		str, ok := it.(string)
		if !ok {
			return nil, true, fmt.Errorf("settings.%s: expected string item, got %T", key, it)
		}
		out = append(out, str)
	}
	return out, true, nil
}

// MaxContextTokens is the global prompt-token budget. Required, positive.
func (s Settings) MaxContextTokens() (int, error) {
	n, err := s.RequireInt("max_context_tokens")
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("settings.max_context_tokens: must be > 0, got %d", n)
	}
	return n, nil
}

// MaxHistoryTokens is the history budget, zero disables history inclusion.
func (s Settings) MaxHistoryTokens() (int, error) {
	n, err := s.Int("max_history_tokens", 0)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("settings.max_history_tokens: must be >= 0, got %d", n)
	}
	return n, nil
}

// MaxTurnLoops caps loop_guard iterations.
func (s Settings) MaxTurnLoops() int {
	n, err := s.Int("max_turn_loops", DefaultMaxTurnLoops)
	if err != nil || n <= 0 {
		return DefaultMaxTurnLoops
	}
	return n
}

// BudgetSafetyMarginTokens is reserved headroom under the context budget.
func (s Settings) BudgetSafetyMarginTokens() int {
	n, err := s.Int("budget_safety_margin_tokens", DefaultBudgetSafetyMarginTokens)
	if err != nil || n < 0 {
		return DefaultBudgetSafetyMarginTokens
	}
	return n
}

// StagesVisibility returns the trace visibility mode (default allowed).
func (s Settings) StagesVisibility() string {
	mode := s.String("stages_visibility", VisibilityAllowed)
	switch mode {
	case VisibilityAllowed, VisibilityForbidden, VisibilityExplicit, VisibilityPipelineDriven:
		return mode
	default:
		return VisibilityAllowed
	}
}
