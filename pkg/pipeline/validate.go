package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Routing keys whose values are step ids. "routes" is handled separately since
// its shape differs between router kinds.
var routingKeys = []string{
	"next", "on_ok", "on_over", "on_allow", "on_deny",
	"on_repeat", "on_other", "on_done", "search_action", "fork_step",
}

// RoutingTargets returns every step id the step can transition to, in a
// deterministic order. Inbox dispatch targets are not transitions and are
// validated by the dispatcher's own config check.
func RoutingTargets(step *Step) []string {
	var targets []string
	for _, key := range routingKeys {
		if v, ok := step.Raw[key].(string); ok && v != "" {
			targets = append(targets, v)
		}
	}
	if routes, ok := step.Raw["routes"].([]any); ok {
		// prefix_router shape: ordered list of {kind, prefix, next}
		for _, item := range routes {
			if m, ok := item.(map[string]any); ok {
				if next, ok := m["next"].(string); ok && next != "" {
					targets = append(targets, next)
				}
			}
		}
	}
	if routes, ok := step.Raw["routes"].(map[string]any); ok {
		keys := make([]string, 0, len(routes))
		for k := range routes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch rv := routes[k].(type) {
			case string:
				// json_decision_router shape: decision -> next step id
				if rv != "" {
					targets = append(targets, rv)
				}
			case map[string]any:
				// prefix_router shape: kind -> {prefix, next}
				if next, ok := rv["next"].(string); ok && next != "" {
					targets = append(targets, next)
				}
			}
		}
	}
	return targets
}

func (l *Loader) validate(def *Definition) error {
	if len(def.Steps) == 0 {
		return NewError(CodeInvalidConfig, "pipeline %q has no steps", def.Name)
	}
	if def.EntryStepID == "" {
		return NewError(CodeInvalidConfig, "pipeline %q: entry_step_id is required", def.Name)
	}
	if _, ok := def.Steps[def.EntryStepID]; !ok {
		return NewError(CodeInvalidConfig, "pipeline %q: entry_step_id %q does not resolve", def.Name, def.EntryStepID)
	}

	for _, id := range def.StepOrder {
		step := def.Steps[id]
		for _, target := range RoutingTargets(step) {
			if _, ok := def.Steps[target]; !ok {
				return StepError(CodeInvalidConfig, id, "references unknown step %q", target)
			}
		}
		if l.promptsDir != "" {
			if err := l.checkPromptFiles(step); err != nil {
				return err
			}
		}
		if l.validateStep != nil {
			if err := l.validateStep(step, def.Settings); err != nil {
				return StepError(CodeInvalidConfig, id, "invalid config: %v", err)
			}
		}
	}

	if err := checkTerminality(def); err != nil {
		return err
	}
	warnUnreachable(def)
	return nil
}

func (l *Loader) checkPromptFiles(step *Step) error {
	for _, field := range []string{"prompt_key", "translate_prompt_key"} {
		key, ok := step.Raw[field].(string)
		if !ok || key == "" {
			continue
		}
		path := filepath.Join(l.promptsDir, key+".md")
		if _, err := os.Stat(path); err != nil {
			return StepError(CodeInvalidConfig, step.ID, "%s %q: prompt file %s not found", field, key, path)
		}
	}
	return nil
}

// checkTerminality requires at least one reachable way to end the run: a step
// flagged end:true, or a step with no outgoing transitions at all.
func checkTerminality(def *Definition) error {
	for _, id := range def.StepOrder {
		step := def.Steps[id]
		if step.End {
			return nil
		}
		if len(RoutingTargets(step)) == 0 {
			return nil
		}
	}
	return NewError(CodeInvalidConfig, "pipeline %q has no terminal step (end: true or a step without transitions)", def.Name)
}

// warnUnreachable logs steps not reachable from the entry. Authoring aid only;
// unreachable steps are legal (inbox dispatch targets often look unreachable).
func warnUnreachable(def *Definition) {
	reached := map[string]bool{def.EntryStepID: true}
	queue := []string{def.EntryStepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, target := range RoutingTargets(def.Steps[id]) {
			if !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}
	for _, id := range def.StepOrder {
		if !reached[id] {
			slog.Warn("Pipeline step not reachable from entry", "pipeline", def.Name, "step", id)
		}
	}
}
