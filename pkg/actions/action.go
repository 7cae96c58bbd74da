// Package actions implements the pipeline step executors. Each action is a
// small deterministic unit registered by name; the loader validates step
// config through the same factories the engine instantiates from.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

type routeKind int

const (
	routeNext routeKind = iota
	routeOverride
	routeTerminate
)

// Route is an action's routing result: follow the step's next, jump to an
// explicit step id, or terminate the run.
type Route struct {
	kind   routeKind
	target string
}

// Next follows the step's configured next transition.
func Next() Route { return Route{kind: routeNext} }

// Override jumps to the given step id.
func Override(id string) Route { return Route{kind: routeOverride, target: id} }

// Terminate ends the run after this step.
func Terminate() Route { return Route{kind: routeTerminate} }

// IsTerminate reports a terminate route.
func (r Route) IsTerminate() bool { return r.kind == routeTerminate }

// OverrideTarget returns the explicit target, when present.
func (r Route) OverrideTarget() (string, bool) {
	return r.target, r.kind == routeOverride
}

// Action executes one pipeline step against the run state.
type Action interface {
	Name() string
	Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error)
}

// Factory builds a validated action from a step definition. Config errors
// must surface here so the loader fails fast.
type Factory func(step *pipeline.Step, settings pipeline.Settings) (Action, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory for an action name. Duplicate names panic at
// init time.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("actions: duplicate registration for %q", name))
	}
	registry[name] = factory
}

// New instantiates the action for a step, validating its config.
func New(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	registryMu.RLock()
	factory, ok := registry[step.Action]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", step.Action)
	}
	return factory(step, settings)
}

// Names lists the registered action names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateStep is the loader hook: instantiating the action runs its full
// config validation.
func ValidateStep(step *pipeline.Step, settings pipeline.Settings) error {
	_, err := New(step, settings)
	return err
}

// decodeConfig decodes a step's raw mapping into a typed config the way the
// config loader decodes YAML: weakly typed, yaml tags.
func decodeConfig(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode step config: %w", err)
	}
	return nil
}

// requireField returns a structured missing-field error.
func requireField(action, field string) error {
	return fmt.Errorf("%s: %q is required", action, field)
}
