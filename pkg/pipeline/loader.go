package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StepValidator is an optional hook that validates a step's action-specific
// config at load time. The actions package provides the canonical one; the
// indirection keeps this package free of action imports.
type StepValidator func(step *Step, settings Settings) error

// Loader parses pipeline YAML files, resolves extends chains and caches
// validated definitions by content fingerprint.
type Loader struct {
	promptsDir   string
	validateStep StepValidator

	mu    sync.Mutex
	cache map[string]cachedDefinition
}

type cachedDefinition struct {
	fingerprint string
	def         *Definition
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPromptsDir makes referenced prompt files part of validation and of the
// definition fingerprint.
func WithPromptsDir(dir string) LoaderOption {
	return func(l *Loader) { l.promptsDir = dir }
}

// WithStepValidator installs per-action config validation.
func WithStepValidator(v StepValidator) LoaderOption {
	return func(l *Loader) { l.validateStep = v }
}

// NewLoader creates a pipeline loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{cache: make(map[string]cachedDefinition)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type rawDocument struct {
	Pipeline rawPipeline `yaml:"pipeline"`
}

type rawPipeline struct {
	Name        string           `yaml:"name"`
	Extends     string           `yaml:"extends"`
	EntryStepID string           `yaml:"entry_step_id"`
	Settings    map[string]any   `yaml:"settings"`
	Steps       []map[string]any `yaml:"steps"`
}

// Load reads, expands and validates the pipeline rooted at path. The result is
// cached; a changed file or prompt invalidates the cache via the fingerprint.
func (l *Loader) Load(path string) (*Definition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, NewError(CodeInvalidConfig, "resolve pipeline path %q: %v", path, err)
	}

	merged, sources, err := l.resolve(abs, map[string]bool{})
	if err != nil {
		return nil, err
	}

	def, err := l.build(merged)
	if err != nil {
		return nil, err
	}
	def.Fingerprint = l.fingerprint(sources, def)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cache[abs]; ok && c.fingerprint == def.Fingerprint {
		return c.def, nil
	}
	l.cache[abs] = cachedDefinition{fingerprint: def.Fingerprint, def: def}
	return def, nil
}

// Invalidate drops the cached definition for path, if any.
func (l *Loader) Invalidate(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		l.mu.Lock()
		delete(l.cache, abs)
		l.mu.Unlock()
	}
}

// resolve walks the extends chain root-first and returns the merged raw
// pipeline plus the source bytes of every file in the chain.
func (l *Loader) resolve(path string, visiting map[string]bool) (*rawPipeline, [][]byte, error) {
	if visiting[path] {
		return nil, nil, NewError(CodeInvalidConfig, "extends cycle at %q", path)
	}
	visiting[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, NewError(CodeInvalidConfig, "read pipeline %q: %v", path, err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, NewError(CodeInvalidConfig, "parse pipeline %q: %v", path, err)
	}
	child := doc.Pipeline

	if child.Extends == "" {
		return &child, [][]byte{data}, nil
	}

	parentPath := child.Extends
	if !filepath.IsAbs(parentPath) {
		parentPath = filepath.Join(filepath.Dir(path), parentPath)
	}
	parent, sources, err := l.resolve(parentPath, visiting)
	if err != nil {
		return nil, nil, err
	}

	merged := mergePipelines(parent, &child)
	return merged, append(sources, data), nil
}

// mergePipelines applies child over parent: deep-merged settings, step merge by
// id (child replaces whole step), child-first name and entry.
func mergePipelines(parent, child *rawPipeline) *rawPipeline {
	out := &rawPipeline{
		Name:        child.Name,
		EntryStepID: child.EntryStepID,
		Settings:    deepMerge(parent.Settings, child.Settings),
	}
	if out.Name == "" {
		out.Name = parent.Name
	}
	if out.EntryStepID == "" {
		out.EntryStepID = parent.EntryStepID
	}

	index := make(map[string]int)
	for _, raw := range parent.Steps {
		id, _ := raw["id"].(string)
		if pos, ok := index[id]; ok {
			out.Steps[pos] = raw
			continue
		}
		index[id] = len(out.Steps)
		out.Steps = append(out.Steps, raw)
	}
	for _, raw := range child.Steps {
		id, _ := raw["id"].(string)
		if pos, ok := index[id]; ok {
			out.Steps[pos] = raw
			continue
		}
		index[id] = len(out.Steps)
		out.Steps = append(out.Steps, raw)
	}
	return out
}

// deepMerge merges child over parent recursively; nested maps merge, anything
// else the child value wins.
func deepMerge(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		pv, ok := out[k]
		if ok {
			pm, pok := pv.(map[string]any)
			cm, cok := cv.(map[string]any)
			if pok && cok {
				out[k] = deepMerge(pm, cm)
				continue
			}
		}
		out[k] = cv
	}
	return out
}

// build turns a merged raw pipeline into a validated Definition.
func (l *Loader) build(raw *rawPipeline) (*Definition, error) {
	def := &Definition{
		Name:        raw.Name,
		Settings:    Settings(raw.Settings),
		EntryStepID: raw.EntryStepID,
		Steps:       make(map[string]*Step, len(raw.Steps)),
	}
	if def.Settings == nil {
		def.Settings = Settings{}
	}

	for i, rawStep := range raw.Steps {
		id, _ := rawStep["id"].(string)
		if id == "" {
			return nil, NewError(CodeInvalidConfig, "step %d: missing id", i)
		}
		if _, dup := def.Steps[id]; dup {
			return nil, NewError(CodeInvalidConfig, "duplicate step id %q", id)
		}
		action, _ := rawStep["action"].(string)
		if action == "" {
			return nil, NewError(CodeInvalidConfig, "step %q: missing action", id)
		}
		next, _ := rawStep["next"].(string)
		end, _ := rawStep["end"].(bool)
		def.Steps[id] = &Step{ID: id, Action: action, Next: next, End: end, Raw: rawStep}
		def.StepOrder = append(def.StepOrder, id)
	}

	if err := l.validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// fingerprint hashes the extends chain sources plus every referenced prompt
// file, so the definition cache invalidates on either changing.
func (l *Loader) fingerprint(sources [][]byte, def *Definition) string {
	h := sha256.New()
	for _, src := range sources {
		h.Write(src)
		h.Write([]byte{0})
	}
	for _, key := range l.promptKeys(def) {
		if l.promptsDir == "" {
			break
		}
		data, err := os.ReadFile(filepath.Join(l.promptsDir, key+".md"))
		if err != nil {
			continue
		}
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// promptKeys collects prompt file keys referenced by steps, sorted and unique.
func (l *Loader) promptKeys(def *Definition) []string {
	seen := make(map[string]bool)
	for _, id := range def.StepOrder {
		raw := def.Steps[id].Raw
		for _, field := range []string{"prompt_key", "translate_prompt_key"} {
			if key, ok := raw[field].(string); ok && key != "" {
				seen[key] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadBytes parses a single pipeline document from memory. Used by tests and
// the validate CLI; no extends resolution beyond what resolve provides for
// file-based parents is attempted.
func (l *Loader) LoadBytes(data []byte) (*Definition, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewError(CodeInvalidConfig, "parse pipeline: %v", err)
	}
	if doc.Pipeline.Extends != "" {
		return nil, NewError(CodeInvalidConfig, "extends is not supported for in-memory pipelines")
	}
	def, err := l.build(&doc.Pipeline)
	if err != nil {
		return nil, err
	}
	def.Fingerprint = l.fingerprint([][]byte{data}, def)
	return def, nil
}
