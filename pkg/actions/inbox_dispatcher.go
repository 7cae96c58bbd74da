package actions

import (
	"context"

	"github.com/kadirpekel/codeqa/pkg/jsonish"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("inbox_dispatcher", newInboxDispatcher)
}

const defaultDirectivesKey = "dispatch"

// directiveReservedKeys never pass into a message payload.
var directiveReservedKeys = map[string]bool{
	"target_step_id": true,
	"target":         true,
	"id":             true,
	"topic":          true,
	"payload":        true,
}

type dispatchRule struct {
	Topic     string            `yaml:"topic"`
	AllowKeys []string          `yaml:"allow_keys"`
	Rename    map[string]string `yaml:"rename"`
}

type inboxDispatcherConfig struct {
	Rules         map[string]dispatchRule `yaml:"rules"`
	DirectivesKey string                  `yaml:"directives_key"`
}

type inboxDispatcher struct {
	cfg inboxDispatcherConfig
}

func newInboxDispatcher(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg inboxDispatcherConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, requireField("inbox_dispatcher", "rules")
	}
	if cfg.DirectivesKey == "" {
		cfg.DirectivesKey = defaultDirectivesKey
	}
	return &inboxDispatcher{cfg: cfg}, nil
}

func (a *inboxDispatcher) Name() string { return "inbox_dispatcher" }

// Execute parses side-channel directives out of the model payload and
// enqueues inbox messages for allowed targets. Routing never changes here;
// the subsequent router decides where the run goes.
func (a *inboxDispatcher) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	payload, ok := jsonish.Parse(st.LastModelResponse)
	if !ok {
		return Next(), nil
	}

	directives := coerceDirectives(payload[a.cfg.DirectivesKey])
	enqueued := 0
	for _, directive := range directives {
		msg, ok := a.buildMessage(directive, step.ID)
		if !ok {
			continue
		}
		st.Enqueue(msg)
		enqueued++
	}
	if enqueued > 0 {
		st.Trace.Summary = "dispatched inbox directives"
		st.Trace.Details = map[string]any{"enqueued": enqueued}
	}
	return Next(), nil
}

// coerceDirectives accepts a list of directives or a single directive dict.
func coerceDirectives(v any) []map[string]any {
	switch val := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{val}
	default:
		return nil
	}
}

// buildMessage applies target resolution, topic resolution, allow-key
// filtering and renames. A directive that yields an empty payload is dropped;
// the allow-list is the idempotency barrier under dispatcher retries.
func (a *inboxDispatcher) buildMessage(directive map[string]any, senderID string) (state.Message, bool) {
	target := ""
	for _, key := range []string{"target_step_id", "target", "id"} {
		if v, ok := jsonish.String(directive, key); ok && v != "" {
			target = v
			break
		}
	}
	rule, ok := a.cfg.Rules[target]
	if !ok {
		return state.Message{}, false
	}

	topic, _ := jsonish.String(directive, "topic")
	if topic == "" {
		topic = rule.Topic
	}
	if topic == "" {
		topic = "config"
	}

	candidate, ok := directive["payload"].(map[string]any)
	if !ok {
		// Shorthand: every non-reserved key is payload.
		candidate = make(map[string]any)
		for k, v := range directive {
			if !directiveReservedKeys[k] {
				candidate[k] = v
			}
		}
	}

	allowed := make(map[string]bool, len(rule.AllowKeys))
	for _, k := range rule.AllowKeys {
		allowed[k] = true
	}
	filtered := make(map[string]any)
	for k, v := range candidate {
		if !allowed[k] {
			continue
		}
		name := k
		if renamed, ok := rule.Rename[k]; ok && renamed != "" {
			name = renamed
		}
		filtered[name] = v
	}
	if len(filtered) == 0 {
		return state.Message{}, false
	}

	return state.Message{
		TargetStepID: target,
		Topic:        topic,
		Payload:      filtered,
		SenderStepID: senderID,
	}, true
}
