package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func init() {
	Register("add_command_action", newAddCommand)
}

// knownCommandTypes maps a command type to its link template. {} receives the
// current snapshot id. Unknown types are skipped, not fatal: new command
// types can ship in pipelines ahead of the engine.
var knownCommandTypes = map[string]string{
	"reindex":       "[Reindex this snapshot](command:reindex?snapshot={})",
	"open_snapshot": "[Open snapshot](command:open?snapshot={})",
	"compare":       "[Compare snapshots](command:compare?a={}&b={b})",
}

// answerFieldPriority is the order in which the action picks the text to
// append to. The first non-empty field wins.
var answerFieldPriority = []string{
	"final_answer",
	"answer_translated",
	"answer_neutral",
	"last_model_response",
}

type commandSpec struct {
	Type  string `yaml:"type"`
	Label string `yaml:"label"`
}

type addCommandConfig struct {
	Commands []commandSpec `yaml:"commands"`
}

type addCommand struct {
	cfg addCommandConfig
}

func newAddCommand(step *pipeline.Step, settings pipeline.Settings) (Action, error) {
	var cfg addCommandConfig
	if err := decodeConfig(step.Raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Commands) == 0 {
		return nil, requireField("add_command_action", "commands")
	}
	for i, cmd := range cfg.Commands {
		if cmd.Type == "" {
			return nil, fmt.Errorf("add_command_action: commands[%d]: missing type", i)
		}
	}
	return &addCommand{cfg: cfg}, nil
}

func (a *addCommand) Name() string { return "add_command_action" }

// Execute appends permission-gated command links to the current answer text.
// Commands the caller did not allow are silently skipped.
func (a *addCommand) Execute(ctx context.Context, rt *runtime.Runtime, def *pipeline.Definition, step *pipeline.Step, st *state.State) (Route, error) {
	var links []string
	for _, cmd := range a.cfg.Commands {
		if !st.AllowedCommands[cmd.Type] {
			continue
		}
		tmpl, ok := knownCommandTypes[cmd.Type]
		if !ok {
			slog.Debug("Skipping unknown command type", "type", cmd.Type, "step", step.ID)
			continue
		}
		link := strings.ReplaceAll(tmpl, "{}", st.SnapshotID)
		link = strings.ReplaceAll(link, "{b}", st.SnapshotIDB)
		if cmd.Label != "" {
			if open := strings.Index(link, "["); open >= 0 {
				if end := strings.Index(link, "]"); end > open {
					link = link[:open+1] + cmd.Label + link[end:]
				}
			}
		}
		links = append(links, link)
	}

	if len(links) == 0 {
		return Next(), nil
	}

	field, text := a.pickAnswerField(st)
	if field == "" {
		return Next(), nil
	}
	appended := text + "\n\n" + strings.Join(links, "\n")
	if err := state.Set(st, field, appended); err != nil {
		return Route{}, pipeline.WrapStep(step.ID, err)
	}
	st.Trace.Summary = fmt.Sprintf("added %d command links to %s", len(links), field)
	return Next(), nil
}

// pickAnswerField returns the first non-empty answer field by priority.
func (a *addCommand) pickAnswerField(st *state.State) (string, string) {
	for _, name := range answerFieldPriority {
		text, err := state.GetString(st, name)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			return name, text
		}
	}
	return "", ""
}
