package state

import (
	"fmt"
	"strings"
)

// Getter reads a named value off the run state. call_model user_parts sources
// and set_variables `from` resolve through this registry; unknown names are
// fatal, there is no reflection fallback.
type Getter func(*State) (any, error)

// Setter writes a named value into the run state.
type Setter func(*State, any) error

var getters = map[string]Getter{
	"user_query":          func(s *State) (any, error) { return s.UserQuery, nil },
	"user_question_en":    func(s *State) (any, error) { return s.UserQuestionEN, nil },
	"last_model_response": func(s *State) (any, error) { return s.LastModelResponse, nil },
	"last_prefix":         func(s *State) (any, error) { return s.LastPrefix, nil },
	"answer_neutral":      func(s *State) (any, error) { return s.AnswerNeutral, nil },
	"answer_translated":   func(s *State) (any, error) { return s.AnswerTranslated, nil },
	"final_answer":        func(s *State) (any, error) { return s.FinalAnswer, nil },
	"banner_neutral":      func(s *State) (any, error) { return s.BannerNeutral, nil },
	"repository":          func(s *State) (any, error) { return s.Repository, nil },
	"branch":              func(s *State) (any, error) { return s.Branch, nil },
	"snapshot_id":         func(s *State) (any, error) { return s.SnapshotID, nil },
	"snapshot_id_b":       func(s *State) (any, error) { return s.SnapshotIDB, nil },
	"session_id":          func(s *State) (any, error) { return s.SessionID, nil },
	"context_blocks": func(s *State) (any, error) {
		return strings.Join(s.ContextBlocks, "\n\n"), nil
	},
	"history_blocks": func(s *State) (any, error) {
		return strings.Join(s.HistoryBlocks, "\n"), nil
	},
	"retrieval_seed_nodes": func(s *State) (any, error) {
		return strings.Join(s.RetrievalSeedNodes, ", "), nil
	},
}

var setters = map[string]Setter{
	"user_question_en":    assignString(func(s *State, v string) { s.UserQuestionEN = v }),
	"last_model_response": assignString(func(s *State, v string) { s.LastModelResponse = v }),
	"answer_neutral":      assignString(func(s *State, v string) { s.AnswerNeutral = v }),
	"answer_translated":   assignString(func(s *State, v string) { s.AnswerTranslated = v }),
	"final_answer":        assignString(func(s *State, v string) { s.FinalAnswer = v }),
	"banner_neutral":      assignString(func(s *State, v string) { s.BannerNeutral = v }),
	"banner_translated":   assignString(func(s *State, v string) { s.BannerTranslated = v }),
	"context_blocks": func(s *State, v any) error {
		blocks, err := toStringList(v)
		if err != nil {
			return fmt.Errorf("context_blocks: %w", err)
		}
		s.ContextBlocks = blocks
		return nil
	},
	"history_blocks": func(s *State, v any) error {
		blocks, err := toStringList(v)
		if err != nil {
			return fmt.Errorf("history_blocks: %w", err)
		}
		s.HistoryBlocks = blocks
		return nil
	},
}

func assignString(set func(*State, string)) Setter {
	return func(s *State, v any) error {
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		set(s, str)
		return nil
	}
}

func toStringList(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, it := range val {
			str, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("expected string item, got %T", it)
			}
			out = append(out, str)
		}
		return out, nil
	case string:
		return []string{val}, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}

// Get resolves a registered state attribute by name.
func Get(s *State, name string) (any, error) {
	g, ok := getters[name]
	if !ok {
		return nil, fmt.Errorf("unknown state attribute %q", name)
	}
	return g(s)
}

// GetString resolves a registered attribute and renders it as a string.
func GetString(s *State, name string) (string, error) {
	v, err := Get(s, name)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// Set writes a registered state attribute by name.
func Set(s *State, name string, value any) error {
	set, ok := setters[name]
	if !ok {
		return fmt.Errorf("unknown writable state attribute %q", name)
	}
	return set(s, value)
}

// HasGetter reports whether name is a readable attribute. Load-time validation
// uses this to fail fast on typos in user_parts sources.
func HasGetter(name string) bool {
	_, ok := getters[name]
	return ok
}

// HasSetter reports whether name is a writable attribute.
func HasSetter(name string) bool {
	_, ok := setters[name]
	return ok
}

// NormalizeQuery canonicalizes a query for repeat detection: trim, lower,
// collapse inner whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
