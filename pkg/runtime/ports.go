// Package runtime defines the collaborator ports the pipeline engine depends
// on and the Runtime bundle handed to actions. Implementations live in their
// own packages (retrieval, graph, history, tokens); the engine only sees these
// interfaces.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by providers that do not implement an optional
// operation. Callers degrade to a recorded no-op.
var ErrUnsupported = errors.New("operation not supported by provider")

// Search types accepted by RetrievalBackend.Search.
const (
	SearchSemantic = "semantic"
	SearchBM25     = "bm25"
	SearchHybrid   = "hybrid"
)

// Scope is the minimal context under which node ids are unique. Filters carry
// the sacred ACL constraints; backends must enforce them on every operation.
type Scope struct {
	Repository  string
	Branch      string
	ActiveIndex string
	Filters     map[string]any
}

// SearchRequest is one retrieval call. Rerank is a hint: backends that rerank
// natively report "rerank_native" in the result debug map; otherwise the
// search action reranks the widened pool in-process.
type SearchRequest struct {
	SearchType   string
	Query        string
	TopK         int
	Scope        Scope
	BM25Operator string
	Rerank       string
	RRFK         int
}

// Hit is a ranked retrieval result. Rank is 1-based.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

// SearchResult is the backend's answer. Debug is free-form diagnostics.
type SearchResult struct {
	Hits  []Hit
	Debug map[string]any
}

// RetrievalBackend searches a corpus and fetches node texts. Both operations
// must enforce the ACL filters in the scope.
type RetrievalBackend interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	FetchTexts(ctx context.Context, ids []string, scope Scope) (map[string]string, error)
}

// NodeMeta is per-node security metadata. Backends that can serve it
// implement MetadataFetcher; fetch_node_texts aggregates the unions.
type NodeMeta struct {
	ACLLabels            []string
	ClassificationLabels []string
	DocLevel             int
}

// MetadataFetcher is an optional RetrievalBackend capability.
type MetadataFetcher interface {
	FetchMeta(ctx context.Context, ids []string, scope Scope) (map[string]NodeMeta, error)
}

// ExpandRequest asks the graph store for the dependency neighborhood of seeds.
type ExpandRequest struct {
	Seeds         []string
	Scope         Scope
	MaxDepth      int
	MaxNodes      int
	EdgeAllowlist []string
}

// GraphEdge is a raw edge as returned by a provider. Legacy providers may fill
// From/To/Type instead of the canonical fields; the expand action normalizes.
type GraphEdge struct {
	FromID   string `json:"from_id"`
	ToID     string `json:"to_id"`
	EdgeType string `json:"edge_type"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Type     string `json:"type,omitempty"`
}

// ExpandResult is the provider's answer: node ids (seeds included) and edges.
type ExpandResult struct {
	Nodes     []string
	Edges     []GraphEdge
	Truncated bool
}

// GraphProvider expands dependency trees. Must enforce ACL filters.
type GraphProvider interface {
	ExpandDependencyTree(ctx context.Context, req ExpandRequest) (*ExpandResult, error)
}

// GenOptions are per-call generation overrides. Nil fields mean "don't
// override the provider default".
type GenOptions struct {
	MaxOutputTokens *int
	Temperature     *float64
	TopK            *int
	TopP            *float64
}

// ChatMessage is one turn of chat-mode history.
type ChatMessage struct {
	Role    string
	Content string
}

// LLMClient is the model port: Ask for manual single-string prompts, AskChat
// for native chat with an optional trimmed history.
type LLMClient interface {
	Ask(ctx context.Context, prompt string, opts *GenOptions) (string, error)
	AskChat(ctx context.Context, system, user string, history []ChatMessage, opts *GenOptions) (string, error)
}

// TokenCounter counts tokens deterministically: same text, same count.
type TokenCounter interface {
	Count(text string) int
}

// QAPair is a neutral-language question/answer pair from history.
type QAPair struct {
	Q string
	A string
}

// TurnStart describes a request entering the system.
type TurnStart struct {
	SessionID  string
	Repository string
	Branch     string
	Question   string
}

// TurnFinal describes the finished turn to persist.
type TurnFinal struct {
	SessionID       string
	TurnID          string
	QuestionNeutral string
	AnswerNeutral   string
	AnswerFinal     string
}

// ConversationHistoryService persists turns and serves recent history. All
// call sites treat it as best-effort: errors degrade to empty values or a
// skipped write, never a failed run.
type ConversationHistoryService interface {
	OnRequestStarted(ctx context.Context, start TurnStart) (string, error)
	OnRequestFinalized(ctx context.Context, final TurnFinal) error
	RecentQANeutral(ctx context.Context, sessionID string, limit int) ([]QAPair, error)
}

// Translator translates plain text. Optional capability.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// MarkdownTranslator additionally preserves markdown structure. translate_out
// prefers this when available.
type MarkdownTranslator interface {
	Translator
	TranslateMarkdown(ctx context.Context, text string) (string, error)
}

// TraceEvent is one streamed step event. Type is "step" or "done".
type TraceEvent struct {
	Type              string         `json:"type"`
	TS                time.Time      `json:"ts"`
	RunID             string         `json:"run_id"`
	StepID            string         `json:"step_id,omitempty"`
	ActionID          string         `json:"action_id,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	SummaryTranslated string         `json:"summary_translated,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Docs              []string       `json:"docs,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Terminal trace reasons.
const (
	TraceReasonDone      = "done"
	TraceReasonCancelled = "cancelled"
)

// TraceSink receives trace events. Best-effort; implementations must not
// block the engine for long.
type TraceSink interface {
	Emit(event TraceEvent)
}

// PromptStore serves system prompts by key. A missing key is a fatal error at
// the point of use.
type PromptStore interface {
	System(key string) (string, error)
}

// Runtime bundles the collaborators an action can reach. History, Translator
// and Trace may be nil (best-effort capabilities); everything else is required
// by the actions that use it and checked fail-fast there.
type Runtime struct {
	LLM     LLMClient
	Backend RetrievalBackend
	Graph   GraphProvider
	Tokens  TokenCounter
	History ConversationHistoryService
	Trans   Translator
	Trace   TraceSink
	Prompts PromptStore

	// InboxStrict is the process default for the run-end unconsumed-inbox
	// policy; settings.inbox_strict overrides per pipeline.
	InboxStrict bool

	// MaxSteps caps dispatched steps per run (0 means the engine default).
	MaxSteps int
}
