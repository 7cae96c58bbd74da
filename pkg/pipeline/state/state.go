// Package state holds the per-run mutable record shared by pipeline actions.
// A State is created per request, mutated single-threaded by the engine, and
// discarded at turn end. It is never shared across runs.
package state

// Message is an out-of-band directive addressed to a step by id. Topic is a
// label for the consumer; delivery is purely by TargetStepID.
type Message struct {
	TargetStepID string
	Topic        string
	Payload      map[string]any
	SenderStepID string
}

// Hit is a retrieval diagnostic entry.
type Hit struct {
	ID    string
	Score float64
	Rank  int
}

// Edge is a normalized dependency edge.
type Edge struct {
	FromID   string
	ToID     string
	EdgeType string
}

// NodeText is an atomically budgeted snippet. Depth is 0 for seeds, >= 1 for
// graph-expanded nodes; ParentID is the best-effort BFS parent.
type NodeText struct {
	ID       string
	Text     string
	IsSeed   bool
	Depth    int
	ParentID string
}

// GraphDebug records why and how much the last expansion ran.
type GraphDebug struct {
	Reason        string
	SeedCount     int
	ExpandedCount int
	EdgesCount    int
	Truncated     bool
}

// DialogTurn is one entry of the rendered conversation history.
type DialogTurn struct {
	Role    string
	Content string
}

// QAPair is a neutral-language question/answer pair.
type QAPair struct {
	Q string
	A string
}

// ParallelRoads is the fork/merge scratchpad.
type ParallelRoads struct {
	Plan        []string
	Index       int
	OriginalID  string
	OriginalIDB string
	Labels      map[string]string
	Results     map[string][]string
	ResultOrder []string
}

// StepTrace is the per-step trace scratch filled by actions and reset by the
// engine before each dispatch.
type StepTrace struct {
	Summary           string
	SummaryTranslated string
	Details           map[string]any
	Docs              []string
}

// State is the per-run pipeline record.
type State struct {
	// Request
	UserQuery             string
	UserQuestionEN        string
	TranslateChat         bool
	SessionID             string
	Repository            string
	Branch                string
	SnapshotID            string
	SnapshotIDB           string
	SnapshotFriendlyNames map[string]string
	AllowedCommands       map[string]bool

	// Sacred ACL/scope filters; sealed once set, read via copies.
	retrievalFilters map[string]any

	// Router / response
	LastModelResponse string
	LastPrefix        string

	// Retrieval
	RetrievalSeedNodes     []string
	RetrievalHits          []Hit
	LastSearchBM25Operator string
	queriesAskedNorm       map[string]bool

	// Graph
	GraphSeedNodes     []string
	GraphExpandedNodes []string
	GraphEdges         []Edge
	GraphDebug         GraphDebug

	// Context materialization
	NodeTexts                 []NodeText
	ContextBlocks             []string
	ClassificationLabelsUnion []string
	ACLLabelsUnion            []string
	DocLevelMax               int

	// Conversation
	HistoryDialog    []DialogTurn
	HistoryQANeutral []QAPair
	HistoryBlocks    []string

	// Control
	LoopCounters      map[string]int
	inbox             []Message
	InboxLastConsumed []Message
	Roads             *ParallelRoads
	TurnID            string

	// Answer
	AnswerNeutral              string
	AnswerTranslated           string
	AnswerTranslatedIsFallback bool
	BannerNeutral              string
	BannerTranslated           string
	FinalAnswer                string

	// Trace scratch for the step currently executing.
	Trace StepTrace
}

// New creates an empty run state.
func New() *State {
	return &State{
		queriesAskedNorm: make(map[string]bool),
		LoopCounters:     make(map[string]int),
	}
}

// SealFilters installs the sacred retrieval filters. May be called once per
// run, before the engine starts; later calls are ignored so actions cannot
// replace the caller's ACL scope.
func (s *State) SealFilters(filters map[string]any) {
	if s.retrievalFilters != nil {
		return
	}
	s.retrievalFilters = make(map[string]any, len(filters))
	for k, v := range filters {
		s.retrievalFilters[k] = v
	}
}

// Filters returns a copy of the sealed retrieval filters.
func (s *State) Filters() map[string]any {
	out := make(map[string]any, len(s.retrievalFilters))
	for k, v := range s.retrievalFilters {
		out[k] = v
	}
	return out
}

// Enqueue appends a message to the run inbox.
func (s *State) Enqueue(msg Message) {
	s.inbox = append(s.inbox, msg)
}

// ConsumeInbox removes and returns all messages addressed to stepID,
// preserving enqueue order. Called by the engine at step entry.
func (s *State) ConsumeInbox(stepID string) []Message {
	var consumed []Message
	remaining := s.inbox[:0]
	for _, msg := range s.inbox {
		if msg.TargetStepID == stepID {
			consumed = append(consumed, msg)
			continue
		}
		remaining = append(remaining, msg)
	}
	s.inbox = remaining
	return consumed
}

// InboxLen reports pending (unconsumed) messages.
func (s *State) InboxLen() int {
	return len(s.inbox)
}

// PendingInbox returns a copy of the unconsumed inbox, for diagnostics.
func (s *State) PendingInbox() []Message {
	out := make([]Message, len(s.inbox))
	copy(out, s.inbox)
	return out
}

// RecordQuery marks a normalized query as executed.
func (s *State) RecordQuery(norm string) {
	s.queriesAskedNorm[norm] = true
}

// QueryAsked reports whether a normalized query was already executed this
// session turn.
func (s *State) QueryAsked(norm string) bool {
	return s.queriesAskedNorm[norm]
}

// ClearRetrieval drops all retrieval, graph and materialization artifacts.
// search_nodes calls this at entry; fork/merge calls it between snapshots.
func (s *State) ClearRetrieval() {
	s.RetrievalSeedNodes = nil
	s.RetrievalHits = nil
	s.GraphSeedNodes = nil
	s.GraphExpandedNodes = nil
	s.GraphEdges = nil
	s.GraphDebug = GraphDebug{}
	s.NodeTexts = nil
}

// ResetTrace clears the per-step trace scratch.
func (s *State) ResetTrace() {
	s.Trace = StepTrace{}
}
