package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/codeqa/pkg/auth"
	"github.com/kadirpekel/codeqa/pkg/pipeline/state"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// trackingSink forwards trace events and reports the engine-assigned run id
// once, on the first event.
type trackingSink struct {
	inner    runtime.TraceSink
	register func(runID string)
	runID    string
}

func (s *trackingSink) Emit(event runtime.TraceEvent) {
	if s.runID == "" && event.RunID != "" {
		s.runID = event.RunID
		s.register(event.RunID)
	}
	s.inner.Emit(event)
}

// askRequest is the POST /v1/ask body. Retrieval filters are never accepted
// from the body; they derive from the validated token claims.
type askRequest struct {
	Pipeline        string            `json:"pipeline,omitempty"`
	Query           string            `json:"query"`
	SessionID       string            `json:"session_id,omitempty"`
	Repository      string            `json:"repository"`
	Branch          string            `json:"branch"`
	SnapshotID      string            `json:"snapshot_id,omitempty"`
	SnapshotIDB     string            `json:"snapshot_id_b,omitempty"`
	SnapshotNames   map[string]string `json:"snapshot_names,omitempty"`
	TranslateChat   bool              `json:"translate_chat,omitempty"`
	AllowedCommands []string          `json:"allowed_commands,omitempty"`
}

// answerEvent is the final SSE event carrying the materialized answer.
type answerEvent struct {
	Type        string `json:"type"`
	FinalAnswer string `json:"final_answer"`
	SessionID   string `json:"session_id"`
	TurnID      string `json:"turn_id,omitempty"`
}

// handleAsk runs one pipeline turn, streaming trace events over SSE and
// closing with the answer. Client disconnect cancels the run.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}
	if req.Repository == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("repository and branch are required"))
		return
	}

	path, err := s.pipelinePath(req.Pipeline)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, err := s.loader.Load(path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	st := state.New()
	st.UserQuery = req.Query
	st.TranslateChat = req.TranslateChat
	st.SessionID = req.SessionID
	if st.SessionID == "" {
		st.SessionID = uuid.NewString()
	}
	st.Repository = req.Repository
	st.Branch = req.Branch
	st.SnapshotID = req.SnapshotID
	st.SnapshotIDB = req.SnapshotIDB
	st.SnapshotFriendlyNames = req.SnapshotNames
	if len(req.AllowedCommands) > 0 {
		st.AllowedCommands = make(map[string]bool, len(req.AllowedCommands))
		for _, cmd := range req.AllowedCommands {
			st.AllowedCommands[cmd] = true
		}
	}

	// Sacred filters come from the token, never the body.
	if claims := auth.GetClaims(r); claims != nil {
		st.SealFilters(claims.Filters())
	} else {
		st.SealFilters(nil)
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// The run id is engine-assigned and first seen on the trace stream, so
	// cancel registration piggybacks on the first emitted event.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	tracked := &trackingSink{inner: sink, register: func(runID string) {
		s.activeRuns.Store(runID, cancel)
	}}
	defer func() {
		if tracked.runID != "" {
			s.activeRuns.Delete(tracked.runID)
		}
	}()

	runErr := s.newEngine(tracked).Run(ctx, def, st)
	if runErr != nil {
		sink.emitJSON(map[string]any{
			"type":  "run_error",
			"ts":    time.Now().UTC(),
			"error": runErr.Error(),
		})
		return
	}

	sink.emitJSON(answerEvent{
		Type:        "answer",
		FinalAnswer: st.FinalAnswer,
		SessionID:   st.SessionID,
		TurnID:      st.TurnID,
	})
}
