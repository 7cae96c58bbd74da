package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// sseSink streams trace events to the HTTP response as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

// Emit implements runtime.TraceSink.
func (s *sseSink) Emit(event runtime.TraceEvent) {
	s.emitJSON(event)
}

func (s *sseSink) emitJSON(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

var _ runtime.TraceSink = (*sseSink)(nil)
