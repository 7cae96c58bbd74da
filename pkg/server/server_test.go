package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const answerPipeline = `
pipeline:
  name: answer
  entry_step_id: stage
  steps:
    - id: stage
      action: set_variables
      rules:
        - set: answer_neutral
          value: canned answer
      next: respond
    - id: respond
      action: finalize
      end: true
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.yaml"), []byte(answerPipeline), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("pipeline:\n  name: broken\n"), 0o644))

	srv, err := New(Options{
		Loader:          pipeline.NewLoader(),
		Runtime:         &runtime.Runtime{},
		PipelinesDir:    dir,
		DefaultPipeline: "answer",
	})
	require.NoError(t, err)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/answer/validate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
	assert.Contains(t, rec.Body.String(), `"name":"answer"`)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/broken/validate", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)

	// Path characters in the name are rejected before touching disk.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/..%2Fescape/validate", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func postAsk(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAsk_RequestValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := postAsk(t, srv, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postAsk(t, srv, `{"repository": "shop", "branch": "main"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "query is required")

	rec = postAsk(t, srv, `{"query": "q", "branch": "main"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "repository and branch are required")

	rec = postAsk(t, srv, `{"query": "q", "repository": "shop", "branch": "main", "pipeline": "no/such"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAsk_UnknownPipeline(t *testing.T) {
	srv := newTestServer(t)
	rec := postAsk(t, srv, `{"query": "q", "repository": "shop", "branch": "main", "pipeline": "missing"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAsk_StreamsAnswer(t *testing.T) {
	srv := newTestServer(t)
	rec := postAsk(t, srv, `{"query": "what is F?", "repository": "shop", "branch": "main", "session_id": "sess-1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	// Step trace events stream before the terminal events.
	assert.Contains(t, body, `"type":"step"`)
	assert.Contains(t, body, `"type":"done"`)

	// The final event carries the materialized answer.
	assert.Contains(t, body, `"type":"answer"`)
	assert.Contains(t, body, `"final_answer":"canned answer"`)
	assert.Contains(t, body, `"session_id":"sess-1"`)

	// SSE framing.
	assert.True(t, strings.HasPrefix(body, "data: "))
}

func TestAsk_GeneratesSessionID(t *testing.T) {
	srv := newTestServer(t)
	rec := postAsk(t, srv, `{"query": "q", "repository": "shop", "branch": "main"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"`)
}

func TestAsk_DefaultPipelineUsed(t *testing.T) {
	srv := newTestServer(t)
	// No pipeline in the body resolves to the configured default.
	rec := postAsk(t, srv, `{"query": "q", "repository": "shop", "branch": "main"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"final_answer":"canned answer"`)
}

func TestCancel_UnknownRun(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cancel/no-such-run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsk_UnregistersRunAfterCompletion(t *testing.T) {
	srv := newTestServer(t)
	rec := postAsk(t, srv, `{"query": "q", "repository": "shop", "branch": "main"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Extract the run id from the streamed trace events.
	body := rec.Body.String()
	idx := strings.Index(body, `"run_id":"`)
	require.GreaterOrEqual(t, idx, 0)
	rest := body[idx+len(`"run_id":"`):]
	runID := rest[:strings.Index(rest, `"`)]

	cancelRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(cancelRec, httptest.NewRequest(http.MethodPost, "/v1/cancel/"+runID, nil))
	assert.Equal(t, http.StatusNotFound, cancelRec.Code)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Runtime: &runtime.Runtime{}, PipelinesDir: "x"})
	assert.Error(t, err, "loader required")

	_, err = New(Options{Loader: pipeline.NewLoader(), PipelinesDir: "x"})
	assert.Error(t, err, "runtime required")

	_, err = New(Options{Loader: pipeline.NewLoader(), Runtime: &runtime.Runtime{}})
	assert.Error(t, err, "pipelines dir required")
}
