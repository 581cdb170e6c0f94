package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/engine"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/store"
)

// stubAnswerer replays a canned answer or error and records requests.
type stubAnswerer struct {
	ans *model.Answer
	err error
	got []engine.QueryRequest
}

func (s *stubAnswerer) Answer(_ context.Context, req engine.QueryRequest) (*model.Answer, error) {
	s.got = append(s.got, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.ans, nil
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Addr:           ":0",
		CORSOrigins:    []string{"*"},
		RequestTimeout: 5 * time.Second,
	}
}

func newRouterStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func passAnswer() *model.Answer {
	return &model.Answer{
		TraceID:           "trace-1",
		Query:             "What was revenue in FY2023?",
		Text:              "Total Revenue for FY2023 was $125.5 million [r1].",
		Decision:          model.DecisionPass,
		DataSourceType:    model.DataSourceGrounded,
		Citations:         []string{"r1"},
		GroundednessScore: 0.97,
	}
}

func TestRouter_Health(t *testing.T) {
	r := buildRouter(testServerConfig(), &stubAnswerer{}, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "snap-v1", body["snapshot"])
}

func TestRouter_Query_Pass(t *testing.T) {
	stub := &stubAnswerer{ans: passAnswer()}
	r := buildRouter(testServerConfig(), stub, newRouterStore(t), "snap-v1")

	payload := []byte(`{"query":"What was revenue in FY2023?"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var ans model.Answer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ans))
	assert.Equal(t, model.DecisionPass, ans.Decision)
	assert.Contains(t, ans.Text, "125.5")

	require.Len(t, stub.got, 1)
	assert.Empty(t, stub.got[0].SessionID)
}

func TestRouter_Query_AbstainIs200(t *testing.T) {
	// Abstention is a handled outcome: the body carries the decision, the
	// status stays 200.
	stub := &stubAnswerer{ans: &model.Answer{
		TraceID:     "trace-2",
		Text:        "I cannot verify an answer to this question.",
		Decision:    model.DecisionAbstain,
		FailureKind: model.FailureAbstain,
	}}
	r := buildRouter(testServerConfig(), stub, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte(`{"query":"anything"}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var ans model.Answer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ans))
	assert.Equal(t, model.DecisionAbstain, ans.Decision)
	assert.Equal(t, model.FailureAbstain, ans.FailureKind)
}

func TestRouter_Query_EmptyQuery(t *testing.T) {
	r := buildRouter(testServerConfig(), &stubAnswerer{}, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte(`{"query":"   "}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "query is required")
}

func TestRouter_Query_InvalidJSON(t *testing.T) {
	r := buildRouter(testServerConfig(), &stubAnswerer{}, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_Query_ClassifiedFailureIs502(t *testing.T) {
	stub := &stubAnswerer{err: model.NewFailure(model.FailureReasoning, "planning output stayed malformed")}
	r := buildRouter(testServerConfig(), stub, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte(`{"query":"q"}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "query failed")
}

func TestRouter_Query_UnclassifiedFailureIs500(t *testing.T) {
	stub := &stubAnswerer{err: eris.New("store unavailable")}
	r := buildRouter(testServerConfig(), stub, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte(`{"query":"q"}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRouter_SessionLifecycle(t *testing.T) {
	stub := &stubAnswerer{ans: passAnswer()}
	st := newRouterStore(t)
	r := buildRouter(testServerConfig(), stub, st, "snap-v1")

	// Create a session.
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"title":"debt walkthrough"}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var sess model.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "debt walkthrough", sess.Title)

	// Query inside it; the path parameter wins over any body session id.
	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/query",
		bytes.NewReader([]byte(`{"query":"What about FY2022?","session_id":"spoofed"}`)))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, stub.got, 1)
	assert.Equal(t, sess.ID, stub.got[0].SessionID)
}

func TestRouter_SessionCreate_EmptyBody(t *testing.T) {
	r := buildRouter(testServerConfig(), &stubAnswerer{}, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(nil))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestRouter_SessionQuery_UnknownSession(t *testing.T) {
	stub := &stubAnswerer{ans: passAnswer()}
	r := buildRouter(testServerConfig(), stub, newRouterStore(t), "snap-v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/nope/query", bytes.NewReader([]byte(`{"query":"q"}`)))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, stub.got)
}
