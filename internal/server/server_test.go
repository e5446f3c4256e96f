package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/spectree/internal/metrics"
	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/scope"
	"github.com/ShayCichocki/spectree/pkg/models"
)

type fakeEngine struct {
	nodes   map[string]*models.SpecNode
	status  *orchestrator.Status
	decided []orchestrator.Decision
	resumed []models.Phase
	sent    []models.Message
	signals []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		nodes: map[string]*models.SpecNode{
			"R":   {ID: "R", Name: "R", Phase: models.PhaseDecomposing},
			"R/a": {ID: "R/a", ParentID: "R", Name: "a", Phase: models.PhaseAwaitingImplApproval, Version: 4, Content: models.SpecContent{AllowedPaths: []string{"internal/a"}}},
		},
		status: &orchestrator.Status{
			Approvals: []orchestrator.ApprovalRequest{{SpecID: "R/a", Phase: models.PhaseAwaitingImplApproval, Version: 4}},
			Phases:    map[models.Phase]int{models.PhaseDecomposing: 1, models.PhaseAwaitingImplApproval: 1},
		},
	}
}

func (f *fakeEngine) Status() (*orchestrator.Status, error) { return f.status, nil }

func (f *fakeEngine) Node(id string) (*models.SpecNode, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (f *fakeEngine) History(id string) ([]models.PhaseTransition, []models.AgentRun, error) {
	if _, err := f.Node(id); err != nil {
		return nil, nil, err
	}
	return []models.PhaseTransition{{SpecID: id, From: models.PhasePending, To: models.PhaseArchitecture}}, nil, nil
}

func (f *fakeEngine) Messages(ctx context.Context, id string, limit int) ([]models.Message, error) {
	if _, err := f.Node(id); err != nil {
		return nil, err
	}
	return f.sent, nil
}

func (f *fakeEngine) Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error) {
	n, err := f.Node(id)
	if err != nil {
		return nil, err
	}
	if !n.Phase.AwaitingApproval() {
		return nil, &models.TransitionError{From: n.Phase, To: models.PhaseComplete}
	}
	f.decided = append(f.decided, d)
	return n, nil
}

func (f *fakeEngine) Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error) {
	n, err := f.Node(id)
	if err != nil {
		return nil, err
	}
	f.resumed = append(f.resumed, to)
	return n, nil
}

func (f *fakeEngine) Send(ctx context.Context, from, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error) {
	if from == "R/a" && to == "R/b" {
		return nil, fmt.Errorf("%w: siblings", models.ErrInvalidRoute)
	}
	msg := models.Message{ID: "m1", From: from, To: to, Type: typ, Priority: prio, Payload: payload}
	f.sent = append(f.sent, msg)
	return &msg, nil
}

func (f *fakeEngine) CheckPath(id, p string) (bool, string, error) {
	n, err := f.Node(id)
	if err != nil {
		return false, "", err
	}
	ok, reason := scope.Check(p, n.Content.AllowedPaths, n.Content.ForbiddenPaths)
	return ok, reason, nil
}

func (f *fakeEngine) Pause()   { f.signals = append(f.signals, "pause") }
func (f *fakeEngine) Unpause() { f.signals = append(f.signals, "resume") }
func (f *fakeEngine) Stop()    { f.signals = append(f.signals, "stop") }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusRoutes(t *testing.T) {
	h := New(newFakeEngine()).Handler()

	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Phases[models.PhaseDecomposing])

	rec = do(t, h, http.MethodGet, "/approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var approvals []orchestrator.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approvals))
	require.Len(t, approvals, 1)
	assert.Equal(t, "R/a", approvals[0].SpecID)

	rec = do(t, h, http.MethodGet, "/blocked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestNodeRoutes(t *testing.T) {
	h := New(newFakeEngine()).Handler()

	rec := do(t, h, http.MethodGet, "/specs/R%2Fa", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var n models.SpecNode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "R/a", n.ID)

	rec = do(t, h, http.MethodGet, "/specs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/specs/R%2Fa/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"to":"ARCHITECTURE"`)

	rec = do(t, h, http.MethodGet, "/specs/R/messages?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopeRoute(t *testing.T) {
	h := New(newFakeEngine()).Handler()

	tests := []struct {
		path string
		want bool
	}{
		{"internal/a/x.go", true},
		{"internal/b/x.go", false},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/specs/R%2Fa/scope?path="+tt.path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp scopeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, tt.want, resp.Allowed, tt.path)
	}

	rec := do(t, h, http.MethodGet, "/specs/R%2Fa/scope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionRoutes(t *testing.T) {
	eng := newFakeEngine()
	h := New(eng).Handler()

	rec := do(t, h, http.MethodPost, "/specs/R%2Fa/approve", `{"by":"alice","version":4}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/specs/R%2Fa/reject", `{"feedback":"add tests"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, eng.decided, 2)
	assert.True(t, eng.decided[0].Approve)
	assert.Equal(t, int64(4), eng.decided[0].Version)
	assert.False(t, eng.decided[1].Approve)
	assert.Equal(t, "http", eng.decided[1].By)
	assert.Equal(t, "add tests", eng.decided[1].Feedback)

	rec = do(t, h, http.MethodPost, "/specs/R/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/specs/R%2Fa/approve", "{bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/specs/R%2Fa/unblock", `{"to":"IMPLEMENTATION"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []models.Phase{models.PhaseImplementation}, eng.resumed)
}

func TestSendRoute(t *testing.T) {
	eng := newFakeEngine()
	h := New(eng).Handler()

	rec := do(t, h, http.MethodPost, "/messages", `{"from":"R","to":"R/a","type":"proceed","priority":"urgent","payload":{"note":"go"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, eng.sent, 1)
	assert.JSONEq(t, `{"note":"go"}`, string(eng.sent[0].Payload))

	rec = do(t, h, http.MethodPost, "/messages", `{"from":"R/a","to":"R/b","type":"discovery"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/messages", `{"type":"discovery"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlRoute(t *testing.T) {
	eng := newFakeEngine()
	h := New(eng).Handler()

	for _, sig := range []string{"pause", "resume", "stop"} {
		rec := do(t, h, http.MethodPost, "/control/"+sig, "")
		assert.Equal(t, http.StatusNoContent, rec.Code, sig)
	}
	assert.Equal(t, []string{"pause", "resume", "stop"}, eng.signals)

	rec := do(t, h, http.MethodPost, "/control/explode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg, m := metrics.NewRegistry()
	h := New(newFakeEngine(), WithMetrics(reg, m)).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `spectree_nodes{phase="DECOMPOSING"} 1`)

	rec = do(t, New(newFakeEngine()).Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
