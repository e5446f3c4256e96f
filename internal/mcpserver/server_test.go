package mcpserver

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/pkg/models"
)

type fakeEngine struct {
	nodes   map[string]*models.SpecNode
	decided []orchestrator.Decision
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{nodes: map[string]*models.SpecNode{
		"R":     {ID: "R", Phase: models.PhaseDecomposing},
		"R/api": {ID: "R/api", ParentID: "R", Phase: models.PhaseAwaitingArchApproval, Content: models.SpecContent{AllowedPaths: []string{"internal/api"}}},
		"R/db":  {ID: "R/db", ParentID: "R", Phase: models.PhaseBlocked, Error: "max iterations"},
	}}
}

func (f *fakeEngine) Status() (*orchestrator.Status, error) {
	st := &orchestrator.Status{Phases: map[models.Phase]int{}}
	for _, n := range f.nodes {
		st.Phases[n.Phase]++
		if n.Phase.AwaitingApproval() {
			st.Approvals = append(st.Approvals, orchestrator.NewApprovalRequest(n))
		}
		if n.Phase == models.PhaseBlocked {
			st.Blocked = append(st.Blocked, *n)
		}
	}
	return st, nil
}

func (f *fakeEngine) Node(id string) (*models.SpecNode, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (f *fakeEngine) Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error) {
	n, err := f.Node(id)
	if err != nil {
		return nil, err
	}
	f.decided = append(f.decided, d)
	next := *n
	if d.Approve {
		next.Phase = models.PhaseDecomposing
	} else {
		next.Phase = models.PhaseArchitecture
	}
	return &next, nil
}

func (f *fakeEngine) Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error) {
	n, err := f.Node(id)
	if err != nil {
		return nil, err
	}
	if to == "" {
		to = models.PhaseArchitecture
	}
	next := *n
	next.Phase = to
	return &next, nil
}

func (f *fakeEngine) CheckPath(id, p string) (bool, string, error) {
	if _, err := f.Node(id); err != nil {
		return false, "", err
	}
	return p == "internal/api/h.go", "test rule", nil
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestStatusTools(t *testing.T) {
	s := NewServer(newFakeEngine())
	ctx := context.Background()

	res, err := s.handleStatus(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"BLOCKED": 1`)

	res, err = s.handleApprovals(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"spec_id": "R/api"`)

	res, err = s.handleBlocked(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "max iterations")
}

func TestEmptyLists(t *testing.T) {
	s := NewServer(&fakeEngine{nodes: map[string]*models.SpecNode{}})
	ctx := context.Background()

	res, err := s.handleApprovals(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "No specs are waiting for approval.", text(t, res))

	res, err = s.handleBlocked(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "No specs are blocked.", text(t, res))
}

func TestSpecTool(t *testing.T) {
	s := NewServer(newFakeEngine())
	ctx := context.Background()

	res, err := s.handleSpec(ctx, call(map[string]any{"id": "R/db"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"id": "R/db"`)

	res, err = s.handleSpec(ctx, call(map[string]any{"id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSpec(ctx, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDecisionTools(t *testing.T) {
	eng := newFakeEngine()
	s := NewServer(eng)
	ctx := context.Background()

	res, err := s.handleDecision(true)(ctx, call(map[string]any{"id": "R/api", "version": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, "R/api is now DECOMPOSING", text(t, res))

	res, err = s.handleDecision(false)(ctx, call(map[string]any{"id": "R/api"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "reject without feedback must fail")

	res, err = s.handleDecision(false)(ctx, call(map[string]any{"id": "R/api", "feedback": "split the handlers"}))
	require.NoError(t, err)
	assert.Equal(t, "R/api is now ARCHITECTURE", text(t, res))

	require.Len(t, eng.decided, 2)
	assert.Equal(t, int64(3), eng.decided[0].Version)
	assert.Equal(t, "mcp", eng.decided[0].By)
	assert.Equal(t, "split the handlers", eng.decided[1].Feedback)
}

func TestUnblockTool(t *testing.T) {
	s := NewServer(newFakeEngine())

	res, err := s.handleUnblock(context.Background(), call(map[string]any{"id": "R/db"}))
	require.NoError(t, err)
	assert.Equal(t, "R/db is now ARCHITECTURE", text(t, res))
}

func TestCheckScopeTool(t *testing.T) {
	s := NewServer(newFakeEngine())
	ctx := context.Background()

	res, err := s.handleCheckScope(ctx, call(map[string]any{"id": "R/api", "path": "internal/api/h.go"}))
	require.NoError(t, err)
	assert.Equal(t, "internal/api/h.go: allowed (test rule)", text(t, res))

	res, err = s.handleCheckScope(ctx, call(map[string]any{"id": "R/api"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
