package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/pkg/models"
)

func TestNew_RequiresStoreAndBus(t *testing.T) {
	db := openTestDB(t)
	if _, err := New(RequiredConfig{Bus: bus.New(bus.NewMemoryBackend(), db)}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(RequiredConfig{Store: db}); err == nil {
		t.Error("expected error without bus")
	}
}

func TestRun_RequiresDispatcher(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultCaps(), nil)
	if err := o.Run(context.Background()); err == nil {
		t.Error("expected error without dispatcher")
	}
}

func TestRun_LeafToComplete(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript}
	o, db := newTestOrchestrator(t, DefaultCaps(), d)

	if _, err := o.Submit(models.ChildSpec{Name: "R", Content: models.SpecContent{Title: "single leaf"}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	runOnce(t, o)
	if n := mustGet(t, db, "R"); n.Phase != models.PhaseAwaitingArchApproval {
		t.Fatalf("expected AWAITING_ARCH_APPROVAL after first run, got %s", n.Phase)
	}

	driveWithApprovals(t, o, db)

	n := mustGet(t, db, "R")
	if n.Phase != models.PhaseComplete {
		t.Fatalf("expected COMPLETE, got %s (error=%q)", n.Phase, n.Error)
	}
	if n.Leaf != models.LeafYes {
		t.Errorf("expected leaf, got %s", n.Leaf)
	}

	want := "[proposer critic implementer verifier]"
	if got := fmt.Sprint(d.callsFor("R")); got != want {
		t.Errorf("rounds = %s, want %s", got, want)
	}
}

// TestRun_SharedDependencyTree drives R with children shared, A and B. A
// and B must not start before shared is COMPLETE, and then run side by side.
func TestRun_SharedDependencyTree(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript, delay: 20 * time.Millisecond}
	caps := DefaultCaps()
	caps.MaxConcurrent = 2
	o, db := newTestOrchestrator(t, caps, d)

	var violations []string
	d.before = func(req models.DispatchRequest) {
		if req.SpecID != "R/a" && req.SpecID != "R/b" {
			return
		}
		shared, err := db.Get("R/shared")
		if err != nil || shared.Phase != models.PhaseComplete {
			d.mu.Lock()
			violations = append(violations, req.SpecID+" "+string(req.Role))
			d.mu.Unlock()
		}
	}

	if _, err := o.Submit(sharedTree()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	driveWithApprovals(t, o, db)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(violations) > 0 {
		t.Errorf("dispatched before shared was COMPLETE: %v", violations)
	}
	if d.maxInflight != 2 {
		t.Errorf("expected A and B to run concurrently (max in flight 2), got %d", d.maxInflight)
	}

	for _, id := range []string{"R/shared", "R/a", "R/b", "R"} {
		if n, _ := db.Get(id); n.Phase != models.PhaseComplete {
			t.Errorf("%s: expected COMPLETE, got %s (error=%q)", id, n.Phase, n.Error)
		}
	}

	var coordinator, integration int
	for _, c := range d.calls {
		if c.SpecID != "R" {
			continue
		}
		if c.Role == models.RoleCoordinator {
			coordinator++
		}
		if c.Phase == models.PhaseIntegration {
			integration++
			if len(c.Children) != 3 {
				t.Errorf("integration round should see 3 children, got %v", c.Children)
			}
		}
	}
	if coordinator != 1 {
		t.Errorf("expected one coordinator round, got %d", coordinator)
	}
	if integration != 2 {
		t.Errorf("expected implementer and verifier in INTEGRATION, got %d rounds", integration)
	}
}

func TestRun_MaxConcurrentNeverExceeded(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript, delay: 5 * time.Millisecond}
	caps := DefaultCaps()
	caps.MaxConcurrent = 2
	o, db := newTestOrchestrator(t, caps, d)

	for i := 0; i < 5; i++ {
		if _, err := o.Submit(models.ChildSpec{Name: fmt.Sprintf("R%d", i)}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	driveWithApprovals(t, o, db)

	if got := d.MaxInflight(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
	if got := d.MaxInflight(); got < 2 {
		t.Errorf("expected parallel rounds, max in flight = %d", got)
	}
}

// TestRun_MaxIterationsBlocks fails verification forever with
// max_iterations=2: the node is BLOCKED after two implementation rounds
// and no third round is dispatched.
func TestRun_MaxIterationsBlocks(t *testing.T) {
	d := &scriptedDispatcher{script: func(req models.DispatchRequest) (*models.RoundResult, error) {
		if req.Role == models.RoleVerifier {
			return &models.RoundResult{Verdict: &models.Verdict{Outcome: models.VerdictFail, Summary: "test X fails"}}, nil
		}
		return happyScript(req)
	}}
	caps := DefaultCaps()
	caps.MaxIterations = 2
	o, db := newTestOrchestrator(t, caps, d)

	if _, err := o.Submit(models.ChildSpec{Name: "R", Leaf: boolPtr(true)}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	driveWithApprovals(t, o, db)

	n := mustGet(t, db, "R")
	if n.Phase != models.PhaseBlocked {
		t.Fatalf("expected BLOCKED, got %s", n.Phase)
	}
	if !strings.Contains(n.Error, models.ErrIterationsExhausted.Error()) || !strings.Contains(n.Error, "test X fails") {
		t.Errorf("error should carry the exhaustion and last verdict, got %q", n.Error)
	}

	var implementer int
	for _, r := range d.callsFor("R") {
		if r == models.RoleImplementer {
			implementer++
		}
	}
	if implementer != 2 {
		t.Errorf("expected exactly 2 implementation rounds, got %d", implementer)
	}

	var last models.RoundResult
	if err := json.Unmarshal(n.LastResult, &last); err != nil || last.Verdict == nil || last.Verdict.Summary != "test X fails" {
		t.Errorf("last verifier output not recorded: %s", n.LastResult)
	}

	status, err := o.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Blocked) != 1 || status.Blocked[0].ID != "R" {
		t.Errorf("status.Blocked = %+v", status.Blocked)
	}
}

func TestRun_MaxAgentsHardStop(t *testing.T) {
	d := &scriptedDispatcher{script: func(req models.DispatchRequest) (*models.RoundResult, error) {
		if req.Role == models.RoleCritic {
			return &models.RoundResult{Verdict: &models.Verdict{Outcome: models.VerdictReject, Summary: "again"}}, nil
		}
		return happyScript(req)
	}}
	caps := DefaultCaps()
	caps.MaxAgents = 3
	caps.MaxArchIterations = 100
	o, db := newTestOrchestrator(t, caps, d)

	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runOnce(t, o)

	if got := len(d.Calls()); got != 3 {
		t.Errorf("expected 3 dispatches, got %d", got)
	}
	counters, err := db.Counters()
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters.AgentsDispatched != 3 {
		t.Errorf("agents dispatched = %d, want 3", counters.AgentsDispatched)
	}

	status, err := o.CapStatus()
	if err != nil {
		t.Fatalf("CapStatus failed: %v", err)
	}
	if status != CapExhausted {
		t.Errorf("cap status = %s, want Exhausted", status)
	}

	// A second run stays stopped.
	runOnce(t, o)
	if got := len(d.Calls()); got != 3 {
		t.Errorf("expected no more dispatches, got %d", got)
	}
}

func TestRun_MaxCostHardStop(t *testing.T) {
	d := &scriptedDispatcher{script: func(req models.DispatchRequest) (*models.RoundResult, error) {
		res := &models.RoundResult{RoleOutput: "draft", Cost: 1.0}
		if req.Role == models.RoleCritic {
			res.Verdict = &models.Verdict{Outcome: models.VerdictReject}
		}
		return res, nil
	}}
	caps := DefaultCaps()
	caps.MaxConcurrent = 1
	caps.MaxCost = 1.5
	caps.MaxArchIterations = 100
	o, db := newTestOrchestrator(t, caps, d)

	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runOnce(t, o)

	if got := len(d.Calls()); got != 2 {
		t.Errorf("expected 2 dispatches before cost cap, got %d", got)
	}
	counters, _ := db.Counters()
	if counters.CostSpent != 2.0 {
		t.Errorf("cost spent = %g, want 2", counters.CostSpent)
	}
}

func TestRun_FailedRoundCostCounts(t *testing.T) {
	d := &scriptedDispatcher{script: func(req models.DispatchRequest) (*models.RoundResult, error) {
		return &models.RoundResult{Cost: 0.75}, errors.New("API call failed: 400")
	}}
	o, db := newTestOrchestrator(t, DefaultCaps(), d)

	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runOnce(t, o)

	if n := mustGet(t, db, "R"); n.Phase != models.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", n.Phase)
	}
	counters, err := db.Counters()
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters.CostSpent != 0.75 {
		t.Errorf("cost spent = %g, want 0.75", counters.CostSpent)
	}
	runs, err := db.ListAgentRuns("R")
	if err != nil {
		t.Fatalf("ListAgentRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Cost != 0.75 || runs[0].Error == "" {
		t.Errorf("agent runs = %+v", runs)
	}
}

// TestRun_CapLeavesUndispatchedNodesPending checks that a node the agent cap
// keeps from running stays PENDING instead of entering ARCHITECTURE.
func TestRun_CapLeavesUndispatchedNodesPending(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript}
	caps := DefaultCaps()
	caps.MaxAgents = 1
	o, db := newTestOrchestrator(t, caps, d)

	for _, name := range []string{"A", "B"} {
		if _, err := o.Submit(models.ChildSpec{Name: name, Leaf: boolPtr(true)}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", name, err)
		}
	}
	runOnce(t, o)

	if got := len(d.Calls()); got != 1 {
		t.Fatalf("expected 1 dispatch, got %d", got)
	}
	if b := mustGet(t, db, "B"); b.Phase != models.PhasePending {
		t.Errorf("B phase = %s, want PENDING", b.Phase)
	}
	counters, _ := db.Counters()
	if counters.AgentsDispatched != 1 {
		t.Errorf("agents dispatched = %d, want 1", counters.AgentsDispatched)
	}
}

func TestRun_MaxDepthBlocksNode(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript}
	caps := DefaultCaps()
	caps.MaxDepth = 1
	o, db := newTestOrchestrator(t, caps, d)

	root := models.ChildSpec{
		Name: "R",
		Content: models.SpecContent{Planned: []models.ChildSpec{{
			Name:    "mid",
			Content: models.SpecContent{Planned: []models.ChildSpec{{Name: "deep", Leaf: boolPtr(true)}}},
		}}},
	}
	if _, err := o.Submit(root); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	driveWithApprovals(t, o, db)

	mid := mustGet(t, db, "R/mid")
	if mid.Phase != models.PhaseBlocked {
		t.Fatalf("expected R/mid BLOCKED, got %s", mid.Phase)
	}
	if !strings.Contains(mid.Error, string(models.CapDepth)) {
		t.Errorf("error should name max_depth, got %q", mid.Error)
	}
	if _, err := db.Get("R/mid/deep"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("grandchild must not exist, got %v", err)
	}

	r := mustGet(t, db, "R")
	if r.Phase != models.PhaseDecomposing || r.ReviewReason == "" {
		t.Errorf("parent should stay DECOMPOSING flagged for review, got %s review=%q", r.Phase, r.ReviewReason)
	}
}

func TestRun_DispatchErrorFailsNode(t *testing.T) {
	d := &scriptedDispatcher{script: func(req models.DispatchRequest) (*models.RoundResult, error) {
		return nil, errors.New("model unavailable")
	}}
	o, db := newTestOrchestrator(t, DefaultCaps(), d)

	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runOnce(t, o)

	n := mustGet(t, db, "R")
	if n.Phase != models.PhaseFailed || !strings.Contains(n.Error, "model unavailable") {
		t.Errorf("expected FAILED with cause, got %s %q", n.Phase, n.Error)
	}

	runs, err := db.ListAgentRuns("R")
	if err != nil {
		t.Fatalf("ListAgentRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].FinishedAt == nil || runs[0].Error == "" {
		t.Errorf("agent run not finished with error: %+v", runs)
	}
}

// TestRun_EscalationRoundTrip has a child escalate to its hibernating parent
// with a blocking message. The parent wakes, answers with parent_decision,
// and the child resumes with the answer in its inbox.
func TestRun_EscalationRoundTrip(t *testing.T) {
	var escalated bool
	d := &scriptedDispatcher{}
	d.script = func(req models.DispatchRequest) (*models.RoundResult, error) {
		switch {
		case req.SpecID == "R/c" && req.Role == models.RoleImplementer && !escalated:
			escalated = true
			return &models.RoundResult{
				RoleOutput: "need a decision",
				Messages: []models.OutboundMessage{{
					To:       "parent",
					Type:     models.MessageEscalation,
					Priority: models.PriorityBlocking,
					Payload:  json.RawMessage(`{"question":"postgres or sqlite?"}`),
				}},
				Hibernate: &models.HibernateRequest{
					Trigger: models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageParentDecision},
					Context: []byte("halfway"),
				},
			}, nil
		case req.SpecID == "R" && req.Role == models.RoleCoordinator && hasMessage(req.Inbox, models.MessageEscalation):
			return &models.RoundResult{
				Messages: []models.OutboundMessage{{
					To:      "c",
					Type:    models.MessageParentDecision,
					Payload: json.RawMessage(`{"answer":"sqlite"}`),
				}},
			}, nil
		}
		return happyScript(req)
	}
	o, db := newTestOrchestrator(t, DefaultCaps(), d)

	root := models.ChildSpec{Name: "R", Content: models.SpecContent{Planned: []models.ChildSpec{{Name: "c", Leaf: boolPtr(true)}}}}
	if _, err := o.Submit(root); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	driveWithApprovals(t, o, db)

	if !escalated {
		t.Fatal("child never escalated")
	}
	for _, id := range []string{"R", "R/c"} {
		if n := mustGet(t, db, id); n.Phase != models.PhaseComplete {
			t.Errorf("%s: expected COMPLETE, got %s (error=%q)", id, n.Phase, n.Error)
		}
	}

	var resumed *models.DispatchRequest
	var implementer int
	for _, c := range d.Calls() {
		if c.SpecID == "R/c" && c.Role == models.RoleImplementer {
			implementer++
			if implementer == 2 {
				resumed = &c
			}
		}
	}
	if resumed == nil {
		t.Fatal("child did not run again after the decision")
	}
	if !hasMessage(resumed.Inbox, models.MessageParentDecision) {
		t.Errorf("resumed child inbox = %+v", resumed.Inbox)
	}
	if string(resumed.ResumeContext) != "halfway" {
		t.Errorf("resume context = %q", resumed.ResumeContext)
	}

	msgs, err := o.Messages(context.Background(), "R", 50)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	var kinds []string
	for _, m := range msgs {
		kinds = append(kinds, string(m.Type))
	}
	if got := strings.Join(kinds, ","); got != "escalation,parent_decision,child_complete" {
		t.Errorf("R traffic = %s", got)
	}
}

func TestRun_PauseAndStop(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript}
	o, db := newTestOrchestrator(t, DefaultCaps(), d)
	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	o.Pause()
	o.Stop()
	runOnce(t, o)
	if len(d.Calls()) != 0 {
		t.Errorf("expected no dispatch while paused and stopped, got %d", len(d.Calls()))
	}
	if n := mustGet(t, db, "R"); n.Phase != models.PhasePending {
		t.Errorf("expected PENDING, got %s", n.Phase)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript, delay: 10 * time.Second}
	o, _ := newTestOrchestrator(t, DefaultCaps(), d)
	if _, err := o.Submit(models.ChildSpec{Name: "R"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestOrchestrator_Send(t *testing.T) {
	o, db := newTestOrchestrator(t, DefaultCaps(), nil)
	if _, err := o.Submit(sharedTree()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := db.CreateChildren("R", sharedTree().Content.Planned, 0); err != nil {
		t.Fatalf("CreateChildren failed: %v", err)
	}
	ctx := context.Background()

	if _, err := o.Send(ctx, "", "R/a", models.MessageContextUpdate, "", nil); err != nil {
		t.Errorf("system send failed: %v", err)
	}
	if _, err := o.Send(ctx, "R", "R/a", models.MessageProceed, models.PriorityNormal, nil); err != nil {
		t.Errorf("parent to child failed: %v", err)
	}
	if _, err := o.Send(ctx, "R/a", "R/b", models.MessageDiscovery, models.PriorityNormal, nil); !errors.Is(err, models.ErrInvalidRoute) {
		t.Errorf("sibling send: expected ErrInvalidRoute, got %v", err)
	}
}

func TestOrchestrator_CheckPath(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultCaps(), nil)
	spec := models.ChildSpec{Name: "R", Content: models.SpecContent{
		Title:          "scoped",
		AllowedPaths:   []string{"internal/"},
		ForbiddenPaths: []string{"internal/secret"},
	}}
	if _, err := o.Submit(spec); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"internal/api/x.go", true},
		{"internal/secret/key.go", false},
		{"cmd/main.go", false},
	}
	for _, tt := range tests {
		ok, reason, err := o.CheckPath("R", tt.path)
		if err != nil {
			t.Fatalf("CheckPath(%s) failed: %v", tt.path, err)
		}
		if ok != tt.want {
			t.Errorf("CheckPath(%s) = %v (%s), want %v", tt.path, ok, reason, tt.want)
		}
	}

	if _, _, err := o.CheckPath("ghost", "x"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOrchestrator_History(t *testing.T) {
	d := &scriptedDispatcher{script: happyScript}
	o, _ := newTestOrchestrator(t, DefaultCaps(), d)
	if _, err := o.Submit(models.ChildSpec{Name: "R", Content: models.SpecContent{Title: "leaf"}}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runOnce(t, o)

	transitions, runs, err := o.History("R")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(transitions) == 0 || transitions[0].From != models.PhasePending {
		t.Errorf("transitions = %+v", transitions)
	}
	if len(runs) != 2 {
		t.Errorf("expected proposer and critic runs, got %d", len(runs))
	}
}

func hasMessage(msgs []models.Message, typ models.MessageType) bool {
	for _, m := range msgs {
		if m.Type == typ {
			return true
		}
	}
	return false
}
