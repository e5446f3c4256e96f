package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/orchestrator/policy"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// scriptedDispatcher answers rounds from a script and records what it saw.
type scriptedDispatcher struct {
	script func(req models.DispatchRequest) (*models.RoundResult, error)
	delay  time.Duration
	// before runs at dispatch time, before the delay.
	before func(req models.DispatchRequest)

	mu          sync.Mutex
	calls       []models.DispatchRequest
	inflight    int
	maxInflight int
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.RoundResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.inflight++
	if d.inflight > d.maxInflight {
		d.maxInflight = d.inflight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}()

	if d.before != nil {
		d.before(req)
	}
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	return d.script(req)
}

func (d *scriptedDispatcher) Calls() []models.DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DispatchRequest(nil), d.calls...)
}

func (d *scriptedDispatcher) MaxInflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInflight
}

// callsFor returns the roles dispatched to one spec, in order.
func (d *scriptedDispatcher) callsFor(id string) []models.Role {
	var roles []models.Role
	for _, c := range d.Calls() {
		if c.SpecID == id {
			roles = append(roles, c.Role)
		}
	}
	return roles
}

func boolPtr(b bool) *bool { return &b }

// happyScript approves everything. Proposers decide leaf kind from the
// planned children in the spec content.
func happyScript(req models.DispatchRequest) (*models.RoundResult, error) {
	switch req.Role {
	case models.RoleProposer:
		leaf := len(req.Content.Planned) == 0
		return &models.RoundResult{RoleOutput: "proposal for " + req.SpecID, Leaf: &leaf, Cost: 0.01}, nil
	case models.RoleCritic:
		return &models.RoundResult{Verdict: &models.Verdict{Outcome: models.VerdictApprove, Summary: "looks right"}}, nil
	case models.RoleVerifier:
		return &models.RoundResult{Verdict: &models.Verdict{Outcome: models.VerdictPass, Summary: "tests pass"}}, nil
	default:
		return &models.RoundResult{RoleOutput: string(req.Role) + " done"}, nil
	}
}

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Loop.PollInterval = 2 * time.Millisecond
	p.Loop.SweepInterval = 20 * time.Millisecond
	p.Retry.Backoff = time.Millisecond
	return p
}

func openTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestOrchestrator builds an orchestrator over a fresh database and an
// in-memory bus, and drains its events so Emit never blocks.
func newTestOrchestrator(t *testing.T, caps Caps, d Dispatcher) (*Orchestrator, *state.DB) {
	t.Helper()
	db := openTestDB(t)
	b := bus.New(bus.NewMemoryBackend(), db)

	o, err := New(RequiredConfig{Store: db, Bus: b, Dispatcher: d}, WithCaps(caps), WithPolicy(testPolicy()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range o.Events() {
		}
	}()
	t.Cleanup(func() {
		o.Close()
		<-done
	})
	return o, db
}

// runOnce runs the loop until it goes idle.
func runOnce(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// driveWithApprovals runs the loop and approves every pending request until
// nothing is pending.
func driveWithApprovals(t *testing.T, o *Orchestrator, db *state.DB) {
	t.Helper()
	for i := 0; i < 50; i++ {
		runOnce(t, o)
		pending, err := PendingApprovals(db)
		if err != nil {
			t.Fatalf("PendingApprovals failed: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		for _, p := range pending {
			if _, err := o.Decide(context.Background(), p.SpecID, Decision{Approve: true, By: "test"}); err != nil {
				t.Fatalf("Decide(%s) failed: %v", p.SpecID, err)
			}
		}
	}
	t.Fatal("tree did not settle after 50 approval rounds")
}

func mustGet(t *testing.T, db *state.DB, id string) *models.SpecNode {
	t.Helper()
	n, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return n
}

// forcePhase writes a phase directly, bypassing the transition table.
func forcePhase(t *testing.T, db *state.DB, id string, phase models.Phase) {
	t.Helper()
	if _, err := db.Exec("UPDATE specs SET phase = ? WHERE id = ?", string(phase), id); err != nil {
		t.Fatalf("force phase: %v", err)
	}
}

// sharedTree is R with children shared, a and b, where a and b depend on shared.
func sharedTree() models.ChildSpec {
	return models.ChildSpec{
		Name: "R",
		Content: models.SpecContent{
			Title: "root",
			Planned: []models.ChildSpec{
				{Name: "shared", Leaf: boolPtr(true)},
				{Name: "a", Leaf: boolPtr(true), DependsOn: []string{"shared"}},
				{Name: "b", Leaf: boolPtr(true), DependsOn: []string{"shared"}},
			},
		},
	}
}
