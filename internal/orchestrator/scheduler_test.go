package orchestrator

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// fakeSchedulerStore serves a fixed node list.
type fakeSchedulerStore struct {
	nodes       []models.SpecNode
	hibernating map[string]bool
}

func (f *fakeSchedulerStore) List(state.ListFilter) ([]models.SpecNode, error) {
	return f.nodes, nil
}

func (f *fakeSchedulerStore) HibernatingIDs() (map[string]bool, error) {
	if f.hibernating == nil {
		return map[string]bool{}, nil
	}
	return f.hibernating, nil
}

func node(id string, phase models.Phase, seq int64, deps ...string) models.SpecNode {
	return models.SpecNode{ID: id, Phase: phase, QueueSeq: seq, DependsOn: deps}
}

func ids(nodes []models.SpecNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(&fakeSchedulerStore{}, 4)
	if s.MaxConcurrent() != 4 {
		t.Errorf("expected maxConcurrent 4, got %d", s.MaxConcurrent())
	}

	s = NewScheduler(&fakeSchedulerStore{}, 0)
	if s.MaxConcurrent() != 1 {
		t.Errorf("expected maxConcurrent clamped to 1, got %d", s.MaxConcurrent())
	}
}

func TestSchedulerScheduleEmpty(t *testing.T) {
	s := NewScheduler(&fakeSchedulerStore{}, 4)

	ready, err := s.Schedule()
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("expected 0 ready specs, got %d", len(ready))
	}
}

func TestSchedulerRunnableSet_Exclusions(t *testing.T) {
	store := &fakeSchedulerStore{
		nodes: []models.SpecNode{
			node("R", models.PhaseDecomposing, 1),
			node("R/done", models.PhaseComplete, 2),
			node("R/blocked", models.PhaseBlocked, 3),
			node("R/failed", models.PhaseFailed, 4),
			node("R/waiting", models.PhaseAwaitingImplApproval, 5),
			node("R/asleep", models.PhaseImplementation, 6),
			node("R/new", models.PhasePending, 7),
		},
		hibernating: map[string]bool{"R/asleep": true},
	}
	s := NewScheduler(store, 10)

	runnable, err := s.RunnableSet()
	if err != nil {
		t.Fatalf("RunnableSet failed: %v", err)
	}
	got := fmt.Sprint(ids(runnable))
	if got != "[R R/new]" {
		t.Errorf("runnable = %s, want [R R/new]", got)
	}
}

// TestSchedulerSharedDependency covers R with children shared, A and B
// where A and B depend on shared: only shared runs first, then A and B
// become runnable together.
func TestSchedulerSharedDependency(t *testing.T) {
	store := &fakeSchedulerStore{
		nodes: []models.SpecNode{
			node("R/shared", models.PhasePending, 1),
			node("R/a", models.PhasePending, 2, "R/shared"),
			node("R/b", models.PhasePending, 3, "R/shared"),
		},
		hibernating: map[string]bool{},
	}
	s := NewScheduler(store, 3)

	ready, err := s.Schedule()
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got := fmt.Sprint(ids(ready)); got != "[R/shared]" {
		t.Fatalf("first schedule = %s, want [R/shared]", got)
	}

	store.nodes[0].Phase = models.PhaseImplementation
	s.MarkRunning("R/shared", models.RoleImplementer)
	ready, _ = s.Schedule()
	if len(ready) != 0 {
		t.Errorf("expected nothing while shared is in flight, got %v", ids(ready))
	}

	store.nodes[0].Phase = models.PhaseComplete
	s.MarkDone("R/shared")
	ready, _ = s.Schedule()
	if got := fmt.Sprint(ids(ready)); got != "[R/a R/b]" {
		t.Errorf("after shared completes = %s, want [R/a R/b]", got)
	}
}

func TestSchedulerMaxConcurrentLimit(t *testing.T) {
	store := &fakeSchedulerStore{}
	for i := 0; i < 6; i++ {
		store.nodes = append(store.nodes, node(fmt.Sprintf("R%d", i), models.PhasePending, int64(i)))
	}
	s := NewScheduler(store, 2)

	ready, _ := s.Schedule()
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready, got %d", len(ready))
	}
	for _, n := range ready {
		s.MarkRunning(n.ID, models.RoleProposer)
	}

	ready, _ = s.Schedule()
	if len(ready) != 0 {
		t.Errorf("expected no slots, got %d", len(ready))
	}

	// A finished round is saved with a fresh queue sequence.
	store.nodes[0].Phase = models.PhaseArchitecture
	store.nodes[0].QueueSeq = 6
	s.MarkDone("R0")
	ready, _ = s.Schedule()
	if got := fmt.Sprint(ids(ready)); got != "[R2]" {
		t.Errorf("after one slot frees = %s, want [R2]", got)
	}
	if s.RunningCount() != 1 {
		t.Errorf("expected 1 running, got %d", s.RunningCount())
	}
}

// TestSchedulerQueueOrder checks that a node re-entering the queue with a
// fresh sequence goes behind nodes that waited longer.
func TestSchedulerQueueOrder(t *testing.T) {
	store := &fakeSchedulerStore{
		nodes: []models.SpecNode{
			node("R/woken", models.PhaseDecomposing, 40),
			node("R/old", models.PhaseImplementation, 10),
			node("R/mid", models.PhaseArchitecture, 20),
		},
	}
	s := NewScheduler(store, 1)

	ready, _ := s.Schedule()
	if got := fmt.Sprint(ids(ready)); got != "[R/old]" {
		t.Errorf("schedule = %s, want [R/old]", got)
	}

	runnable, _ := s.RunnableSet()
	if got := fmt.Sprint(ids(runnable)); got != "[R/old R/mid R/woken]" {
		t.Errorf("queue order = %s", got)
	}
}

func TestSchedulerRunning(t *testing.T) {
	s := NewScheduler(&fakeSchedulerStore{}, 2)
	s.MarkRunning("R", models.RoleCritic)

	running := s.Running()
	if running["R"] != models.RoleCritic {
		t.Errorf("running = %v", running)
	}
	running["X"] = models.RoleProposer
	if s.RunningCount() != 1 {
		t.Error("Running must return a copy")
	}
}

// TestSchedulerRunnableProperty checks that a node is runnable iff it is
// not terminal, not awaiting a decision, not hibernating, and every
// dependency is COMPLETE.
func TestSchedulerRunnableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		store := &fakeSchedulerStore{hibernating: map[string]bool{}}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("R/c%d", i)
			phase := rapid.SampledFrom(models.AllPhases).Draw(t, "phase")
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, "dep") {
					deps = append(deps, fmt.Sprintf("R/c%d", j))
				}
			}
			store.nodes = append(store.nodes, node(id, phase, int64(i), deps...))
			if rapid.Bool().Draw(t, "hibernating") {
				store.hibernating[id] = true
			}
		}

		runnable, err := NewScheduler(store, n).RunnableSet()
		if err != nil {
			t.Fatalf("RunnableSet failed: %v", err)
		}
		got := make(map[string]bool, len(runnable))
		for _, r := range runnable {
			got[r.ID] = true
		}

		phases := make(map[string]models.Phase)
		for _, nd := range store.nodes {
			phases[nd.ID] = nd.Phase
		}
		for _, nd := range store.nodes {
			want := !nd.Phase.Terminal() && !nd.Phase.AwaitingApproval() && !store.hibernating[nd.ID]
			for _, d := range nd.DependsOn {
				if phases[d] != models.PhaseComplete {
					want = false
				}
			}
			if got[nd.ID] != want {
				t.Fatalf("%s (phase=%s deps=%v hibernating=%v): runnable=%v, want %v",
					nd.ID, nd.Phase, nd.DependsOn, store.hibernating[nd.ID], got[nd.ID], want)
			}
		}
	})
}
