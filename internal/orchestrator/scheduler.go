package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/spectree/internal/graph"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// SchedulerStore is the read side of the spec store the scheduler needs.
type SchedulerStore interface {
	List(filter state.ListFilter) ([]models.SpecNode, error)
	HibernatingIDs() (map[string]bool, error)
}

// Scheduler computes the runnable set and hands out dispatch slots.
// It respects max_concurrent and orders candidates by queue sequence, so a
// node re-entering the queue goes to the back and nothing jumps ahead of a
// node that has been waiting longer.
type Scheduler struct {
	// store is read fresh on every call.
	store SchedulerStore
	// maxConcurrent is the maximum number of in-flight rounds.
	maxConcurrent int
	// running maps spec IDs to the role of their in-flight round.
	running map[string]models.Role
	// mu protects running.
	mu sync.RWMutex
}

// NewScheduler creates a new Scheduler. maxConcurrent < 1 is treated as 1.
func NewScheduler(store SchedulerStore, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		store:         store,
		maxConcurrent: maxConcurrent,
		running:       make(map[string]models.Role),
	}
}

// RunnableSet returns the nodes that may be dispatched: non-terminal, not
// awaiting a decision, not hibernating, and with every depends_on entry
// COMPLETE. The result is in queue order. In-flight nodes are included;
// Schedule filters them.
func (s *Scheduler) RunnableSet() ([]models.SpecNode, error) {
	all, err := s.store.List(state.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	hibernating, err := s.store.HibernatingIDs()
	if err != nil {
		return nil, fmt.Errorf("list hibernating: %w", err)
	}

	g := graph.New()
	byID := make(map[string]models.SpecNode, len(all))
	for _, n := range all {
		g.Add(n.ID, n.DependsOn)
		byID[n.ID] = n
	}
	complete := func(id string) bool {
		n, ok := byID[id]
		return ok && n.Phase == models.PhaseComplete
	}

	var runnable []models.SpecNode
	for _, id := range g.GetReady(complete) {
		n := byID[id]
		if n.Phase.Terminal() || n.Phase.AwaitingApproval() || hibernating[n.ID] {
			continue
		}
		runnable = append(runnable, n)
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		if runnable[i].QueueSeq != runnable[j].QueueSeq {
			return runnable[i].QueueSeq < runnable[j].QueueSeq
		}
		return runnable[i].ID < runnable[j].ID
	})
	return runnable, nil
}

// Schedule returns up to maxConcurrent - running nodes from the runnable
// set, skipping nodes already in flight.
func (s *Scheduler) Schedule() ([]models.SpecNode, error) {
	runnable, err := s.RunnableSet()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := s.maxConcurrent - len(s.running)
	if slots <= 0 {
		debugLog("[scheduler] no available slots: max=%d, running=%d", s.maxConcurrent, len(s.running))
		return nil, nil
	}

	var out []models.SpecNode
	for _, n := range runnable {
		if _, busy := s.running[n.ID]; busy {
			continue
		}
		out = append(out, n)
		if len(out) == slots {
			break
		}
	}
	debugLog("[scheduler] runnable=%d running=%d scheduled=%d", len(runnable), len(s.running), len(out))
	return out, nil
}

// MarkRunning records an in-flight round.
func (s *Scheduler) MarkRunning(id string, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = role
}

// MarkDone releases the slot of a finished round.
func (s *Scheduler) MarkDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// RunningCount returns the number of in-flight rounds.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Running returns a copy of the in-flight map.
func (s *Scheduler) Running() map[string]models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Role, len(s.running))
	for id, role := range s.running {
		out[id] = role
	}
	return out
}

// MaxConcurrent returns the slot limit.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}
