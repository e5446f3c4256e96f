package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Caps are the hard limits of a run. Zero means unlimited for MaxDepth,
// MaxAgents and MaxCost.
type Caps struct {
	MaxConcurrent     int
	MaxDepth          int
	MaxAgents         int
	MaxCost           float64
	MaxIterations     int
	MaxArchIterations int
}

// DefaultCaps returns the default limits.
func DefaultCaps() Caps {
	return Caps{
		MaxConcurrent:     3,
		MaxDepth:          3,
		MaxAgents:         50,
		MaxCost:           0,
		MaxIterations:     10,
		MaxArchIterations: 5,
	}
}

// CapStatus represents how close the run is to its agent and cost caps.
type CapStatus int

const (
	// CapOK indicates usage is below the warning threshold.
	CapOK CapStatus = iota
	// CapWarning indicates usage is between the warning threshold and the cap.
	CapWarning
	// CapExhausted indicates a cap is reached; no new dispatches.
	CapExhausted
)

// String returns a human-readable representation of the cap status.
func (s CapStatus) String() string {
	switch s {
	case CapOK:
		return "OK"
	case CapWarning:
		return "Warning"
	case CapExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// CapGuard checks max_agents and max_cost before every dispatch. The
// counters live in the store so they survive restarts and are shared by
// every process working on the same project.
type CapGuard struct {
	caps             Caps
	store            state.CounterStore
	warningThreshold float64
	// exhausted is the cap that stopped dispatching, once hit.
	exhausted *models.CapError
	mu        sync.RWMutex
}

// NewCapGuard creates a guard over persisted counters.
func NewCapGuard(caps Caps, store state.CounterStore) *CapGuard {
	return &CapGuard{
		caps:             caps,
		store:            store,
		warningThreshold: DefaultWarningThreshold,
	}
}

// Caps returns the configured limits.
func (g *CapGuard) Caps() Caps {
	return g.caps
}

// Reserve takes one agent slot. Once a cap is hit the guard stays exhausted
// for the rest of the run: this is a hard stop, not a retry-later condition.
func (g *CapGuard) Reserve() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exhausted != nil {
		return g.exhausted
	}
	if _, err := g.store.ReserveAgent(g.caps.MaxAgents, g.caps.MaxCost); err != nil {
		var capErr *models.CapError
		if errors.As(err, &capErr) {
			g.exhausted = capErr
			return capErr
		}
		return fmt.Errorf("reserve agent: %w", err)
	}
	return nil
}

// Release gives back a slot whose round was never dispatched.
func (g *CapGuard) Release() error {
	return g.store.ReleaseAgent()
}

// AddCost records the cost of a finished round, failed rounds included.
func (g *CapGuard) AddCost(cost float64) error {
	return g.store.AddCost(cost)
}

// IsExhausted returns true once Reserve has hit a cap.
func (g *CapGuard) IsExhausted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exhausted != nil
}

// Exhausted returns the cap that stopped dispatching, or nil.
func (g *CapGuard) Exhausted() *models.CapError {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exhausted
}

// Check returns the status of the most consumed of the agent and cost caps.
func (g *CapGuard) Check() (CapStatus, error) {
	c, err := g.store.Counters()
	if err != nil {
		return CapOK, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var frac float64
	if g.caps.MaxAgents > 0 {
		frac = float64(c.AgentsDispatched) / float64(g.caps.MaxAgents)
	}
	if g.caps.MaxCost > 0 {
		if f := c.CostSpent / g.caps.MaxCost; f > frac {
			frac = f
		}
	}

	switch {
	case g.exhausted != nil || frac >= 1.0:
		return CapExhausted, nil
	case frac >= g.warningThreshold:
		return CapWarning, nil
	default:
		return CapOK, nil
	}
}

// Usage returns the persisted counters.
func (g *CapGuard) Usage() (state.RunCounters, error) {
	return g.store.Counters()
}

// SetWarningThreshold sets the warning threshold (0.0-1.0). Invalid values
// are clamped.
func (g *CapGuard) SetWarningThreshold(threshold float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	g.warningThreshold = threshold
}
