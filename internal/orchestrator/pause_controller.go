package orchestrator

import (
	"log"
	"sync"
)

type runState int

const (
	stateRunning runState = iota
	statePaused
	stateStopping
)

func (s runState) String() string {
	switch s {
	case statePaused:
		return "paused"
	case stateStopping:
		return "stopping"
	default:
		return "running"
	}
}

// PauseController holds the operator's control over the run loop. Paused
// means no new rounds; in-flight rounds still finish and are applied.
// Stopping is final: in-flight rounds drain and the run ends, and later
// pause or resume requests are ignored.
type PauseController struct {
	mu    sync.Mutex
	state runState
	// changed is closed on every state change and then replaced, so the
	// idle loop can wait on it alongside its poll timer.
	changed chan struct{}
}

// NewPauseController starts in the running state.
func NewPauseController() *PauseController {
	return &PauseController{changed: make(chan struct{})}
}

// Pause stops new dispatches.
func (p *PauseController) Pause() { p.set(statePaused) }

// Resume re-enables dispatching after Pause.
func (p *PauseController) Resume() { p.set(stateRunning) }

// Stop asks the run to end once in-flight rounds drain.
func (p *PauseController) Stop() { p.set(stateStopping) }

func (p *PauseController) set(to runState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == to || p.state == stateStopping {
		return
	}
	log.Printf("[orchestrator] %s -> %s", p.state, to)
	p.state = to
	close(p.changed)
	p.changed = make(chan struct{})
}

// Changed returns a channel closed at the next state change.
func (p *PauseController) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// State names the current state.
func (p *PauseController) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.String()
}

func (p *PauseController) IsPaused() bool  { return p.is(statePaused) }
func (p *PauseController) IsStopped() bool { return p.is(stateStopping) }

// CanDispatch reports whether new rounds may start.
func (p *PauseController) CanDispatch() bool { return p.is(stateRunning) }

func (p *PauseController) is(s runState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == s
}
