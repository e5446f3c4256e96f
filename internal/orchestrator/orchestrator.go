package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/hibernate"
	"github.com/ShayCichocki/spectree/internal/orchestrator/policy"
	"github.com/ShayCichocki/spectree/internal/scope"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Orchestrator wires the spec store, message bus, hibernation manager,
// scheduler and state machine of one run. Independent runs can live in the
// same process; nothing here is global except the debug log sink.
type Orchestrator struct {
	store      state.StateStore
	bus        *bus.Bus
	hib        *hibernate.Manager
	dispatcher Dispatcher
	machine    *Machine
	scheduler  *Scheduler
	capGuard   *CapGuard
	policy     *policy.Config
	emitter    *EventEmitter
	recorder   Recorder
	logger     *DebugLogger
	pauseCtrl  *PauseController
}

// New creates an Orchestrator with the required configuration and options.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		o.policy = policy.Default()
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.emitter == nil {
		o.emitter = NewEventEmitter(o.policy.Events.BufferSize)
	}
	if o.journal != nil {
		o.emitter.SetJournal(o.journal)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	setPackageLogger(o.logger)

	hib := hibernate.NewManager(req.Store, req.Bus)
	hib.SetDebugLog(o.logger.Log)
	req.Bus.SetDebugLog(o.logger.Log)
	req.Bus.Observe(hib)

	orch := &Orchestrator{
		store:      req.Store,
		bus:        req.Bus,
		hib:        hib,
		dispatcher: req.Dispatcher,
		scheduler:  NewScheduler(req.Store, o.caps.MaxConcurrent),
		capGuard:   NewCapGuard(o.caps, req.Store),
		policy:     o.policy,
		emitter:    o.emitter,
		recorder:   o.recorder,
		logger:     o.logger,
		pauseCtrl:  NewPauseController(),
	}
	orch.machine = NewMachine(req.Store, req.Bus, hib, o.caps, o.policy.Retry, o.emitter, o.recorder)

	hib.OnWake(orch.machine.Gate().OnWake)
	hib.OnWake(orch.onWake)
	return orch, nil
}

// Submit creates a root spec in PENDING.
func (o *Orchestrator) Submit(spec models.ChildSpec) (*models.SpecNode, error) {
	node, err := o.store.CreateRoot(spec)
	if err != nil {
		return nil, err
	}
	o.logger.Log("[orchestrator] submitted root %s", node.ID)
	return node, nil
}

// Decide applies a human decision to an AWAITING_* node.
func (o *Orchestrator) Decide(ctx context.Context, id string, d Decision) (*models.SpecNode, error) {
	return o.machine.Decide(ctx, id, d)
}

// Resume moves a BLOCKED or FAILED node back into a working phase.
func (o *Orchestrator) Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error) {
	return o.machine.Resume(ctx, id, to, feedback)
}

// Send delivers a message between two tree nodes, or from the system when
// from is empty or "system".
func (o *Orchestrator) Send(ctx context.Context, from, to string, typ models.MessageType, prio models.Priority, payload json.RawMessage) (*models.Message, error) {
	if from == "" || from == models.SystemSender {
		return o.bus.SendSystem(ctx, to, typ, prio, payload)
	}
	return o.bus.Send(ctx, from, to, typ, prio, payload)
}

// Sweep re-evaluates every hibernation trigger now.
func (o *Orchestrator) Sweep(ctx context.Context) ([]string, error) {
	return o.hib.Sweep(ctx)
}

// Status returns the read-only status projection.
func (o *Orchestrator) Status() (*Status, error) {
	return BuildStatus(o.store)
}

// Messages returns recent traffic of a node.
func (o *Orchestrator) Messages(ctx context.Context, id string, limit int) ([]models.Message, error) {
	if _, err := o.store.Get(id); err != nil {
		return nil, err
	}
	return o.bus.History(ctx, id, limit)
}

// Node returns one node of the tree.
func (o *Orchestrator) Node(id string) (*models.SpecNode, error) {
	return o.store.Get(id)
}

// History returns a node's phase transitions and its agent run ledger.
func (o *Orchestrator) History(id string) ([]models.PhaseTransition, []models.AgentRun, error) {
	if _, err := o.store.Get(id); err != nil {
		return nil, nil, err
	}
	transitions, err := o.store.ListTransitions(id)
	if err != nil {
		return nil, nil, err
	}
	runs, err := o.store.ListAgentRuns(id)
	if err != nil {
		return nil, nil, err
	}
	return transitions, runs, nil
}

// AllowedPaths returns the write scope of a node.
func (o *Orchestrator) AllowedPaths(id string) (allowed, forbidden []string, err error) {
	n, err := o.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return n.Content.AllowedPaths, n.Content.ForbiddenPaths, nil
}

// CheckPath reports whether a node's agents may write p, and why not.
func (o *Orchestrator) CheckPath(id, p string) (bool, string, error) {
	allowed, forbidden, err := o.AllowedPaths(id)
	if err != nil {
		return false, "", err
	}
	ok, reason := scope.Check(p, allowed, forbidden)
	return ok, reason, nil
}

// Events returns the event channel.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// Pause stops new dispatches until Resume.
func (o *Orchestrator) Pause() { o.pauseCtrl.Pause() }

// Unpause resumes dispatching.
func (o *Orchestrator) Unpause() { o.pauseCtrl.Resume() }

// Stop ends the run once in-flight rounds drain.
func (o *Orchestrator) Stop() { o.pauseCtrl.Stop() }

// Caps returns the run caps.
func (o *Orchestrator) Caps() Caps { return o.capGuard.Caps() }

// CapStatus returns how close the run is to its agent and cost caps.
func (o *Orchestrator) CapStatus() (CapStatus, error) { return o.capGuard.Check() }

// Close releases the event channel and the debug log.
func (o *Orchestrator) Close() error {
	o.emitter.Close()
	return o.logger.Close()
}

func (o *Orchestrator) onWake(node *models.SpecNode, reason hibernate.WakeReason) {
	o.recorder.Woke(string(reason))
	o.emitter.Emit(OrchestratorEvent{
		Type:     EventWoke,
		SpecID:   node.ID,
		ParentID: node.ParentID,
		Phase:    node.Phase,
		Message:  string(reason),
	})
}
