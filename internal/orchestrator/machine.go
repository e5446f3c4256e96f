package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/spectree/internal/bus"
	"github.com/ShayCichocki/spectree/internal/hibernate"
	"github.com/ShayCichocki/spectree/internal/orchestrator/policy"
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// errStale marks a round result for a node that moved on while the round
// was in flight. The result is discarded.
var errStale = errors.New("stale round result")

// Decision is a human (or delegate) verdict on an AWAITING_* node.
type Decision struct {
	Approve  bool
	Feedback string
	// By names who decided, for the phase history.
	By string
	// Version, when non-zero, must match the node version the decision was
	// made against.
	Version int64
}

// Machine applies round results, decisions and gate signals to nodes.
// Every write is a compare-and-set on the node version; a stale version
// re-reads the node and re-applies the change.
type Machine struct {
	store    state.StateStore
	bus      *bus.Bus
	hib      *hibernate.Manager
	caps     Caps
	retry    policy.RetryPolicy
	emitter  *EventEmitter
	recorder Recorder
	gate     *Gate
}

// NewMachine creates a state machine. emitter and recorder may be nil.
func NewMachine(store state.StateStore, b *bus.Bus, hib *hibernate.Manager, caps Caps, retry policy.RetryPolicy, emitter *EventEmitter, recorder Recorder) *Machine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if retry.MaxCASRetries < 1 {
		retry = policy.Default().Retry
	}
	m := &Machine{
		store:    store,
		bus:      b,
		hib:      hib,
		caps:     caps,
		retry:    retry,
		emitter:  emitter,
		recorder: recorder,
	}
	m.gate = &Gate{machine: m}
	return m
}

// Gate returns the completion gate bound to this machine.
func (m *Machine) Gate() *Gate {
	return m.gate
}

// Prepare readies a scheduled node for dispatch. A PENDING node enters
// ARCHITECTURE here. Returns the fresh node and the role to dispatch.
func (m *Machine) Prepare(ctx context.Context, id string) (*models.SpecNode, models.Role, error) {
	node, err := m.update(ctx, id, func(n *models.SpecNode) (state.SaveOptions, error) {
		if n.Phase != models.PhasePending {
			return state.SaveOptions{}, errNoChange
		}
		n.Phase = models.PhaseArchitecture
		n.NextRole = models.RoleProposer
		if n.Content.Research {
			n.NextRole = models.RoleResearcher
		}
		return state.SaveOptions{Reason: "scheduled", TriggeredBy: "scheduler"}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return node, roleFor(node), nil
}

// BuildRequest assembles the input of one round: spec content, inbox,
// pending feedback and resume context, and child phases for parents.
func (m *Machine) BuildRequest(ctx context.Context, node *models.SpecNode, role models.Role) (models.DispatchRequest, error) {
	inbox, err := m.bus.Poll(ctx, node.ID)
	if err != nil {
		return models.DispatchRequest{}, err
	}

	req := models.DispatchRequest{
		SpecID:        node.ID,
		Role:          role,
		Phase:         node.Phase,
		Leaf:          node.Leaf,
		Iteration:     iterationFor(node),
		Content:       node.Content,
		Inbox:         inbox,
		Feedback:      node.Feedback,
		ResumeContext: node.ResumeContext,
		LastResult:    node.LastResult,
	}

	if len(node.Children) > 0 {
		children, err := m.store.ListChildren(node.ID)
		if err != nil {
			return models.DispatchRequest{}, err
		}
		req.Children = make(map[string]models.Phase, len(children))
		for _, c := range children {
			req.Children[c.ID] = c.Phase
		}
	}
	return req, nil
}

// Apply folds a finished round into the node. A dispatch error fails the
// node. Consumed inbox messages are acknowledged only after the resulting
// transition commits; emitted messages are sent after that, and a
// hibernate request is honored last.
func (m *Machine) Apply(ctx context.Context, req models.DispatchRequest, res *models.RoundResult, dispatchErr error) (*models.SpecNode, error) {
	if dispatchErr != nil {
		node, err := m.update(ctx, req.SpecID, func(n *models.SpecNode) (state.SaveOptions, error) {
			if n.Phase != req.Phase {
				return state.SaveOptions{}, errStale
			}
			n.Phase = models.PhaseFailed
			n.Error = fmt.Sprintf("%s round failed: %v", req.Role, dispatchErr)
			return state.SaveOptions{Reason: "dispatch error", TriggeredBy: string(req.Role)}, nil
		})
		if errors.Is(err, errStale) {
			return nil, m.requeue(ctx, req.SpecID)
		}
		return node, err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal round result: %w", err)
	}

	var suspend *models.HibernateRequest
	node, err := m.update(ctx, req.SpecID, func(n *models.SpecNode) (state.SaveOptions, error) {
		if n.Phase != req.Phase {
			return state.SaveOptions{}, errStale
		}
		n.LastResult = payload
		n.Error = ""
		n.Feedback = ""
		n.ResumeContext = nil
		opts := state.SaveOptions{TriggeredBy: string(req.Role), Requeue: true}

		var err error
		suspend, err = m.applyRole(ctx, n, req.Role, res, &opts)
		return opts, err
	})
	if err != nil {
		if errors.Is(err, errStale) {
			log.Printf("[orchestrator] warning: discarding %s result for %s: node moved on", req.Role, req.SpecID)
			return nil, m.requeue(ctx, req.SpecID)
		}
		return nil, err
	}

	if len(req.Inbox) > 0 {
		ids := make([]string, len(req.Inbox))
		for i, msg := range req.Inbox {
			ids[i] = msg.ID
		}
		if err := m.bus.Ack(ctx, ids); err != nil {
			return node, err
		}
	}

	m.sendAll(ctx, node, res.Messages)

	if suspend != nil && working(node.Phase) {
		if err := m.suspend(ctx, node, suspend); err != nil {
			return node, err
		}
	}
	return node, nil
}

// applyRole mutates n for one round result and returns a hibernate request
// to honor after the write commits.
func (m *Machine) applyRole(ctx context.Context, n *models.SpecNode, role models.Role, res *models.RoundResult, opts *state.SaveOptions) (*models.HibernateRequest, error) {
	switch role {
	case models.RoleResearcher:
		n.NextRole = models.RoleProposer

	case models.RoleProposer:
		if res.Leaf != nil {
			n.Leaf = models.LeafKindFromBool(*res.Leaf)
		}
		if len(res.Children) > 0 {
			n.Content.Planned = res.Children
		}
		n.NextRole = models.RoleCritic

	case models.RoleCritic:
		if res.Verdict != nil && res.Verdict.Outcome.Positive() {
			n.Phase = models.PhaseAwaitingArchApproval
			n.NextRole = ""
			opts.Reason = "architecture accepted by critic"
			break
		}
		n.Iter.Architecture++
		if m.caps.MaxArchIterations > 0 && n.Iter.Architecture >= m.caps.MaxArchIterations {
			n.Phase = models.PhaseBlocked
			n.Error = fmt.Sprintf("%v: architecture rejected %d times: %s", models.ErrIterationsExhausted, n.Iter.Architecture, verdictSummary(res))
			opts.Reason = "max_arch_iterations reached"
			break
		}
		n.NextRole = models.RoleProposer

	case models.RoleImplementer:
		n.NextRole = models.RoleVerifier

	case models.RoleVerifier:
		if res.Verdict != nil && res.Verdict.Outcome.Positive() {
			if n.Phase == models.PhaseIntegration {
				n.Phase = models.PhaseAwaitingIntegApproval
			} else {
				n.Phase = models.PhaseAwaitingImplApproval
			}
			n.NextRole = ""
			opts.Reason = "verification passed"
			break
		}
		n.Iter.Implementation++
		if m.caps.MaxIterations > 0 && n.Iter.Implementation >= m.caps.MaxIterations {
			n.Phase = models.PhaseBlocked
			n.Error = fmt.Sprintf("%v: verification failed %d times: %s", models.ErrIterationsExhausted, n.Iter.Implementation, verdictSummary(res))
			opts.Reason = "max_iterations reached"
			break
		}
		n.NextRole = models.RoleImplementer

	case models.RoleCoordinator:
		n.NextRole = models.RoleCoordinator
		if len(n.Children) == 0 {
			if err := m.decompose(ctx, n, res, opts); err != nil {
				return nil, err
			}
			if !working(n.Phase) {
				return nil, nil
			}
		}
		if res.Hibernate != nil {
			return res.Hibernate, nil
		}
		return &models.HibernateRequest{Trigger: models.ResumeTrigger{Kind: models.TriggerChildrenComplete}}, nil

	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	if res.Hibernate != nil && working(n.Phase) {
		// The role that asked to wait runs again once woken.
		n.NextRole = role
		return res.Hibernate, nil
	}
	return nil, nil
}

// decompose creates the children of a DECOMPOSING node. A depth cap blocks
// the node; an invalid child set fails it.
func (m *Machine) decompose(ctx context.Context, n *models.SpecNode, res *models.RoundResult, opts *state.SaveOptions) error {
	specs := res.Children
	if len(specs) == 0 {
		specs = n.Content.Planned
	}
	if len(specs) == 0 {
		n.Phase = models.PhaseFailed
		n.Error = "decomposition produced no children"
		opts.Reason = n.Error
		return nil
	}

	created, err := m.store.CreateChildren(n.ID, specs, m.caps.MaxDepth)
	switch {
	case errors.Is(err, models.ErrCapExceeded):
		n.Phase = models.PhaseBlocked
		n.Error = err.Error()
		opts.Reason = "max_depth reached"
		m.recorder.CapReached(models.CapDepth)
		return nil
	case errors.Is(err, models.ErrInvalidSpec), errors.Is(err, models.ErrCycleDetected):
		n.Phase = models.PhaseFailed
		n.Error = err.Error()
		opts.Reason = "invalid decomposition"
		return nil
	case err != nil:
		return err
	}

	ids := make([]string, len(created))
	for i, c := range created {
		ids[i] = c.ID
	}
	n.Children = ids
	m.emit(OrchestratorEvent{
		Type:     EventChildrenCreated,
		SpecID:   n.ID,
		ParentID: n.ParentID,
		Phase:    n.Phase,
		Message:  strings.Join(ids, ", "),
	})
	return nil
}

// Decide applies an approve or reject decision to an AWAITING_* node.
func (m *Machine) Decide(ctx context.Context, id string, d Decision) (*models.SpecNode, error) {
	by := d.By
	if by == "" {
		by = "human"
	}
	return m.update(ctx, id, func(n *models.SpecNode) (state.SaveOptions, error) {
		if d.Version != 0 && d.Version != n.Version {
			return state.SaveOptions{}, fmt.Errorf("decision on version %d of %s, now %d: %w",
				d.Version, n.ID, n.Version, models.ErrConcurrentModification)
		}
		opts := state.SaveOptions{TriggeredBy: by, Requeue: true, Reason: "approved"}
		if !d.Approve {
			opts.Reason = "rejected"
			if d.Feedback != "" {
				opts.Reason = "rejected: " + d.Feedback
			}
			n.Feedback = d.Feedback
		}

		switch n.Phase {
		case models.PhaseAwaitingArchApproval:
			if !d.Approve {
				n.Phase = models.PhaseArchitecture
				n.NextRole = models.RoleProposer
				break
			}
			switch n.Leaf {
			case models.LeafYes:
				n.Phase = models.PhaseImplementation
				n.NextRole = models.RoleImplementer
				n.Iter.Implementation = 0
			case models.LeafNo:
				n.Phase = models.PhaseDecomposing
				n.NextRole = models.RoleCoordinator
			default:
				return opts, &models.TransitionError{SpecID: n.ID, From: n.Phase, To: models.PhaseImplementation,
					Reason: "leaf kind is still undecided"}
			}

		case models.PhaseAwaitingImplApproval:
			if d.Approve {
				n.Phase = models.PhaseComplete
				n.NextRole = ""
			} else {
				n.Phase = models.PhaseImplementation
				n.NextRole = models.RoleImplementer
			}

		case models.PhaseAwaitingIntegApproval:
			if d.Approve {
				n.Phase = models.PhaseComplete
				n.NextRole = ""
			} else {
				n.Phase = models.PhaseIntegration
				n.NextRole = models.RoleImplementer
			}

		default:
			return opts, &models.TransitionError{SpecID: n.ID, From: n.Phase, To: n.Phase,
				Reason: "no decision pending"}
		}
		return opts, nil
	})
}

// Resume moves a BLOCKED or FAILED node back into a working phase after
// manual review. to defaults to ARCHITECTURE. The iteration counter of the
// target phase restarts from zero.
func (m *Machine) Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error) {
	if to == "" {
		to = models.PhaseArchitecture
	}
	return m.update(ctx, id, func(n *models.SpecNode) (state.SaveOptions, error) {
		if n.Phase != models.PhaseBlocked && n.Phase != models.PhaseFailed {
			return state.SaveOptions{}, &models.TransitionError{SpecID: n.ID, From: n.Phase, To: to,
				Reason: "only BLOCKED or FAILED nodes can be resumed"}
		}
		if to == models.PhaseIntegration {
			done, err := m.childrenComplete(n.ID)
			if err != nil {
				return state.SaveOptions{}, err
			}
			if !done {
				return state.SaveOptions{}, &models.TransitionError{SpecID: n.ID, From: n.Phase, To: to,
					Reason: "children are not all COMPLETE"}
			}
		}
		n.Phase = to
		switch to {
		case models.PhaseArchitecture:
			n.Iter.Architecture = 0
		case models.PhaseImplementation, models.PhaseIntegration:
			n.Iter.Implementation = 0
		}
		n.NextRole = defaultRole(to)
		n.Error = ""
		n.ReviewReason = ""
		n.Feedback = feedback
		return state.SaveOptions{Reason: "resumed after review", TriggeredBy: "human", Requeue: true}, nil
	})
}

// EnterIntegration moves a DECOMPOSING parent to INTEGRATION if, on a fresh
// read, every child is COMPLETE. Returns false when nothing changed.
func (m *Machine) EnterIntegration(ctx context.Context, id string) (bool, error) {
	changed := false
	_, err := m.update(ctx, id, func(n *models.SpecNode) (state.SaveOptions, error) {
		if n.Phase != models.PhaseDecomposing || len(n.Children) == 0 {
			return state.SaveOptions{}, errNoChange
		}
		done, err := m.childrenComplete(n.ID)
		if err != nil {
			return state.SaveOptions{}, err
		}
		if !done {
			return state.SaveOptions{}, errNoChange
		}
		n.Phase = models.PhaseIntegration
		n.NextRole = models.RoleImplementer
		n.Iter.Implementation = 0
		n.ReviewReason = ""
		changed = true
		return state.SaveOptions{Reason: "all children complete", TriggeredBy: "gate", Requeue: true}, nil
	})
	return changed, err
}

// update re-reads the node, applies fn and saves with compare-and-set,
// retrying on ConcurrentModification. fn must be safe to run again.
func (m *Machine) update(ctx context.Context, id string, fn func(n *models.SpecNode) (state.SaveOptions, error)) (*models.SpecNode, error) {
	for attempt := 1; ; attempt++ {
		node, err := m.store.Get(id)
		if err != nil {
			return nil, err
		}
		from := node.Phase

		opts, err := fn(node)
		if errors.Is(err, errNoChange) {
			return node, nil
		}
		if err != nil {
			return nil, err
		}

		err = m.store.Save(node, opts)
		if err == nil {
			if from != node.Phase {
				m.phaseChanged(ctx, node, from, opts.Reason)
			}
			return node, nil
		}
		if !errors.Is(err, models.ErrConcurrentModification) || attempt >= m.retry.MaxCASRetries {
			return nil, err
		}
		debugLog("[machine] %s: concurrent modification, retry %d", id, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retry.Backoff):
		}
	}
}

// requeue sends a node whose round result was discarded to the back of the
// queue, behind nodes that waited while its round was in flight.
func (m *Machine) requeue(ctx context.Context, id string) error {
	_, err := m.update(ctx, id, func(n *models.SpecNode) (state.SaveOptions, error) {
		if n.Phase.Terminal() {
			return state.SaveOptions{}, errNoChange
		}
		return state.SaveOptions{Requeue: true}, nil
	})
	return err
}

// phaseChanged runs the side effects of a committed phase change.
func (m *Machine) phaseChanged(ctx context.Context, node *models.SpecNode, from models.Phase, reason string) {
	debugLog("[machine] %s: %s -> %s (%s)", node.ID, from, node.Phase, reason)
	m.recorder.PhaseChanged(from, node.Phase)
	m.emit(OrchestratorEvent{
		Type:     EventPhaseChanged,
		SpecID:   node.ID,
		ParentID: node.ParentID,
		From:     from,
		Phase:    node.Phase,
		Message:  reason,
		Error:    node.Error,
	})

	switch {
	case node.Phase.AwaitingApproval():
		m.emit(OrchestratorEvent{
			Type:     EventApprovalRequested,
			SpecID:   node.ID,
			ParentID: node.ParentID,
			Phase:    node.Phase,
			Message:  lastSummary(node),
		})
	case node.Phase.Terminal():
		m.gate.ChildSettled(ctx, node)
	}
}

func (m *Machine) suspend(ctx context.Context, node *models.SpecNode, req *models.HibernateRequest) error {
	trigger := req.Trigger
	if req.TimeoutSeconds > 0 {
		deadline := time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		trigger.Deadline = &deadline
	}
	m.emit(OrchestratorEvent{
		Type:    EventHibernated,
		SpecID:  node.ID,
		Phase:   node.Phase,
		Message: string(trigger.Kind),
	})
	if _, err := m.hib.Suspend(ctx, node.ID, trigger, req.Context); err != nil {
		return err
	}
	return nil
}

// sendAll delivers emitted messages. Misrouted messages are surfaced and
// dropped, never retried.
func (m *Machine) sendAll(ctx context.Context, node *models.SpecNode, msgs []models.OutboundMessage) {
	for _, out := range msgs {
		to := resolveRecipient(node, out.To)
		if _, err := m.bus.Send(ctx, node.ID, to, out.Type, out.Priority, out.Payload); err != nil {
			log.Printf("[orchestrator] warning: %s could not send %s to %s: %v", node.ID, out.Type, to, err)
			m.emit(OrchestratorEvent{
				Type:    EventMessageRejected,
				SpecID:  node.ID,
				Message: fmt.Sprintf("%s -> %s (%s)", node.ID, to, out.Type),
				Error:   err.Error(),
			})
		}
	}
}

func (m *Machine) childrenComplete(id string) (bool, error) {
	children, err := m.store.ListChildren(id)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.Phase != models.PhaseComplete {
			return false, nil
		}
	}
	return true, nil
}

func (m *Machine) emit(e OrchestratorEvent) {
	if m.emitter != nil {
		m.emitter.Emit(e)
	}
}

// resolveRecipient accepts "parent" and bare child names as shorthands.
func resolveRecipient(node *models.SpecNode, to string) string {
	if to == "parent" {
		return node.ParentID
	}
	full := node.ID + "/" + to
	for _, c := range node.Children {
		if c == full {
			return full
		}
	}
	return to
}

// working reports whether a phase still runs agent rounds.
func working(p models.Phase) bool {
	return !p.Terminal() && !p.AwaitingApproval() && p != models.PhasePending
}

func roleFor(n *models.SpecNode) models.Role {
	if n.NextRole != "" {
		return n.NextRole
	}
	return defaultRole(n.Phase)
}

func defaultRole(p models.Phase) models.Role {
	switch p {
	case models.PhaseArchitecture:
		return models.RoleProposer
	case models.PhaseDecomposing:
		return models.RoleCoordinator
	case models.PhaseImplementation, models.PhaseIntegration:
		return models.RoleImplementer
	default:
		return ""
	}
}

func iterationFor(n *models.SpecNode) int {
	if n.Phase == models.PhaseArchitecture {
		return n.Iter.Architecture
	}
	return n.Iter.Implementation
}

func verdictSummary(res *models.RoundResult) string {
	if res.Verdict == nil {
		return "no verdict returned"
	}
	if res.Verdict.Summary != "" {
		return res.Verdict.Summary
	}
	return string(res.Verdict.Outcome)
}

// lastSummary extracts the summary of the node's last round.
func lastSummary(n *models.SpecNode) string {
	if len(n.LastResult) == 0 {
		return ""
	}
	var res models.RoundResult
	if err := json.Unmarshal(n.LastResult, &res); err != nil {
		return ""
	}
	return res.Summary()
}
