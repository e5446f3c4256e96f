package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// completion is a finished round on its way back to the run loop.
type completion struct {
	req      models.DispatchRequest
	run      *models.AgentRun
	result   *models.RoundResult
	err      error
	duration time.Duration
}

// Run drives the tree until nothing is runnable, in flight, or waiting on a
// deadline, or until Stop or a cap ends the run. Round results are applied
// here, one at a time; only the agent calls run in parallel.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.dispatcher == nil {
		return errors.New("orchestrator: run needs a dispatcher")
	}

	interrupted, err := o.store.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("recover interrupted rounds: %w", err)
	}
	for _, r := range interrupted {
		log.Printf("[orchestrator] round %s (%s on %s) was interrupted; it will run again", r.RunID, r.Role, r.SpecID)
	}

	completionCh := make(chan completion, o.scheduler.MaxConcurrent())
	workers := pool.New().WithMaxGoroutines(o.scheduler.MaxConcurrent())
	var lastSweep time.Time

	defer func() {
		workers.Wait()
		o.emitter.Emit(OrchestratorEvent{Type: EventRunDone})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-completionCh:
			o.handleCompletion(ctx, c)

		default:
			if time.Since(lastSweep) >= o.policy.Loop.SweepInterval {
				o.sweep(ctx)
				lastSweep = time.Now()
			}

			inflight := o.scheduler.RunningCount()
			var ready []models.SpecNode
			if o.pauseCtrl.CanDispatch() && !o.capGuard.IsExhausted() {
				ready, err = o.scheduler.Schedule()
				if err != nil {
					return err
				}
			}
			o.logger.Log("[runLoop] Schedule() returned %d ready specs, %d inflight", len(ready), inflight)

			if len(ready) == 0 && inflight == 0 {
				done, err := o.idle()
				if err != nil {
					return err
				}
				if done {
					o.logger.Log("[runLoop] EXITING: nothing runnable and nothing in flight")
					return nil
				}
			}

			if len(ready) == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case c := <-completionCh:
					o.handleCompletion(ctx, c)
				case <-o.pauseCtrl.Changed():
				case <-time.After(o.policy.Loop.PollInterval):
				}
				continue
			}

			o.dispatchReady(ctx, workers, ready, completionCh)
		}
	}
}

// idle decides whether an idle loop should return. A stop request or an
// exhausted cap ends the run; so does a tree with no hibernation deadline
// left to wait for, unless KeepAlive is set.
func (o *Orchestrator) idle() (bool, error) {
	if o.pauseCtrl.IsStopped() || o.capGuard.IsExhausted() {
		return true, nil
	}
	if o.policy.Loop.KeepAlive || o.pauseCtrl.IsPaused() {
		return false, nil
	}
	recs, err := o.store.ListHibernations()
	if err != nil {
		return false, fmt.Errorf("list hibernations: %w", err)
	}
	for _, r := range recs {
		if r.Trigger.Deadline != nil {
			return false, nil
		}
	}
	return true, nil
}

// dispatchReady starts a round for each scheduled node. Caps are checked
// before each dispatch, so a run overshoots max_cost by at most the rounds
// already in flight.
func (o *Orchestrator) dispatchReady(ctx context.Context, workers *pool.Pool, ready []models.SpecNode, completionCh chan<- completion) {
	for i, n := range ready {
		if i > 0 && o.policy.Loop.DispatchStagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.policy.Loop.DispatchStagger):
			}
		}

		// The slot is taken before Prepare moves a PENDING node out of PENDING.
		if err := o.capGuard.Reserve(); err != nil {
			var capErr *models.CapError
			if errors.As(err, &capErr) {
				log.Printf("[orchestrator] %v: no new rounds will be dispatched", capErr)
				o.recorder.CapReached(capErr.Cap)
				o.emitter.Emit(OrchestratorEvent{Type: EventCapReached, SpecID: n.ID, Message: capErr.Error()})
				return
			}
			log.Printf("[orchestrator] warning: failed to reserve agent for %s: %v", n.ID, err)
			return
		}

		node, role, err := o.machine.Prepare(ctx, n.ID)
		if err != nil {
			log.Printf("[orchestrator] warning: failed to prepare %s: %v", n.ID, err)
			o.release(n.ID)
			continue
		}
		if role == "" || !working(node.Phase) {
			o.release(n.ID)
			continue
		}
		req, err := o.machine.BuildRequest(ctx, node, role)
		if err != nil {
			log.Printf("[orchestrator] warning: failed to build request for %s: %v", n.ID, err)
			o.release(n.ID)
			continue
		}

		run := &models.AgentRun{
			ID:        uuid.New().String(),
			SpecID:    node.ID,
			Role:      role,
			Phase:     node.Phase,
			Iteration: req.Iteration,
			StartedAt: time.Now(),
		}
		if err := o.store.CreateAgentRun(run); err != nil {
			log.Printf("[orchestrator] warning: failed to record agent run for %s: %v", node.ID, err)
		}

		o.scheduler.MarkRunning(node.ID, role)
		o.recorder.RoundStarted(role)
		o.recorder.InFlight(o.scheduler.RunningCount())
		o.emitter.Emit(OrchestratorEvent{
			Type:     EventRoundStarted,
			SpecID:   node.ID,
			ParentID: node.ParentID,
			Role:     role,
			Phase:    node.Phase,
		})
		o.logger.Log("[runLoop] dispatched %s to %s (phase=%s iter=%d)", role, node.ID, node.Phase, req.Iteration)

		workers.Go(func() {
			start := time.Now()
			res, err := o.dispatcher.Dispatch(ctx, req)
			c := completion{req: req, run: run, result: res, err: err, duration: time.Since(start)}
			select {
			case completionCh <- c:
			case <-ctx.Done():
			}
		})
	}
}

func (o *Orchestrator) release(id string) {
	if err := o.capGuard.Release(); err != nil {
		log.Printf("[orchestrator] warning: failed to release agent slot of %s: %v", id, err)
	}
}

// handleCompletion records a finished round and applies it.
func (o *Orchestrator) handleCompletion(ctx context.Context, c completion) {
	o.scheduler.MarkDone(c.req.SpecID)
	o.recorder.InFlight(o.scheduler.RunningCount())

	if c.err == nil && c.result == nil {
		c.err = errors.New("dispatcher returned no result")
	}

	outcome := "ok"
	var cost float64
	switch {
	case c.err != nil:
		outcome = "error"
		c.run.Error = c.err.Error()
		// A failed session may still have spent tokens.
		if c.result != nil {
			cost = c.result.Cost
		}
	default:
		cost = c.result.Cost
		if c.result.Duration == 0 {
			c.result.Duration = c.duration
		}
		if c.result.Verdict != nil {
			outcome = string(c.result.Verdict.Outcome)
			c.run.Verdict = outcome
		}
	}

	if err := o.capGuard.AddCost(cost); err != nil {
		log.Printf("[orchestrator] warning: failed to add cost for %s: %v", c.req.SpecID, err)
	}
	c.run.Cost = cost
	if err := o.store.FinishAgentRun(c.run); err != nil {
		log.Printf("[orchestrator] warning: failed to finish agent run %s: %v", c.run.ID, err)
	}

	o.recorder.RoundFinished(c.req.Role, outcome, c.duration, cost)
	ev := OrchestratorEvent{
		Type:     EventRoundFinished,
		SpecID:   c.req.SpecID,
		Role:     c.req.Role,
		Phase:    c.req.Phase,
		Message:  outcome,
		Cost:     cost,
		Duration: c.duration,
	}
	if c.err != nil {
		ev.Error = c.err.Error()
	}
	o.emitter.Emit(ev)

	if _, err := o.machine.Apply(ctx, c.req, c.result, c.err); err != nil {
		log.Printf("[orchestrator] warning: failed to apply %s result for %s: %v", c.req.Role, c.req.SpecID, err)
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	woken, err := o.hib.Sweep(ctx)
	if err != nil {
		log.Printf("[orchestrator] warning: hibernation sweep: %v", err)
	}
	if len(woken) > 0 {
		o.logger.Log("[runLoop] sweep woke %v", woken)
	}
}
