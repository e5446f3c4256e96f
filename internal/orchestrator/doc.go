// Package orchestrator drives a tree of specs through their lifecycle.
//
// The orchestrator package provides:
//   - Scheduling: computing the runnable set from the spec store and
//     dispatching up to max_concurrent agent rounds at once
//   - The phase state machine: applying each round result, human decision
//     and gate signal to a node with compare-and-set writes
//   - The completion gate: waking a decomposed parent and moving it to
//     INTEGRATION once every child is COMPLETE
//   - Caps: max_agents and max_cost checked before every dispatch
//
// The orchestrator is the single writer of round results. Human decisions may
// arrive concurrently from the CLI, HTTP or MCP surfaces; they go through the
// same machine and retry on ConcurrentModification.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//		Store:      db,
//		Bus:        b,
//		Dispatcher: dispatcher,
//	}, orchestrator.WithCaps(caps))
//	err = orch.Run(ctx)
package orchestrator
