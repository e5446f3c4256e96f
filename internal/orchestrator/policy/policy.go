// Package policy defines tunable parameters of the run loop and state
// machine so tests can shrink intervals and production can tune them.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Loop policies
	Loop LoopPolicy

	// Retry policies for compare-and-set writes
	Retry RetryPolicy

	// Event delivery policies
	Events EventPolicy
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// PollInterval is the delay between schedule checks when nothing is ready.
	PollInterval time.Duration

	// SweepInterval is how often every hibernation trigger is re-evaluated.
	// Deadlines are only noticed by the sweep.
	SweepInterval time.Duration

	// DispatchStagger is the delay between dispatches started in the same tick.
	DispatchStagger time.Duration

	// KeepAlive keeps the loop running when the tree is idle, waiting for
	// human decisions. Used by serve and watch.
	KeepAlive bool
}

// RetryPolicy controls ConcurrentModification retries.
type RetryPolicy struct {
	// MaxCASRetries is the number of re-read-and-retry attempts per write.
	MaxCASRetries int

	// Backoff is the delay between attempts.
	Backoff time.Duration
}

// EventPolicy controls the event channel.
type EventPolicy struct {
	// BufferSize is the buffer of the event channel.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			PollInterval:    100 * time.Millisecond,
			SweepInterval:   5 * time.Second,
			DispatchStagger: 0,
		},
		Retry: RetryPolicy{
			MaxCASRetries: 5,
			Backoff:       10 * time.Millisecond,
		},
		Events: EventPolicy{
			BufferSize: 256,
		},
	}
}

// Validate clamps policy values into acceptable ranges.
func (c *Config) Validate() error {
	if c.Loop.PollInterval < time.Millisecond {
		c.Loop.PollInterval = 100 * time.Millisecond
	}
	if c.Loop.SweepInterval < 10*time.Millisecond {
		c.Loop.SweepInterval = 5 * time.Second
	}
	if c.Loop.DispatchStagger < 0 {
		c.Loop.DispatchStagger = 0
	}
	if c.Retry.MaxCASRetries < 1 {
		c.Retry.MaxCASRetries = 5
	}
	if c.Retry.Backoff < 0 {
		c.Retry.Backoff = 0
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = 256
	}
	return nil
}
