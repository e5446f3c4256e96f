package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown spec id.
	ErrNotFound = errors.New("spec not found")
	// ErrInvalidTransition indicates a phase change that is not on the transition table.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrConcurrentModification indicates a stale version token. Re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidRoute indicates a message between nodes that are not one hop apart.
	ErrInvalidRoute = errors.New("invalid message route")
	// ErrAlreadyHibernating indicates a second suspend for the same node.
	ErrAlreadyHibernating = errors.New("already hibernating")
	// ErrNotHibernating indicates a wake for a node without a hibernation record.
	ErrNotHibernating = errors.New("not hibernating")
	// ErrCapExceeded indicates a depth, agent or cost cap was hit.
	ErrCapExceeded = errors.New("cap exceeded")
	// ErrIterationsExhausted indicates an architecture or implementation loop did not converge.
	ErrIterationsExhausted = errors.New("iterations exhausted")
	// ErrCycleDetected indicates a depends_on cycle among siblings.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrInvalidSpec indicates a malformed child spec or spec file.
	ErrInvalidSpec = errors.New("invalid spec")
	// ErrChecksumMismatch indicates a corrupted hibernation context.
	ErrChecksumMismatch = errors.New("hibernation context checksum mismatch")
)

// CapKind names which cap was exceeded.
type CapKind string

const (
	CapDepth  CapKind = "max_depth"
	CapAgents CapKind = "max_agents"
	CapCost   CapKind = "max_cost"
)

// CapError carries the detail of an exceeded cap. It matches ErrCapExceeded.
type CapError struct {
	Cap   CapKind
	Limit float64
	Value float64
}

func (e *CapError) Error() string {
	return fmt.Sprintf("cap exceeded: %s (limit %g, value %g)", e.Cap, e.Limit, e.Value)
}

// Is lets errors.Is(err, ErrCapExceeded) match.
func (e *CapError) Is(target error) bool {
	return target == ErrCapExceeded
}

// TransitionError carries the rejected edge. It matches ErrInvalidTransition.
type TransitionError struct {
	SpecID string
	From   Phase
	To     Phase
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid phase transition for %s: %s -> %s", e.SpecID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
