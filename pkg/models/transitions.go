package models

// transitions is the lifecycle edge table. BLOCKED and FAILED are added for
// every non-terminal phase by CanTransition.
var transitions = map[Phase][]Phase{
	PhasePending:               {PhaseArchitecture},
	PhaseArchitecture:          {PhaseArchitecture, PhaseAwaitingArchApproval},
	PhaseAwaitingArchApproval:  {PhaseDecomposing, PhaseImplementation, PhaseArchitecture},
	PhaseDecomposing:           {PhaseDecomposing, PhaseIntegration},
	PhaseImplementation:        {PhaseImplementation, PhaseAwaitingImplApproval},
	PhaseAwaitingImplApproval:  {PhaseComplete, PhaseImplementation},
	PhaseIntegration:           {PhaseIntegration, PhaseAwaitingIntegApproval},
	PhaseAwaitingIntegApproval: {PhaseComplete, PhaseIntegration},
	// Manual unblock and retry.
	PhaseBlocked: {PhaseArchitecture, PhaseDecomposing, PhaseImplementation, PhaseIntegration},
	PhaseFailed:  {PhaseArchitecture, PhaseImplementation},
}

// CanTransition reports whether from -> to is on the transition table.
func CanTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if !from.Terminal() && (to == PhaseBlocked || to == PhaseFailed) {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns every phase reachable from p in one step.
func Successors(p Phase) []Phase {
	next := append([]Phase(nil), transitions[p]...)
	if p.Valid() && !p.Terminal() {
		next = append(next, PhaseBlocked, PhaseFailed)
	}
	return next
}

// CheckPosition enforces that a node's phase is consistent with its leaf kind:
// non-leaf nodes never implement and leaf nodes never decompose or integrate.
func CheckPosition(leaf LeafKind, to Phase) bool {
	switch to {
	case PhaseImplementation, PhaseAwaitingImplApproval:
		return leaf == LeafYes
	case PhaseDecomposing, PhaseIntegration, PhaseAwaitingIntegApproval:
		return leaf == LeafNo
	default:
		return true
	}
}
