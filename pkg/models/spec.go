package models

import (
	"encoding/json"
	"time"
)

// Phase represents where a spec node is in its lifecycle.
type Phase string

const (
	// PhasePending indicates the node has been created but never dispatched.
	PhasePending Phase = "PENDING"
	// PhaseArchitecture indicates Proposer/Critic rounds are shaping the design.
	PhaseArchitecture Phase = "ARCHITECTURE"
	// PhaseAwaitingArchApproval waits for a human decision on the architecture.
	PhaseAwaitingArchApproval Phase = "AWAITING_ARCH_APPROVAL"
	// PhaseDecomposing indicates a non-leaf node is coordinating its children.
	PhaseDecomposing Phase = "DECOMPOSING"
	// PhaseImplementation indicates Implementer/Verifier rounds on a leaf.
	PhaseImplementation Phase = "IMPLEMENTATION"
	// PhaseAwaitingImplApproval waits for a human decision on a leaf implementation.
	PhaseAwaitingImplApproval Phase = "AWAITING_IMPL_APPROVAL"
	// PhaseIntegration verifies a non-leaf node once every child is complete.
	PhaseIntegration Phase = "INTEGRATION"
	// PhaseAwaitingIntegApproval waits for a human decision on integration.
	PhaseAwaitingIntegApproval Phase = "AWAITING_INTEG_APPROVAL"
	// PhaseComplete is the successful terminal phase.
	PhaseComplete Phase = "COMPLETE"
	// PhaseBlocked indicates the node stalled and needs manual review.
	PhaseBlocked Phase = "BLOCKED"
	// PhaseFailed indicates the node failed outright.
	PhaseFailed Phase = "FAILED"
)

// AllPhases lists every phase in lifecycle order.
var AllPhases = []Phase{
	PhasePending,
	PhaseArchitecture,
	PhaseAwaitingArchApproval,
	PhaseDecomposing,
	PhaseImplementation,
	PhaseAwaitingImplApproval,
	PhaseIntegration,
	PhaseAwaitingIntegApproval,
	PhaseComplete,
	PhaseBlocked,
	PhaseFailed,
}

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// Terminal returns true for phases the scheduler never dispatches again.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseBlocked || p == PhaseFailed
}

// AwaitingApproval returns true for phases that block on an external decision.
func (p Phase) AwaitingApproval() bool {
	switch p {
	case PhaseAwaitingArchApproval, PhaseAwaitingImplApproval, PhaseAwaitingIntegApproval:
		return true
	default:
		return false
	}
}

// LeafKind is the closed tri-state answer to "is this spec a leaf".
type LeafKind string

const (
	// LeafUndecided means architecture has not settled the question yet.
	LeafUndecided LeafKind = "undecided"
	// LeafYes means the node is implemented directly.
	LeafYes LeafKind = "leaf"
	// LeafNo means the node is decomposed into children.
	LeafNo LeafKind = "non_leaf"
)

// Valid returns true if the kind is a known value.
func (k LeafKind) Valid() bool {
	switch k {
	case LeafUndecided, LeafYes, LeafNo:
		return true
	default:
		return false
	}
}

// LeafKindFromBool converts a decided boolean into a LeafKind.
func LeafKindFromBool(leaf bool) LeafKind {
	if leaf {
		return LeafYes
	}
	return LeafNo
}

// Role names the kind of agent session dispatched for a round.
type Role string

const (
	RoleProposer    Role = "proposer"
	RoleCritic      Role = "critic"
	RoleImplementer Role = "implementer"
	RoleVerifier    Role = "verifier"
	RoleResearcher  Role = "researcher"
	RoleCoordinator Role = "coordinator"
)

// Iterations tracks how many loops each self-looping phase has burned.
type Iterations struct {
	// Architecture counts rejected Critic rounds.
	Architecture int `json:"architecture"`
	// Implementation counts failed Verifier rounds (implementation or integration).
	Implementation int `json:"implementation"`
}

// SpecContent is the inert, authored part of a spec. The orchestrator never
// interprets Description or Acceptance; it hands them to agents.
type SpecContent struct {
	Title       string   `json:"title" yaml:"title" mapstructure:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Acceptance  []string `json:"acceptance,omitempty" yaml:"acceptance,omitempty" mapstructure:"acceptance"`
	// AllowedPaths is what the scope hook lets this node's agents write.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty" mapstructure:"allowed_paths"`
	// ForbiddenPaths are denied even when an allowed path matches.
	ForbiddenPaths []string `json:"forbidden_paths,omitempty" yaml:"forbidden_paths,omitempty" mapstructure:"forbidden_paths"`
	// Research requests a Researcher round before the first proposal.
	Research bool `json:"research,omitempty" yaml:"research,omitempty" mapstructure:"research"`
	// Planned holds children declared up front in the spec file.
	Planned []ChildSpec `json:"planned,omitempty" yaml:"children,omitempty" mapstructure:"children"`
}

// ChildSpec is the input to create a child node under a parent.
type ChildSpec struct {
	// Name is unique among siblings and becomes the last segment of the id.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Leaf pre-decides the leaf kind; nil leaves it undecided.
	Leaf      *bool       `json:"leaf,omitempty" yaml:"leaf,omitempty" mapstructure:"leaf"`
	DependsOn []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty" mapstructure:"depends_on"`
	Content   SpecContent `json:"content" yaml:",inline" mapstructure:",squash"`
}

// SpecNode is one unit of work in the tree.
type SpecNode struct {
	// ID is the slash-separated path from the root, e.g. "app/api/auth".
	ID string `json:"id"`
	// ParentID is empty for roots.
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	Depth    int    `json:"depth"`
	// Children holds child ids in creation order.
	Children  []string    `json:"children,omitempty"`
	Leaf      LeafKind    `json:"leaf"`
	Phase     Phase       `json:"phase"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Content   SpecContent `json:"content"`
	Iter      Iterations  `json:"iterations"`
	// NextRole is the role of the next round within the current phase.
	NextRole Role `json:"next_role,omitempty"`
	// LastResult is the payload of the most recent agent round.
	LastResult json.RawMessage `json:"last_result,omitempty"`
	// Error is the reason attached when the node was blocked or failed.
	Error string `json:"error,omitempty"`
	// Feedback from a human rejection, consumed by the next round.
	Feedback string `json:"feedback,omitempty"`
	// ResumeContext is the context restored from hibernation, consumed by the next round.
	ResumeContext []byte `json:"resume_context,omitempty"`
	// ReviewReason is set when the node cannot progress without manual review.
	ReviewReason string `json:"review_reason,omitempty"`
	// QueueSeq orders runnable nodes; it is restamped each time the node re-enters the queue.
	QueueSeq  int64     `json:"queue_seq"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLeaf reports whether the node is decided as a leaf.
func (n *SpecNode) IsLeaf() bool {
	return n.Leaf == LeafYes
}

// PhaseTransition is one entry in a node's phase history.
type PhaseTransition struct {
	ID          int64     `json:"id"`
	SpecID      string    `json:"spec_id"`
	From        Phase     `json:"from"`
	To          Phase     `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentRun is the ledger entry for one dispatched agent session.
type AgentRun struct {
	ID         string     `json:"id"`
	SpecID     string     `json:"spec_id"`
	Role       Role       `json:"role"`
	Phase      Phase      `json:"phase"`
	Iteration  int        `json:"iteration"`
	Cost       float64    `json:"cost"`
	Verdict    string     `json:"verdict,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
