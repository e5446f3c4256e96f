package orchestrator

import (
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRoundStarted indicates an agent round was dispatched.
	EventRoundStarted EventType = "round_started"
	// EventRoundFinished indicates an agent round returned.
	EventRoundFinished EventType = "round_finished"
	// EventPhaseChanged indicates a node moved to a new phase.
	EventPhaseChanged EventType = "phase_changed"
	// EventApprovalRequested indicates a node entered an AWAITING_* phase.
	EventApprovalRequested EventType = "approval_requested"
	// EventChildrenCreated indicates a Coordinator round created children.
	EventChildrenCreated EventType = "children_created"
	// EventHibernated indicates a node was suspended.
	EventHibernated EventType = "hibernated"
	// EventWoke indicates a hibernating node was re-enqueued.
	EventWoke EventType = "woke"
	// EventMessageRejected indicates an emitted message had an invalid route.
	EventMessageRejected EventType = "message_rejected"
	// EventCapReached indicates max_agents or max_cost stopped new dispatches.
	EventCapReached EventType = "cap_reached"
	// EventRunDone indicates the run loop returned.
	EventRunDone EventType = "run_done"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
// Events feed the watch view, the events.jsonl journal and metrics.
type OrchestratorEvent struct {
	Type     EventType    `json:"type"`
	SpecID   string       `json:"spec_id,omitempty"`
	ParentID string       `json:"parent_id,omitempty"`
	Role     models.Role  `json:"role,omitempty"`
	From     models.Phase `json:"from,omitempty"`
	Phase    models.Phase `json:"phase,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error holds the error text for failure events.
	Error     string        `json:"error,omitempty"`
	Cost      float64       `json:"cost,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
