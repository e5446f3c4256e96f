package models

import "time"

// TriggerKind names the condition a hibernating node waits on.
type TriggerKind string

const (
	// TriggerMessage waits for an undelivered message of a given type.
	TriggerMessage TriggerKind = "message"
	// TriggerChildrenComplete waits for every child to reach COMPLETE.
	TriggerChildrenComplete TriggerKind = "all_children_complete"
	// TriggerTimeout waits for the deadline only.
	TriggerTimeout TriggerKind = "timeout"
)

// Valid returns true if the kind is a known value.
func (k TriggerKind) Valid() bool {
	return k == TriggerMessage || k == TriggerChildrenComplete || k == TriggerTimeout
}

// ResumeTrigger describes when a hibernating node may be woken.
type ResumeTrigger struct {
	Kind TriggerKind `json:"kind" mapstructure:"kind"`
	// MessageType is required for TriggerMessage.
	MessageType MessageType `json:"message_type,omitempty" mapstructure:"message_type"`
	// Deadline wakes the node regardless of Kind once passed. Required for TriggerTimeout.
	Deadline *time.Time `json:"deadline,omitempty" mapstructure:"-"`
}

// HibernationRecord is the persisted suspension of a node.
type HibernationRecord struct {
	SpecID  string        `json:"spec_id"`
	Trigger ResumeTrigger `json:"trigger"`
	// Context is an opaque blob handed back to the node's next round.
	Context []byte `json:"context,omitempty"`
	// Checksum is the hex BLAKE3 digest of Context.
	Checksum    string    `json:"checksum"`
	SuspendedAt time.Time `json:"suspended_at"`
}
