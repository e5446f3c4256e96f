package models

import (
	"encoding/json"
	"time"
)

// SystemSender is the sender id used for messages the orchestrator itself emits.
const SystemSender = "system"

// MessageType enumerates what a message is about.
type MessageType string

const (
	MessageProceed        MessageType = "proceed"
	MessageDiscovery      MessageType = "discovery"
	MessageNeedSharedType MessageType = "need_shared_type"
	MessageEscalation     MessageType = "escalation"
	MessageParentDecision MessageType = "parent_decision"
	MessageChildComplete  MessageType = "child_complete"
	MessageContextUpdate  MessageType = "context_update"
	MessageErrorReport    MessageType = "error_report"
	MessageStatusUpdate   MessageType = "status_update"
	MessageAbort          MessageType = "abort"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageProceed, MessageDiscovery, MessageNeedSharedType, MessageEscalation,
		MessageParentDecision, MessageChildComplete, MessageContextUpdate,
		MessageErrorReport, MessageStatusUpdate, MessageAbort:
		return true
	default:
		return false
	}
}

// Priority affects whether a message wakes a hibernating recipient. It never
// reorders an inbox.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityBlocking Priority = "blocking"
	PriorityUrgent   Priority = "urgent"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityBlocking || p == PriorityUrgent
}

// Wakes reports whether the priority triggers an immediate wake attempt.
func (p Priority) Wakes() bool {
	return p == PriorityBlocking || p == PriorityUrgent
}

// Message is one hop of communication between a node and its parent or child.
type Message struct {
	ID       string          `json:"id"`
	Seq      int64           `json:"seq"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Type     MessageType     `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// ConsumedAt is set once the recipient's resulting transition committed.
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Consumed reports whether the message has been consumed.
func (m *Message) Consumed() bool {
	return m.ConsumedAt != nil
}

// OutboundMessage is a message emitted by an agent round. To may be the
// literal "parent", a child name, or a full node id.
type OutboundMessage struct {
	To       string          `json:"to" mapstructure:"to"`
	Type     MessageType     `json:"type" mapstructure:"type"`
	Priority Priority        `json:"priority,omitempty" mapstructure:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty" mapstructure:"-"`
}
