package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// VerdictOutcome is the judgement of a Critic or Verifier round.
type VerdictOutcome string

const (
	VerdictApprove VerdictOutcome = "approve"
	VerdictReject  VerdictOutcome = "reject"
	VerdictPass    VerdictOutcome = "pass"
	VerdictFail    VerdictOutcome = "fail"
)

// Positive reports whether the verdict lets the node advance.
func (v VerdictOutcome) Positive() bool {
	return v == VerdictApprove || v == VerdictPass
}

// Verdict is returned by judging roles.
type Verdict struct {
	Outcome VerdictOutcome `json:"outcome" mapstructure:"outcome"`
	Summary string         `json:"summary,omitempty" mapstructure:"summary"`
}

// HibernateRequest asks the orchestrator to suspend the node after the round.
type HibernateRequest struct {
	Trigger ResumeTrigger `json:"trigger" mapstructure:"trigger"`
	Context []byte        `json:"context,omitempty" mapstructure:"-"`
	// TimeoutSeconds sets Trigger.Deadline relative to the suspend time.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// DispatchRequest is everything an agent session is given for one round.
type DispatchRequest struct {
	SpecID    string      `json:"spec_id"`
	Role      Role        `json:"role"`
	Phase     Phase       `json:"phase"`
	Leaf      LeafKind    `json:"leaf"`
	Iteration int         `json:"iteration"`
	Content   SpecContent `json:"content"`
	// Inbox holds undelivered messages in arrival order.
	Inbox []Message `json:"inbox,omitempty"`
	// Feedback is human rejection feedback from the last decision.
	Feedback string `json:"feedback,omitempty"`
	// ResumeContext is the context blob restored from hibernation.
	ResumeContext []byte          `json:"resume_context,omitempty"`
	LastResult    json.RawMessage `json:"last_result,omitempty"`
	// Children summarizes child phases, for Coordinator and integration rounds.
	Children map[string]Phase `json:"children,omitempty"`
}

// RoundResult is the structured output of one agent round.
type RoundResult struct {
	RoleOutput string            `json:"role_output" mapstructure:"role_output"`
	Messages   []OutboundMessage `json:"emitted_messages,omitempty" mapstructure:"emitted_messages"`
	Verdict    *Verdict          `json:"verdict,omitempty" mapstructure:"verdict"`
	// Leaf is a Proposer's decision on the leaf kind.
	Leaf *bool `json:"is_leaf,omitempty" mapstructure:"is_leaf"`
	// Children are child specs proposed by a Proposer or created by a Coordinator.
	Children  []ChildSpec       `json:"children,omitempty" mapstructure:"children"`
	Hibernate *HibernateRequest `json:"hibernate,omitempty" mapstructure:"hibernate"`
	// Cost is the monetary cost of the session in USD.
	Cost     float64       `json:"cost" mapstructure:"cost"`
	Duration time.Duration `json:"duration,omitempty" mapstructure:"-"`
}

// summaryRunes bounds the role output shown with an approval request.
const summaryRunes = 280

// Summary returns the short text surfaced with approval requests.
func (r *RoundResult) Summary() string {
	if r.Verdict != nil && r.Verdict.Summary != "" {
		return r.Verdict.Summary
	}
	if utf8.RuneCountInString(r.RoleOutput) > summaryRunes {
		return string([]rune(r.RoleOutput)[:summaryRunes]) + "..."
	}
	return r.RoleOutput
}
