package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/spectree/pkg/models"
)

const sharedRules = `You are one agent session in a tree of specs. You see only your own spec,
your inbox, and the summaries you are given. You may message only your parent
(address it as "parent") or your direct children (address them by name).

Finish your turn with exactly one JSON object in a fenced json block:

` + "```json" + `
{
  "role_output": "what you did or concluded, in a few sentences",
  "emitted_messages": [{"to": "parent", "type": "status_update", "priority": "normal", "payload": {}}],
  ...role specific fields...
}
` + "```" + `

Message types: proceed, discovery, need_shared_type, escalation, parent_decision,
child_complete, context_update, error_report, status_update, abort.
Priorities: normal, blocking, urgent. Use blocking for an escalation you cannot
continue without.

To pause until something happens, add
"hibernate": {"trigger": {"kind": "message", "message_type": "parent_decision"}, "context": "notes for your next round", "timeout_seconds": 0}.
Trigger kinds: message, all_children_complete, timeout.`

var rolePrompts = map[models.Role]string{
	models.RoleResearcher: `ROLE: Researcher.
Survey the code and any prior art relevant to the spec before design starts.
Do not change files. Report findings in role_output.`,

	models.RoleProposer: `ROLE: Proposer.
Design how the spec will be satisfied. Decide whether it is small enough to
implement directly ("is_leaf": true) or must be split into child specs
("is_leaf": false). When splitting, list the children:
"children": [{"name": "short-slug", "title": "...", "description": "...",
"acceptance": ["..."], "allowed_paths": ["..."], "depends_on": ["sibling-name"]}].
Children may depend only on siblings. If the critic rejected your last
proposal, address every point of its feedback.`,

	models.RoleCritic: `ROLE: Critic.
Review the latest proposal against the spec and its acceptance criteria.
Return "verdict": {"outcome": "approve" | "reject", "summary": "..."}.
Reject vague or unsafe designs with concrete reasons.`,

	models.RoleImplementer: `ROLE: Implementer.
Implement the approved design. You may write only inside the spec's allowed
paths; writes elsewhere are refused. Address any verifier or reviewer
feedback from the previous round.`,

	models.RoleVerifier: `ROLE: Verifier.
Check the implementation against every acceptance criterion. Run the tests
that apply. Do not change files.
Return "verdict": {"outcome": "pass" | "fail", "summary": "..."}.`,

	models.RoleCoordinator: `ROLE: Coordinator.
You own a decomposed spec. Answer escalations from children with
parent_decision messages addressed to the child by name. Create any planned
children that do not exist yet with "children". When there is nothing left
to do, hibernate with trigger kind all_children_complete.`,
}

// integrationPrompt replaces the Implementer prompt for non-leaf specs.
const integrationPrompt = `ROLE: Integrator.
Every child of this spec is complete. Integrate their work, resolve any gaps
between them, and make the whole satisfy this spec's acceptance criteria.`

// integrationVerifierPrompt replaces the Verifier prompt for non-leaf specs.
const integrationVerifierPrompt = `ROLE: Integration verifier.
Check that the integrated result of all children satisfies this spec.
Return "verdict": {"outcome": "pass" | "fail", "summary": "..."}.`

// SystemPrompt returns the system prompt for a round.
func SystemPrompt(req models.DispatchRequest) string {
	role := rolePrompts[req.Role]
	if req.Phase == models.PhaseIntegration {
		switch req.Role {
		case models.RoleImplementer:
			role = integrationPrompt
		case models.RoleVerifier:
			role = integrationVerifierPrompt
		}
	}
	if role == "" {
		role = fmt.Sprintf("ROLE: %s.", req.Role)
	}
	return role + "\n\n" + sharedRules
}

// UserPrompt renders the dispatch request as the opening user message.
func UserPrompt(req models.DispatchRequest) string {
	var b strings.Builder
	c := req.Content

	fmt.Fprintf(&b, "# Spec %s: %s\n\n", req.SpecID, c.Title)
	fmt.Fprintf(&b, "Phase: %s, iteration %d, leaf: %s\n\n", req.Phase, req.Iteration, req.Leaf)
	if c.Description != "" {
		b.WriteString(c.Description + "\n\n")
	}
	writeList(&b, "Acceptance criteria", c.Acceptance)
	writeList(&b, "Allowed paths", c.AllowedPaths)
	writeList(&b, "Forbidden paths", c.ForbiddenPaths)

	if len(c.Planned) > 0 {
		b.WriteString("## Planned children\n")
		for _, ch := range c.Planned {
			fmt.Fprintf(&b, "- %s: %s", ch.Name, ch.Content.Title)
			if len(ch.DependsOn) > 0 {
				fmt.Fprintf(&b, " (after %s)", strings.Join(ch.DependsOn, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(req.Children) > 0 {
		b.WriteString("## Children\n")
		ids := make([]string, 0, len(req.Children))
		for id := range req.Children {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s: %s\n", id, req.Children[id])
		}
		b.WriteString("\n")
	}

	if req.Feedback != "" {
		fmt.Fprintf(&b, "## Reviewer feedback\n%s\n\n", req.Feedback)
	}
	if len(req.LastResult) > 0 {
		fmt.Fprintf(&b, "## Previous round\n%s\n\n", compactJSON(req.LastResult))
	}
	if len(req.ResumeContext) > 0 {
		fmt.Fprintf(&b, "## Resumed context\n%s\n\n", req.ResumeContext)
	}

	if len(req.Inbox) > 0 {
		b.WriteString("## Inbox (oldest first)\n")
		for _, m := range req.Inbox {
			fmt.Fprintf(&b, "- from %s [%s, %s]", m.From, m.Type, m.Priority)
			if len(m.Payload) > 0 {
				fmt.Fprintf(&b, ": %s", compactJSON(m.Payload))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Do the work for your role, then end with the JSON result block.\n")
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func compactJSON(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
