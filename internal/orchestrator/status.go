package orchestrator

import (
	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// StatusStore is the read side needed for status projections.
type StatusStore interface {
	state.SpecStore
	ListHibernations() ([]models.HibernationRecord, error)
	Counters() (state.RunCounters, error)
}

// TreeNode is one node of the status tree.
type TreeNode struct {
	models.SpecNode
	Hibernating bool                  `json:"hibernating"`
	Trigger     *models.ResumeTrigger `json:"trigger,omitempty"`
	Kids        []*TreeNode           `json:"kids,omitempty"`
}

// Status is a read-only projection of the spec store.
type Status struct {
	Roots     []*TreeNode       `json:"roots"`
	Approvals []ApprovalRequest `json:"approvals"`
	// Blocked holds BLOCKED and FAILED nodes with their error payload.
	Blocked []models.SpecNode `json:"blocked"`
	// Review holds nodes flagged because no further progress is possible.
	Review   []models.SpecNode    `json:"review"`
	Counters state.RunCounters    `json:"counters"`
	Phases   map[models.Phase]int `json:"phases"`
}

// BuildStatus reads the store once and assembles the tree view, the
// pending approval list and the blocked list.
func BuildStatus(store StatusStore) (*Status, error) {
	nodes, err := store.List(state.ListFilter{})
	if err != nil {
		return nil, err
	}
	recs, err := store.ListHibernations()
	if err != nil {
		return nil, err
	}
	counters, err := store.Counters()
	if err != nil {
		return nil, err
	}
	approvals, err := PendingApprovals(store)
	if err != nil {
		return nil, err
	}

	triggers := make(map[string]models.ResumeTrigger, len(recs))
	for _, r := range recs {
		triggers[r.SpecID] = r.Trigger
	}

	st := &Status{
		Approvals: approvals,
		Counters:  counters,
		Phases:    make(map[models.Phase]int),
	}
	byID := make(map[string]*TreeNode, len(nodes))
	for _, n := range nodes {
		tn := &TreeNode{SpecNode: n}
		if t, ok := triggers[n.ID]; ok {
			tn.Hibernating = true
			trigger := t
			tn.Trigger = &trigger
		}
		byID[n.ID] = tn
		st.Phases[n.Phase]++
		if n.Phase == models.PhaseBlocked || n.Phase == models.PhaseFailed {
			st.Blocked = append(st.Blocked, n)
		}
		if n.ReviewReason != "" {
			st.Review = append(st.Review, n)
		}
	}

	// List returns nodes in creation order, so parents precede children.
	for _, n := range nodes {
		tn := byID[n.ID]
		if parent, ok := byID[n.ParentID]; ok {
			parent.Kids = append(parent.Kids, tn)
			continue
		}
		st.Roots = append(st.Roots, tn)
	}
	return st, nil
}

// Walk visits the tree depth first, passing each node's depth below its root.
func (t *TreeNode) Walk(fn func(n *TreeNode, depth int)) {
	t.walk(fn, 0)
}

func (t *TreeNode) walk(fn func(n *TreeNode, depth int), depth int) {
	fn(t, depth)
	for _, k := range t.Kids {
		k.walk(fn, depth+1)
	}
}
