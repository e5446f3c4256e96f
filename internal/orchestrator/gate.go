package orchestrator

import (
	"context"
	"encoding/json"
	"log"

	"github.com/ShayCichocki/spectree/internal/hibernate"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Gate is the completion gate. It runs after a child settles and promotes a
// hibernating parent to INTEGRATION once every child is COMPLETE. Every
// check re-reads fresh state, so running it redundantly is harmless.
type Gate struct {
	machine *Machine
}

// ChildSettled is called after a node commits a terminal phase. A COMPLETE
// child notifies its parent with child_complete; any terminal child makes
// the gate re-evaluate the parent, which either wakes it or flags it for
// review when no further progress is possible.
func (g *Gate) ChildSettled(ctx context.Context, child *models.SpecNode) {
	if child.ParentID == "" {
		return
	}
	m := g.machine

	if child.Phase == models.PhaseComplete {
		payload, _ := json.Marshal(map[string]string{
			"child":   child.ID,
			"summary": lastSummary(child),
		})
		if _, err := m.bus.Send(ctx, child.ID, child.ParentID, models.MessageChildComplete, models.PriorityNormal, payload); err != nil {
			log.Printf("[gate] warning: failed to notify %s of %s: %v", child.ParentID, child.ID, err)
		}
	}

	g.Check(ctx, child.ParentID)
}

// Check runs check_wake on a parent. If the parent is awake in DECOMPOSING
// with every child COMPLETE, its next Coordinator round re-suspends and the
// immediate check inside suspend promotes it.
func (g *Gate) Check(ctx context.Context, parentID string) {
	if _, err := g.machine.hib.CheckWake(ctx, parentID); err != nil {
		log.Printf("[gate] warning: check wake %s failed: %v", parentID, err)
	}
}

// OnWake is registered with the hibernation manager. A parent woken because
// all children completed enters INTEGRATION.
func (g *Gate) OnWake(node *models.SpecNode, reason hibernate.WakeReason) {
	if reason != hibernate.WakeChildrenComplete {
		return
	}
	entered, err := g.machine.EnterIntegration(context.Background(), node.ID)
	if err != nil {
		log.Printf("[gate] warning: %s could not enter integration: %v", node.ID, err)
		return
	}
	if entered {
		debugLog("[gate] %s entered INTEGRATION", node.ID)
	}
}
