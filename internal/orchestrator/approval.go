package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/ShayCichocki/spectree/internal/state"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// ApprovalRequest is what an AWAITING_* node surfaces to a human. The
// request is bound to the node version and a hash of the result under
// review; a decision carrying a stale version is refused.
type ApprovalRequest struct {
	SpecID    string       `json:"spec_id"`
	Phase     models.Phase `json:"phase"`
	Summary   string       `json:"summary"`
	Iteration int          `json:"iteration"`
	// Version is the CAS token to send back with the decision.
	Version int64 `json:"version"`
	// ResultHash is the SHA256 of the round result under review.
	ResultHash string    `json:"result_hash"`
	Since      time.Time `json:"since"`
}

// NewApprovalRequest builds the request for an AWAITING_* node.
func NewApprovalRequest(n *models.SpecNode) ApprovalRequest {
	return ApprovalRequest{
		SpecID:     n.ID,
		Phase:      n.Phase,
		Summary:    lastSummary(n),
		Iteration:  iterationFor(n),
		Version:    n.Version,
		ResultHash: ResultHash(n.LastResult),
		Since:      n.UpdatedAt,
	}
}

// PendingApprovals lists every node awaiting a decision, longest waiting first.
func PendingApprovals(store state.SpecStore) ([]ApprovalRequest, error) {
	nodes, err := store.List(state.ListFilter{Phases: []models.Phase{
		models.PhaseAwaitingArchApproval,
		models.PhaseAwaitingImplApproval,
		models.PhaseAwaitingIntegApproval,
	}})
	if err != nil {
		return nil, err
	}

	out := make([]ApprovalRequest, 0, len(nodes))
	for i := range nodes {
		out = append(out, NewApprovalRequest(&nodes[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Since.Before(out[j].Since)
	})
	return out, nil
}

// ResultHash computes the SHA256 hash of a round result.
func ResultHash(result []byte) string {
	hash := sha256.Sum256(result)
	return hex.EncodeToString(hash[:])
}
