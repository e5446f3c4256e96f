package state

import (
	"io"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// SpecStore handles spec node persistence with compare-and-set writes.
type SpecStore interface {
	CreateRoot(spec models.ChildSpec) (*models.SpecNode, error)
	CreateChildren(parentID string, children []models.ChildSpec, maxDepth int) ([]models.SpecNode, error)
	Get(id string) (*models.SpecNode, error)
	List(filter ListFilter) ([]models.SpecNode, error)
	ListChildren(parentID string) ([]models.SpecNode, error)
	Save(node *models.SpecNode, opts SaveOptions) error
}

// HibernationStore handles hibernation record persistence.
type HibernationStore interface {
	CreateHibernation(rec *models.HibernationRecord) error
	GetHibernation(specID string) (*models.HibernationRecord, error)
	ListHibernations() ([]models.HibernationRecord, error)
	WakeHibernation(specID string, restored []byte) (*models.SpecNode, error)
	HibernatingIDs() (map[string]bool, error)
}

// HistoryStore handles the phase history and agent run ledger.
type HistoryStore interface {
	ListTransitions(specID string) ([]models.PhaseTransition, error)
	CreateAgentRun(run *models.AgentRun) error
	FinishAgentRun(run *models.AgentRun) error
	ListAgentRuns(specID string) ([]models.AgentRun, error)
}

// CounterStore handles the run-wide cap counters.
type CounterStore interface {
	Counters() (RunCounters, error)
	ReserveAgent(maxAgents int, maxCost float64) (RunCounters, error)
	ReleaseAgent() error
	AddCost(cost float64) error
}

// RecoveryStore closes the ledger entries of rounds cut short by a crash.
type RecoveryStore interface {
	RecoverInterrupted() ([]InterruptedRun, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore is the full Spec Store. Components depend on the narrow
// interfaces they need; the orchestrator takes this one.
type StateStore interface {
	io.Closer
	Migrator
	SpecStore
	HibernationStore
	HistoryStore
	CounterStore
	RecoveryStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore       = (*DB)(nil)
	_ Migrator         = (*DB)(nil)
	_ SpecStore        = (*DB)(nil)
	_ HibernationStore = (*DB)(nil)
	_ HistoryStore     = (*DB)(nil)
	_ CounterStore     = (*DB)(nil)
	_ RecoveryStore    = (*DB)(nil)
)
