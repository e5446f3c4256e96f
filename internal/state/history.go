package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// RunCounters are the run-wide cap counters.
type RunCounters struct {
	AgentsDispatched int     `json:"agents_dispatched"`
	CostSpent        float64 `json:"cost_spent"`
}

func insertTransition(tx *sql.Tx, specID string, from, to models.Phase, reason, triggeredBy string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO phase_transitions (spec_id, from_phase, to_phase, reason, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, specID, string(from), string(to), reason, triggeredBy, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns the phase history of a node, oldest first.
func (db *DB) ListTransitions(specID string) ([]models.PhaseTransition, error) {
	rows, err := db.Query(`
		SELECT id, spec_id, from_phase, to_phase, reason, triggered_by, created_at
		FROM phase_transitions WHERE spec_id = ? ORDER BY id
	`, specID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.PhaseTransition
	for rows.Next() {
		var (
			tr        models.PhaseTransition
			from, to  string
			createdAt string
		)
		if err := rows.Scan(&tr.ID, &tr.SpecID, &from, &to, &tr.Reason, &tr.TriggeredBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = models.Phase(from)
		tr.To = models.Phase(to)
		if tr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CreateAgentRun records the start of a dispatched agent session.
func (db *DB) CreateAgentRun(run *models.AgentRun) error {
	_, err := db.Exec(`
		INSERT INTO agent_runs (id, spec_id, role, phase, iteration, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.SpecID, string(run.Role), string(run.Phase), run.Iteration, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

// FinishAgentRun records the outcome of an agent session.
func (db *DB) FinishAgentRun(run *models.AgentRun) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err := db.Exec(`
		UPDATE agent_runs SET cost = ?, verdict = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, run.Cost, run.Verdict, run.Error, formatTime(finished), run.ID)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	run.FinishedAt = &finished
	return nil
}

// ListAgentRuns returns the sessions dispatched for a node, oldest first.
func (db *DB) ListAgentRuns(specID string) ([]models.AgentRun, error) {
	rows, err := db.Query(`
		SELECT id, spec_id, role, phase, iteration, cost, verdict, error, started_at, finished_at
		FROM agent_runs WHERE spec_id = ? ORDER BY started_at, id
	`, specID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var out []models.AgentRun
	for rows.Next() {
		var (
			run         models.AgentRun
			role, phase string
			startedAt   string
			finishedAt  sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.SpecID, &role, &phase, &run.Iteration, &run.Cost,
			&run.Verdict, &run.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		run.Role = models.Role(role)
		run.Phase = models.Phase(phase)
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		run.FinishedAt = parseNullableTime(finishedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

// Counters returns the run-wide cap counters.
func (db *DB) Counters() (RunCounters, error) {
	var c RunCounters
	row := db.QueryRow("SELECT agents_dispatched, cost_spent FROM run_counters WHERE id = 1")
	if err := row.Scan(&c.AgentsDispatched, &c.CostSpent); err != nil {
		return c, fmt.Errorf("read counters: %w", err)
	}
	return c, nil
}

// ReserveAgent increments the dispatched-agent counter if it is below
// maxAgents (<= 0 means unlimited) and spent cost is below maxCost (<= 0
// means unlimited). The check and the increment are one transaction so two
// processes cannot both take the last slot.
func (db *DB) ReserveAgent(maxAgents int, maxCost float64) (RunCounters, error) {
	var c RunCounters
	err := db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT agents_dispatched, cost_spent FROM run_counters WHERE id = 1")
		if err := row.Scan(&c.AgentsDispatched, &c.CostSpent); err != nil {
			return fmt.Errorf("read counters: %w", err)
		}
		if maxAgents > 0 && c.AgentsDispatched >= maxAgents {
			return &models.CapError{Cap: models.CapAgents, Limit: float64(maxAgents), Value: float64(c.AgentsDispatched)}
		}
		if maxCost > 0 && c.CostSpent >= maxCost {
			return &models.CapError{Cap: models.CapCost, Limit: maxCost, Value: c.CostSpent}
		}
		if _, err := tx.Exec("UPDATE run_counters SET agents_dispatched = agents_dispatched + 1 WHERE id = 1"); err != nil {
			return fmt.Errorf("increment agents: %w", err)
		}
		c.AgentsDispatched++
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("reserve agent: %w", err)
	}
	return c, nil
}

// ReleaseAgent returns a slot taken by ReserveAgent for a round that never
// started.
func (db *DB) ReleaseAgent() error {
	if _, err := db.Exec("UPDATE run_counters SET agents_dispatched = agents_dispatched - 1 WHERE id = 1 AND agents_dispatched > 0"); err != nil {
		return fmt.Errorf("release agent: %w", err)
	}
	return nil
}

// AddCost adds the cost of a finished session to the run total.
func (db *DB) AddCost(cost float64) error {
	if cost == 0 {
		return nil
	}
	if _, err := db.Exec("UPDATE run_counters SET cost_spent = cost_spent + ? WHERE id = 1", cost); err != nil {
		return fmt.Errorf("add cost: %w", err)
	}
	return nil
}
