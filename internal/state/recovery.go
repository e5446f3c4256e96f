package state

import (
	"fmt"
	"time"
)

// InterruptedRun describes an agent session that was dispatched but never
// recorded a result, typically because the process crashed mid-round.
type InterruptedRun struct {
	RunID     string
	SpecID    string
	Role      string
	StartedAt time.Time
}

// RecoverInterrupted closes every agent run that has no finish time and
// returns them. Spec nodes need no repair: a round's transition is committed
// in one write, so an interrupted round simply runs again and its unconsumed
// messages are redelivered.
func (db *DB) RecoverInterrupted() ([]InterruptedRun, error) {
	rows, err := db.Query(`
		SELECT id, spec_id, role, started_at FROM agent_runs
		WHERE finished_at IS NULL ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list interrupted runs: %w", err)
	}

	var interrupted []InterruptedRun
	for rows.Next() {
		var (
			run       InterruptedRun
			startedAt string
		)
		if err := rows.Scan(&run.RunID, &run.SpecID, &run.Role, &startedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan interrupted run: %w", err)
		}
		run.StartedAt, _ = parseTime(startedAt)
		interrupted = append(interrupted, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := formatTime(time.Now())
	for _, run := range interrupted {
		_, err := db.Exec(`
			UPDATE agent_runs SET error = 'interrupted', finished_at = ? WHERE id = ?
		`, now, run.RunID)
		if err != nil {
			return nil, fmt.Errorf("close interrupted run %s: %w", run.RunID, err)
		}
	}
	return interrupted, nil
}
