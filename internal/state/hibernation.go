package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// CreateHibernation persists a suspension record. It fails with
// ErrAlreadyHibernating if the node already has one and ErrNotFound if the
// node is unknown.
func (db *DB) CreateHibernation(rec *models.HibernationRecord) error {
	trigger, err := json.Marshal(rec.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if rec.SuspendedAt.IsZero() {
		rec.SuspendedAt = time.Now()
	}

	err = db.Transaction(func(tx *sql.Tx) error {
		exists, err := specExists(tx, rec.SpecID)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrNotFound
		}

		var n int
		if err := tx.QueryRow("SELECT COUNT(*) FROM hibernations WHERE spec_id = ?", rec.SpecID).Scan(&n); err != nil {
			return fmt.Errorf("check hibernation: %w", err)
		}
		if n > 0 {
			return models.ErrAlreadyHibernating
		}

		_, err = tx.Exec(`
			INSERT INTO hibernations (spec_id, resume_trigger, context, checksum, suspended_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.SpecID, string(trigger), rec.Context, rec.Checksum, formatTime(rec.SuspendedAt))
		if err != nil {
			return fmt.Errorf("insert hibernation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hibernate %s: %w", rec.SpecID, err)
	}
	return nil
}

// GetHibernation returns the active record for a node, or nil if the node is
// not hibernating.
func (db *DB) GetHibernation(specID string) (*models.HibernationRecord, error) {
	rows, err := db.Query(`
		SELECT spec_id, resume_trigger, context, checksum, suspended_at
		FROM hibernations WHERE spec_id = ?
	`, specID)
	if err != nil {
		return nil, fmt.Errorf("get hibernation: %w", err)
	}
	defer rows.Close()

	recs, err := scanHibernations(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListHibernations returns every active record ordered by suspend time.
func (db *DB) ListHibernations() ([]models.HibernationRecord, error) {
	rows, err := db.Query(`
		SELECT spec_id, resume_trigger, context, checksum, suspended_at
		FROM hibernations ORDER BY suspended_at, spec_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list hibernations: %w", err)
	}
	defer rows.Close()
	return scanHibernations(rows)
}

// WakeHibernation deletes the node's record and re-enqueues the node with
// the restored context in one transaction. The node joins the back of the
// queue, so nodes woken in the same tick run in wake order.
func (db *DB) WakeHibernation(specID string, restored []byte) (*models.SpecNode, error) {
	var node *models.SpecNode
	err := db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM hibernations WHERE spec_id = ?", specID)
		if err != nil {
			return fmt.Errorf("delete hibernation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return models.ErrNotHibernating
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE specs SET resume_context = ?, queue_seq = ?, version = version + 1, updated_at = ?
			WHERE id = ?
		`, restored, seq, formatTime(time.Now()), specID)
		if err != nil {
			return fmt.Errorf("requeue spec: %w", err)
		}

		node, err = getSpec(tx, specID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wake %s: %w", specID, err)
	}
	return node, nil
}

// HibernatingIDs returns the set of nodes that currently hold a record.
func (db *DB) HibernatingIDs() (map[string]bool, error) {
	rows, err := db.Query("SELECT spec_id FROM hibernations")
	if err != nil {
		return nil, fmt.Errorf("list hibernating ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan hibernating id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func scanHibernations(rows *sql.Rows) ([]models.HibernationRecord, error) {
	var recs []models.HibernationRecord
	for rows.Next() {
		var (
			rec         models.HibernationRecord
			trigger     string
			suspendedAt string
		)
		if err := rows.Scan(&rec.SpecID, &trigger, &rec.Context, &rec.Checksum, &suspendedAt); err != nil {
			return nil, fmt.Errorf("scan hibernation: %w", err)
		}
		if err := json.Unmarshal([]byte(trigger), &rec.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger of %s: %w", rec.SpecID, err)
		}
		t, err := parseTime(suspendedAt)
		if err != nil {
			return nil, fmt.Errorf("parse suspended_at: %w", err)
		}
		rec.SuspendedAt = t
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return recs, nil
}
