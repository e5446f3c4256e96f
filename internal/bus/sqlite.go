package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// SQLDB is the subset of state.DB the SQLite backend needs. The bus owns its
// own table inside the project database.
type SQLDB interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	from_spec TEXT NOT NULL,
	to_spec TEXT NOT NULL,
	type TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	payload TEXT,
	consumed_at TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(to_spec, consumed_at);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_spec);
`

// SQLiteBackend stores messages in the project SQLite database.
type SQLiteBackend struct {
	db SQLDB
}

// NewSQLiteBackend creates the messages table if needed.
func NewSQLiteBackend(db SQLDB) (*SQLiteBackend, error) {
	if _, err := db.Exec(messagesSchema); err != nil {
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Append stores a message and sets its arrival sequence.
func (s *SQLiteBackend) Append(ctx context.Context, msg *models.Message) error {
	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (id, from_spec, to_spec, type, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.From, msg.To, string(msg.Type), string(msg.Priority), payload,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get message seq: %w", err)
	}
	msg.Seq = seq
	return nil
}

// Pending returns unconsumed messages for a recipient in arrival order.
func (s *SQLiteBackend) Pending(ctx context.Context, recipient string) ([]models.Message, error) {
	return s.query(`
		SELECT seq, id, from_spec, to_spec, type, priority, payload, consumed_at, created_at
		FROM messages WHERE to_spec = ? AND consumed_at IS NULL ORDER BY seq
	`, recipient)
}

// MarkConsumed acknowledges messages.
func (s *SQLiteBackend) MarkConsumed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := []any{at.UTC().Format(time.RFC3339Nano)}
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.Exec(`
		UPDATE messages SET consumed_at = ?
		WHERE consumed_at IS NULL AND id IN (`+strings.Join(marks, ", ")+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	return nil
}

// History returns recent traffic for a node, oldest first.
func (s *SQLiteBackend) History(ctx context.Context, nodeID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.query(`
		SELECT seq, id, from_spec, to_spec, type, priority, payload, consumed_at, created_at
		FROM messages WHERE from_spec = ? OR to_spec = ? ORDER BY seq DESC LIMIT ?
	`, nodeID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteBackend) query(q string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			m                   models.Message
			typ, prio           string
			payload, consumedAt sql.NullString
			createdAt           string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.From, &m.To, &typ, &prio, &payload, &consumedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = models.MessageType(typ)
		m.Priority = models.Priority(prio)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		if consumedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, consumedAt.String); err == nil {
				m.ConsumedAt = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
