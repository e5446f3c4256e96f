// Package state provides the SQLite-backed Spec Store. It owns spec nodes,
// hibernation records, phase history, the agent run ledger and run counters.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the mattn/go-sqlite3 driver.
	DriverCGO = "sqlite3"
)

// DB wraps an SQLite database connection with spec-store operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".spectree", "state.db")
}

// Open opens an SQLite database at the given path with the default driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(DriverModernc, path)
}

// OpenWithDriver opens an SQLite database at the given path using the named
// driver. It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func OpenWithDriver(driver, path string) (*DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens and migrates the project-local database.
func OpenProject(projectRoot, driver string) (*DB, error) {
	db, err := OpenWithDriver(driver, ProjectDBPath(projectRoot))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Specs},
		{2, migrationV2Hibernations},
		{3, migrationV3History},
		{4, migrationV4Counters},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Specs = `
CREATE TABLE IF NOT EXISTS specs (
	id TEXT PRIMARY KEY,
	parent_id TEXT REFERENCES specs(id),
	name TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	leaf TEXT NOT NULL DEFAULT 'undecided',
	phase TEXT NOT NULL DEFAULT 'PENDING',
	depends_on TEXT NOT NULL DEFAULT '[]',
	content TEXT NOT NULL DEFAULT '{}',
	arch_iterations INTEGER NOT NULL DEFAULT 0,
	impl_iterations INTEGER NOT NULL DEFAULT 0,
	next_role TEXT NOT NULL DEFAULT '',
	last_result TEXT,
	error TEXT NOT NULL DEFAULT '',
	feedback TEXT NOT NULL DEFAULT '',
	resume_context BLOB,
	review_reason TEXT NOT NULL DEFAULT '',
	created_seq INTEGER NOT NULL,
	queue_seq INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_specs_parent_id ON specs(parent_id);
CREATE INDEX IF NOT EXISTS idx_specs_phase ON specs(phase);
`

const migrationV2Hibernations = `
CREATE TABLE IF NOT EXISTS hibernations (
	spec_id TEXT PRIMARY KEY REFERENCES specs(id),
	resume_trigger TEXT NOT NULL,
	context BLOB,
	checksum TEXT NOT NULL,
	suspended_at TEXT NOT NULL
);
`

const migrationV3History = `
CREATE TABLE IF NOT EXISTS phase_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spec_id TEXT NOT NULL REFERENCES specs(id),
	from_phase TEXT NOT NULL,
	to_phase TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	triggered_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_spec_id ON phase_transitions(spec_id);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	spec_id TEXT NOT NULL REFERENCES specs(id),
	role TEXT NOT NULL,
	phase TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0.0,
	verdict TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_spec_id ON agent_runs(spec_id);
`

const migrationV4Counters = `
CREATE TABLE IF NOT EXISTS run_counters (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	agents_dispatched INTEGER NOT NULL DEFAULT 0,
	cost_spent REAL NOT NULL DEFAULT 0.0,
	next_seq INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO run_counters (id) VALUES (1);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// nextSeq hands out the next value of the run-wide sequence used for
// creation order and queue order.
func nextSeq(tx *sql.Tx) (int64, error) {
	if _, err := tx.Exec("UPDATE run_counters SET next_seq = next_seq + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRow("SELECT next_seq FROM run_counters WHERE id = 1").Scan(&seq); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
