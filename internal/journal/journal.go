// Package journal records what each run did to a local SQLite database.
// The journal is strictly append-only observability: nothing in the
// lifecycle reads it back, so losing or deleting it never changes behavior.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is an open journal database.
type DB struct {
	conn *sql.DB
}

// Run is one full scheduler pass over a repository.
type Run struct {
	ID         string
	Repo       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Decision is the recorded outcome for one issue within a run.
type Decision struct {
	ID        string
	RunID     string
	Repo      string
	Issue     int
	State     string
	Action    string
	Reason    string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	repo TEXT NOT NULL,
	issue INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Open opens (or creates) the journal at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// StartRun records the beginning of a scheduler pass and returns its ID.
func (db *DB) StartRun(repo string) (string, error) {
	id := uuid.New().String()
	_, err := db.conn.Exec(`
		INSERT INTO runs (id, repo, started_at)
		VALUES (?, ?, ?)`,
		id, repo, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun stamps a run's end time.
func (db *DB) FinishRun(runID string) error {
	_, err := db.conn.Exec(`
		UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RecordDecision appends the outcome for one issue.
func (db *DB) RecordDecision(d Decision) error {
	id := uuid.New().String()
	_, err := db.conn.Exec(`
		INSERT INTO decisions (id, run_id, repo, issue, state, action, reason, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, d.RunID, d.Repo, d.Issue, d.State, d.Action, d.Reason, d.Outcome, d.Detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions for a run, newest first.
func (db *DB) ListDecisions(runID string, limit int) ([]Decision, error) {
	rows, err := db.conn.Query(`
		SELECT id, run_id, repo, issue, state, action, reason, outcome, detail, created_at
		FROM decisions WHERE run_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var createdAt string
		err := rows.Scan(&d.ID, &d.RunID, &d.Repo, &d.Issue, &d.State, &d.Action, &d.Reason, &d.Outcome, &d.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
