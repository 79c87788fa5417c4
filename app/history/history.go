// Package history keeps a record of script executions in SQLite
package history

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Execution is a single recorded script run
type Execution struct {
	ID         int64     `db:"id" json:"id"`
	Label      string    `db:"label" json:"label"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
	ExitCode   int       `db:"exit_code" json:"exit_code"`
	TimedOut   bool      `db:"timed_out" json:"timed_out,omitempty"`
	Output     string    `db:"output" json:"output,omitempty"`
}

// Store implements execution history persistence on SQLite
type Store struct {
	db *sqlx.DB
}

var schema = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	exit_code INTEGER NOT NULL,
	timed_out BOOLEAN NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
`

// NewStore opens (and initializes if needed) the history database
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", dbPath, err)
	}

	// WAL for better concurrency between recorder and readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts an execution row
func (s *Store) Record(e Execution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (label, started_at, finished_at, exit_code, timed_out, output)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Label, e.StartedAt.Unix(), e.FinishedAt.Unix(), e.ExitCode, e.TimedOut, e.Output)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// List returns the most recent executions, newest first
func (s *Store) List(limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Queryx(`
		SELECT id, label, started_at, finished_at, exit_code, timed_out, output
		FROM executions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	res := []Execution{}
	for rows.Next() {
		var (
			e                 Execution
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Label, &started, &finished, &e.ExitCode, &e.TimedOut, &e.Output); err != nil {
			log.Printf("[WARN] failed to scan execution row: %v", err)
			continue
		}
		e.StartedAt = time.Unix(started, 0)
		e.FinishedAt = time.Unix(finished, 0)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return res, nil
}

// Cleanup removes all but the newest keep rows
func (s *Store) Cleanup(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM executions WHERE id NOT IN
		(SELECT id FROM executions ORDER BY started_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("failed to cleanup executions: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
