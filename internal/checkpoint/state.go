package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State records run history in a local SQLite database. The staging
// tables in the relational store are the authoritative resume point;
// this history exists for the status and history commands and the
// monitor UI.
type State struct {
	db *sql.DB
}

// Run represents one engine invocation.
type Run struct {
	ID           string
	Namespace    string
	Phase        string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Config       string
}

// TableProgress tracks per-table staged and poured row counts.
type TableProgress struct {
	RunID      string
	TableName  string
	RowsStaged int64
	RowsPoured int64
	UpdatedAt  time.Time
}

// New opens (creating if necessary) the history database under dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "relstage.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT 'not_started',
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error_message TEXT,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS table_progress (
		run_id TEXT REFERENCES runs(id),
		table_name TEXT NOT NULL,
		rows_staged INTEGER DEFAULT 0,
		rows_poured INTEGER DEFAULT 0,
		updated_at TEXT,
		PRIMARY KEY (run_id, table_name)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_namespace ON runs(namespace, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *State) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a new run.
func (s *State) CreateRun(id, namespace string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, namespace, phase, status, started_at, config)
		VALUES (?, ?, 'not_started', 'running', datetime('now'), ?)
	`, id, namespace, string(configJSON))
	return err
}

// SetPhase updates the current phase of a run.
func (s *State) SetPhase(id, phase string) error {
	_, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, id)
	return err
}

// CompleteRun marks a run as finished. errorMsg is empty on success.
func (s *State) CompleteRun(id, status, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error_message = ?, completed_at = datetime('now')
		WHERE id = ?
	`, status, errorMsg, id)
	return err
}

// RecordTableStaged records how many rows a table's extraction staged.
func (s *State) RecordTableStaged(runID, table string, rows int64) error {
	_, err := s.db.Exec(`
		INSERT INTO table_progress (run_id, table_name, rows_staged, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(run_id, table_name) DO UPDATE SET
			rows_staged = excluded.rows_staged,
			updated_at = excluded.updated_at
	`, runID, table, rows)
	return err
}

// RecordTablePoured records the cumulative rows poured for a table.
func (s *State) RecordTablePoured(runID, table string, rows int64) error {
	_, err := s.db.Exec(`
		INSERT INTO table_progress (run_id, table_name, rows_poured, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(run_id, table_name) DO UPDATE SET
			rows_poured = excluded.rows_poured,
			updated_at = excluded.updated_at
	`, runID, table, rows)
	return err
}

// GetLastRun returns the most recent run for a namespace, or nil if
// the namespace has never run.
func (s *State) GetLastRun(namespace string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, namespace, phase, status, started_at, completed_at, COALESCE(error_message, '')
		FROM runs WHERE namespace = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, namespace)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetRun returns one run by id including its stored config, or nil if
// no such run exists.
func (s *State) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, namespace, phase, status, started_at, completed_at, COALESCE(error_message, ''), COALESCE(config, '')
		FROM runs WHERE id = ?
	`, id)
	var r Run
	var startedAtStr string
	var completedAtStr sql.NullString
	err := row.Scan(&r.ID, &r.Namespace, &r.Phase, &r.Status, &startedAtStr, &completedAtStr, &r.ErrorMessage, &r.Config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse("2006-01-02 15:04:05", startedAtStr)
	if completedAtStr.Valid {
		t, _ := time.Parse("2006-01-02 15:04:05", completedAtStr.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

// GetAllRuns returns the most recent runs across all namespaces.
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, namespace, phase, status, started_at, completed_at, COALESCE(error_message, '')
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRunTables returns per-table progress for a run, ordered by name.
func (s *State) GetRunTables(runID string) ([]TableProgress, error) {
	rows, err := s.db.Query(`
		SELECT run_id, table_name, rows_staged, rows_poured, updated_at
		FROM table_progress WHERE run_id = ? ORDER BY table_name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var progress []TableProgress
	for rows.Next() {
		var p TableProgress
		var updatedAtStr string
		if err := rows.Scan(&p.RunID, &p.TableName, &p.RowsStaged, &p.RowsPoured, &updatedAtStr); err != nil {
			return nil, err
		}
		p.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAtStr)
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// CleanupOldRuns removes finished runs that completed more than
// retentionDays ago, along with their table progress. Returns the
// number of runs deleted.
func (s *State) CleanupOldRuns(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format("2006-01-02 15:04:05")
	_, err := s.db.Exec(`
		DELETE FROM table_progress WHERE run_id IN (
			SELECT id FROM runs WHERE status != 'running' AND completed_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	result, err := s.db.Exec(`
		DELETE FROM runs WHERE status != 'running' AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAtStr string
	var completedAtStr sql.NullString
	err := row.Scan(&r.ID, &r.Namespace, &r.Phase, &r.Status, &startedAtStr, &completedAtStr, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	// SQLite datetime strings
	r.StartedAt, _ = time.Parse("2006-01-02 15:04:05", startedAtStr)
	if completedAtStr.Valid {
		t, _ := time.Parse("2006-01-02 15:04:05", completedAtStr.String)
		r.CompletedAt = &t
	}
	return &r, nil
}
