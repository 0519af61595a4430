package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/relstage/relstage/internal/dialect"
	_ "modernc.org/sqlite"
)

// SQLite is the in-process store backend, used for local runs and tests.
type SQLite struct {
	db      *sql.DB
	dialect dialect.Dialect
}

// NewSQLite opens (or creates) a SQLite database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite writes are serialized anyway; a single connection avoids
	// table-lock contention between the pour transactions.
	db.SetMaxOpenConns(1)

	d, _ := dialect.Get("sqlite")
	s := &SQLite{db: db, dialect: d}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relstage_sequences (
		name TEXT PRIMARY KEY,
		last_value INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS relstage_job_locks (
		namespace TEXT PRIMARY KEY,
		acquired_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing store tables: %w", err)
	}
	return nil
}

// Dialect returns the sqlite dialect.
func (s *SQLite) Dialect() dialect.Dialect { return s.dialect }

// Close closes the database.
func (s *SQLite) Close() { s.db.Close() }

// DB exposes the underlying handle for tests.
func (s *SQLite) DB() *sql.DB { return s.db }

// Exec runs a single auto-committed statement.
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InTransaction runs fn inside one transaction.
func (s *SQLite) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(ctx, sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateTableAs creates table from the result of selectQuery.
func (s *SQLite) CreateTableAs(ctx context.Context, table, selectQuery string) error {
	sql := fmt.Sprintf("CREATE TABLE %s AS %s", quoted(s.dialect, table), selectQuery)
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

// DropTable drops a table if it exists.
func (s *SQLite) DropTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoted(s.dialect, table)))
	return err
}

// TableExists reports whether a table exists.
func (s *SQLite) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		table,
	).Scan(&count)
	return count > 0, err
}

// ColumnExists reports whether a column exists on a table.
func (s *SQLite) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return true, nil
		}
	}
	return false, nil
}

// Columns returns the table's column names in declaration order.
func (s *SQLite) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns (does it exist?)", table)
	}
	return cols, nil
}

func (s *SQLite) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoted(s.dialect, table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RenameColumn renames a column in place.
func (s *SQLite) RenameColumn(ctx context.Context, table, from, to string) error {
	sql := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		quoted(s.dialect, table), quoted(s.dialect, from), quoted(s.dialect, to))
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

// DropColumn removes a column.
func (s *SQLite) DropColumn(ctx context.Context, table, column string) error {
	sql := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		quoted(s.dialect, table), quoted(s.dialect, column))
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

// CreateUniqueIndex creates a unique index on a single column.
func (s *SQLite) CreateUniqueIndex(ctx context.Context, name, table, column string) error {
	sql := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		quoted(s.dialect, name), quoted(s.dialect, table), quoted(s.dialect, column))
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

// MinMaxID returns the remaining id range of a table.
func (s *SQLite) MinMaxID(ctx context.Context, table string) (int64, int64, bool, error) {
	var low, high sql.NullInt64
	query := fmt.Sprintf(`SELECT MIN("id"), MAX("id") FROM %s`, quoted(s.dialect, table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&low, &high); err != nil {
		return 0, 0, false, err
	}
	if !low.Valid || !high.Valid {
		return 0, 0, false, nil
	}
	return low.Int64, high.Int64, true, nil
}

// CountRows returns the number of rows in a table.
func (s *SQLite) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoted(s.dialect, table))
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// ReserveIDs advances a sequence row in relstage_sequences and returns the
// base: ids base+1 .. base+n belong to the caller.
func (s *SQLite) ReserveIDs(ctx context.Context, sequence string, n int64) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	var last int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO relstage_sequences (name, last_value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_value = last_value + excluded.last_value
		RETURNING last_value
	`, sequence, n).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", sequence, err)
	}
	return last - n, nil
}

// SetSequence positions a sequence so the next reserved id is value+1.
// Used when seeding a database whose live tables already contain rows.
func (s *SQLite) SetSequence(ctx context.Context, sequence string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relstage_sequences (name, last_value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_value = excluded.last_value
	`, sequence, value)
	return err
}

// AcquireJobLock takes the advisory lock row for a namespace. Unlike the
// PostgreSQL advisory lock this does not expire with the session; a crashed
// process leaves the row behind and the lock must be cleared by hand.
func (s *SQLite) AcquireJobLock(ctx context.Context, namespace string) (func(), error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relstage_job_locks (namespace, acquired_at) VALUES (?, datetime('now'))
	`, namespace)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, lockError(namespace)
		}
		return nil, fmt.Errorf("taking job lock: %w", err)
	}

	release := func() {
		_, _ = s.db.Exec(`DELETE FROM relstage_job_locks WHERE namespace = ?`, namespace)
	}
	return release, nil
}
