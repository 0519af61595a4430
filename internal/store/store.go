// Package store abstracts the relational store the engine works against.
//
// The engine issues every statement through this interface: short
// independently-committed transactions for row movement, and single DDL
// statements for staging-table management. Two backends are provided,
// PostgreSQL (pgx) for production and SQLite for local runs and tests.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/relstage/relstage/internal/dialect"
)

// ErrJobLocked is returned when another process already holds the advisory
// lock for a job namespace.
var ErrJobLocked = errors.New("job is locked by another process")

// Tx executes statements inside one transaction.
type Tx interface {
	// Exec runs a statement and returns the number of rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Store is the relational store the migration engine runs against.
type Store interface {
	// Dialect returns the SQL dialect for this store.
	Dialect() dialect.Dialect

	// Exec runs a single auto-committed statement.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// InTransaction runs fn inside one transaction, committing on nil
	// return and rolling back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CreateTableAs creates table from the result of selectQuery.
	CreateTableAs(ctx context.Context, table, selectQuery string) error

	// DropTable drops a table if it exists.
	DropTable(ctx context.Context, table string) error

	// TableExists reports whether a table exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// ColumnExists reports whether a column exists on a table. A missing
	// table reports false, not an error.
	ColumnExists(ctx context.Context, table, column string) (bool, error)

	// Columns returns a table's column names in declaration order.
	Columns(ctx context.Context, table string) ([]string, error)

	// RenameColumn renames a column in place.
	RenameColumn(ctx context.Context, table, from, to string) error

	// DropColumn removes a column.
	DropColumn(ctx context.Context, table, column string) error

	// CreateUniqueIndex creates a unique index on a single column.
	CreateUniqueIndex(ctx context.Context, name, table, column string) error

	// MinMaxID returns the smallest and largest id in a table. ok is false
	// when the table is empty.
	MinMaxID(ctx context.Context, table string) (low, high int64, ok bool, err error)

	// CountRows returns the number of rows in a table.
	CountRows(ctx context.Context, table string) (int64, error)

	// ReserveIDs advances the named allocation sequence by n and returns
	// base such that ids base+1 .. base+n are reserved for the caller.
	ReserveIDs(ctx context.Context, sequence string, n int64) (base int64, err error)

	// AcquireJobLock takes the advisory lock for a job namespace, returning
	// a release function. Returns ErrJobLocked if already held elsewhere.
	AcquireJobLock(ctx context.Context, namespace string) (release func(), err error)

	// Close releases all connections.
	Close()
}

// quoted is a convenience for the backends.
func quoted(d dialect.Dialect, name string) string {
	return d.QuoteIdent(name)
}

// lockError decorates ErrJobLocked with the namespace.
func lockError(namespace string) error {
	return fmt.Errorf("namespace %s: %w", namespace, ErrJobLocked)
}
