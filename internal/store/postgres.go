package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relstage/relstage/internal/dialect"
)

// Postgres is the pgx-backed store.
type Postgres struct {
	pool    *pgxpool.Pool
	dialect dialect.Dialect
}

// NewPostgres opens a connection pool against the given DSN.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d, _ := dialect.Get("postgres")
	return &Postgres{pool: pool, dialect: d}, nil
}

// Dialect returns the postgres dialect.
func (p *Postgres) Dialect() dialect.Dialect { return p.dialect }

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

// Exec runs a single auto-committed statement.
func (p *Postgres) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InTransaction runs fn inside one transaction.
func (p *Postgres) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(ctx, pgxTx{tx: tx})
	})
}

// CreateTableAs creates table from the result of selectQuery.
func (p *Postgres) CreateTableAs(ctx context.Context, table, selectQuery string) error {
	sql := fmt.Sprintf("CREATE TABLE %s AS %s", quoted(p.dialect, table), selectQuery)
	_, err := p.pool.Exec(ctx, sql)
	return err
}

// DropTable drops a table if it exists.
func (p *Postgres) DropTable(ctx context.Context, table string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoted(p.dialect, table)))
	return err
}

// TableExists reports whether a table exists in the current search path.
func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)
	`, table).Scan(&exists)
	return exists, err
}

// ColumnExists reports whether a column exists on a table.
func (p *Postgres) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)
	`, table, column).Scan(&exists)
	return exists, err
}

// Columns returns the table's column names in ordinal order.
func (p *Postgres) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns (does it exist?)", table)
	}
	return cols, nil
}

// RenameColumn renames a column in place.
func (p *Postgres) RenameColumn(ctx context.Context, table, from, to string) error {
	sql := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		quoted(p.dialect, table), quoted(p.dialect, from), quoted(p.dialect, to))
	_, err := p.pool.Exec(ctx, sql)
	return err
}

// DropColumn removes a column.
func (p *Postgres) DropColumn(ctx context.Context, table, column string) error {
	sql := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		quoted(p.dialect, table), quoted(p.dialect, column))
	_, err := p.pool.Exec(ctx, sql)
	return err
}

// CreateUniqueIndex creates a unique index on a single column.
func (p *Postgres) CreateUniqueIndex(ctx context.Context, name, table, column string) error {
	sql := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		quoted(p.dialect, name), quoted(p.dialect, table), quoted(p.dialect, column))
	_, err := p.pool.Exec(ctx, sql)
	return err
}

// MinMaxID returns the remaining id range of a table.
func (p *Postgres) MinMaxID(ctx context.Context, table string) (int64, int64, bool, error) {
	var low, high *int64
	sql := fmt.Sprintf(`SELECT MIN("id"), MAX("id") FROM %s`, quoted(p.dialect, table))
	if err := p.pool.QueryRow(ctx, sql).Scan(&low, &high); err != nil {
		return 0, 0, false, err
	}
	if low == nil || high == nil {
		return 0, 0, false, nil
	}
	return *low, *high, true, nil
}

// CountRows returns the number of rows in a table.
func (p *Postgres) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoted(p.dialect, table))
	err := p.pool.QueryRow(ctx, sql).Scan(&count)
	return count, err
}

// ReserveIDs consumes n values from a PostgreSQL sequence and returns the
// base: ids base+1 .. base+n belong to the caller.
func (p *Postgres) ReserveIDs(ctx context.Context, sequence string, n int64) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	var last int64
	err := p.pool.QueryRow(ctx,
		`SELECT setval($1::regclass, nextval($1::regclass) + $2 - 1)`,
		sequence, n,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", sequence, err)
	}
	return last - n, nil
}

// AcquireJobLock takes a session-scoped advisory lock keyed by the job
// namespace, holding one pooled connection until release.
func (p *Postgres) AcquireJobLock(ctx context.Context, namespace string) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for job lock: %w", err)
	}

	key := lockKey(namespace)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("taking advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, lockError(namespace)
	}

	release := func() {
		// Best effort: the lock also drops with the session.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

func lockKey(namespace string) int64 {
	h := fnv.New64a()
	h.Write([]byte("relstage:" + namespace))
	return int64(h.Sum64())
}
