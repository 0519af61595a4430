// Package dialect provides store-specific SQL syntax helpers.
//
// The engine assembles all statements itself and only ever interpolates
// identifiers and values that come from validated job configuration; the
// dialect covers the few places PostgreSQL and SQLite disagree.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect generates store-specific SQL fragments.
type Dialect interface {
	// Name returns the dialect name ("postgres" or "sqlite").
	Name() string

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(name string) string

	// Placeholder returns the bind-parameter marker for position n (1-based).
	Placeholder(n int) string
}

// Get returns the dialect for the given driver name.
func Get(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (postgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(n int) string {
	return "?"
}

// ColumnList returns a quoted, comma-separated list of columns.
func ColumnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
