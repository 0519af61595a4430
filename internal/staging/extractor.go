// Package staging snapshots live rows into holding tables, allocating new
// ids and remapping foreign keys against already-staged dependencies.
package staging

import (
	"context"
	"fmt"
	"strings"

	"github.com/relstage/relstage/internal/dialect"
	"github.com/relstage/relstage/internal/job"
	"github.com/relstage/relstage/internal/logging"
	"github.com/relstage/relstage/internal/store"
)

// NewIDColumn is the extra column that marks a holding table as unpoured.
const NewIDColumn = "new_id"

// CreationError means the holding table or its index could not be built.
// The partial table is left in place for inspection.
type CreationError struct {
	Table string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating holding table for %s: %v", e.Table, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// RemapError means a dependency's holding table is missing or its foreign
// keys could not be rewritten.
type RemapError struct {
	Table      string
	Dependency string
	Err        error
}

func (e *RemapError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remapping %s: dependency %s is not staged", e.Table, e.Dependency)
	}
	return fmt.Sprintf("remapping %s against %s: %v", e.Table, e.Dependency, e.Err)
}

func (e *RemapError) Unwrap() error { return e.Err }

// Extractor builds holding tables.
type Extractor struct {
	store store.Store
}

// New creates an extractor.
func New(st store.Store) *Extractor {
	return &Extractor{store: st}
}

// Extract snapshots the rows of spec's live table matching its filter into
// a holding table scoped by the job namespace. Foreign keys to each staged
// dependency are rewritten to the dependency's new ids; rows referencing
// unstaged dependency rows are excluded by the inner join. Returns the
// holding table name and the number of rows staged.
func (e *Extractor) Extract(ctx context.Context, j *job.Job, spec job.TableSpec) (string, int64, error) {
	holding := job.HoldingTable(j.Namespace, spec.Name)
	d := e.store.Dialect()

	for _, dep := range spec.DependsOn {
		staged, err := e.dependencyStaged(ctx, j.Namespace, dep)
		if err != nil {
			return "", 0, &RemapError{Table: spec.Name, Dependency: dep, Err: err}
		}
		if !staged {
			return "", 0, &RemapError{Table: spec.Name, Dependency: dep}
		}
	}

	logging.Info("Staging %s into %s", spec.Name, holding)

	if err := e.store.CreateTableAs(ctx, holding, e.buildSelect(d, j, spec)); err != nil {
		return "", 0, &CreationError{Table: spec.Name, Err: err}
	}

	rows, err := e.store.CountRows(ctx, holding)
	if err != nil {
		return "", 0, &CreationError{Table: spec.Name, Err: err}
	}

	// The table was created with dense row_number ids; shift them into the
	// block reserved from the allocation sequence.
	if rows > 0 {
		base, err := e.store.ReserveIDs(ctx, spec.SequenceFor(), rows)
		if err != nil {
			return "", 0, &CreationError{Table: spec.Name, Err: err}
		}
		shift := fmt.Sprintf("UPDATE %s SET %s = %s + %s",
			d.QuoteIdent(holding), d.QuoteIdent(NewIDColumn), d.QuoteIdent(NewIDColumn), d.Placeholder(1))
		if _, err := e.store.Exec(ctx, shift, base); err != nil {
			return "", 0, &CreationError{Table: spec.Name, Err: err}
		}
	}

	// Swap each remapped foreign key into place: the original column goes,
	// the joined new_<fk> column takes its name.
	for _, dep := range spec.DependsOn {
		fk := spec.ForeignKeyColumn(dep)
		if err := e.store.DropColumn(ctx, holding, fk); err != nil {
			return "", 0, &RemapError{Table: spec.Name, Dependency: dep, Err: err}
		}
		if err := e.store.RenameColumn(ctx, holding, "new_"+fk, fk); err != nil {
			return "", 0, &RemapError{Table: spec.Name, Dependency: dep, Err: err}
		}
	}

	// Range scans during pouring need this.
	if err := e.store.CreateUniqueIndex(ctx, job.HoldingIndex(j.Namespace, spec.Name), holding, "id"); err != nil {
		return "", 0, &CreationError{Table: spec.Name, Err: err}
	}

	logging.Info("Staged %s: %d rows", spec.Name, rows)
	return holding, rows, nil
}

// dependencyStaged reports whether dep's holding table exists and has not
// yet been poured (its new_id column is still present).
func (e *Extractor) dependencyStaged(ctx context.Context, namespace, dep string) (bool, error) {
	holding := job.HoldingTable(namespace, dep)
	exists, err := e.store.TableExists(ctx, holding)
	if err != nil || !exists {
		return false, err
	}
	return e.store.ColumnExists(ctx, holding, NewIDColumn)
}

// buildSelect assembles the snapshot query: all source columns, one
// new_<fk> column per dependency, and a dense row_number new_id.
func (e *Extractor) buildSelect(d dialect.Dialect, j *job.Job, spec job.TableSpec) string {
	var sb strings.Builder

	sb.WriteString("SELECT src.*")
	for _, dep := range spec.DependsOn {
		fk := spec.ForeignKeyColumn(dep)
		fmt.Fprintf(&sb, ", h_%s.%s AS %s", fk, d.QuoteIdent(NewIDColumn), d.QuoteIdent("new_"+fk))
	}
	fmt.Fprintf(&sb, ", row_number() OVER (ORDER BY src.%s) AS %s", d.QuoteIdent("id"), d.QuoteIdent(NewIDColumn))

	fmt.Fprintf(&sb, " FROM %s AS src", d.QuoteIdent(spec.Name))
	for _, dep := range spec.DependsOn {
		fk := spec.ForeignKeyColumn(dep)
		fmt.Fprintf(&sb, " JOIN %s AS h_%s ON src.%s = h_%s.%s",
			d.QuoteIdent(job.HoldingTable(j.Namespace, dep)), fk, d.QuoteIdent(fk), fk, d.QuoteIdent("id"))
	}

	if spec.Filter != "" {
		fmt.Fprintf(&sb, " WHERE %s", spec.Filter)
	}

	return sb.String()
}
