// Package job defines migration jobs: an ordered set of table specs plus
// the namespace that scopes the job's holding tables.
package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Phase is the lifecycle state of a migration job.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseExtracting Phase = "extracting"
	PhasePouring    Phase = "pouring"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// identPattern restricts names that end up inside assembled SQL.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// TableSpec describes one table to stage and pour.
type TableSpec struct {
	// Name is the live table name.
	Name string

	// Filter is a SQL predicate over the live table (aliased "src")
	// selecting the rows to copy. Empty means the join against staged
	// dependencies alone scopes the rows.
	Filter string

	// DependsOn lists tables whose holding tables this table's foreign
	// keys are remapped against. By convention the foreign key column is
	// named after the dependency table, lower-cased.
	DependsOn []string

	// Sequence is the id-allocation sequence new ids are drawn from.
	// Defaults to "<name>_id_seq".
	Sequence string
}

// ForeignKeyColumn returns the column on this table referencing dep.
func (s TableSpec) ForeignKeyColumn(dep string) string {
	return strings.ToLower(dep)
}

// Job is an ordered sequence of table specs in dependency order, scoped by
// a namespace unique to the target dataset.
type Job struct {
	Namespace    string
	Tables       []TableSpec
	MinBatchSize int64
	TimeGoal     time.Duration
}

// HoldingTable returns the staging table name for a live table within a
// job namespace.
func HoldingTable(namespace, table string) string {
	return fmt.Sprintf("%s_holding_%s", table, namespace)
}

// HoldingIndex returns the name of the unique id index on a holding table.
func HoldingIndex(namespace, table string) string {
	return HoldingTable(namespace, table) + "_id_idx"
}

// Validate checks namespace and table identifiers and that every table
// appears after all tables it depends on.
func (j *Job) Validate() error {
	if !identPattern.MatchString(j.Namespace) {
		return fmt.Errorf("invalid job namespace %q (want lowercase identifier)", j.Namespace)
	}
	if len(j.Tables) == 0 {
		return fmt.Errorf("job %s has no tables", j.Namespace)
	}
	if j.MinBatchSize < 1 {
		return fmt.Errorf("job %s: min batch size must be positive", j.Namespace)
	}
	if j.TimeGoal <= 0 {
		return fmt.Errorf("job %s: time goal must be positive", j.Namespace)
	}

	seen := make(map[string]bool, len(j.Tables))
	for _, t := range j.Tables {
		if !identPattern.MatchString(t.Name) {
			return fmt.Errorf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s listed twice", t.Name)
		}
		if t.Sequence != "" && !identPattern.MatchString(t.Sequence) {
			return fmt.Errorf("invalid sequence name %q for table %s", t.Sequence, t.Name)
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("table %s depends on %s, which is not listed before it", t.Name, dep)
			}
		}
		seen[t.Name] = true
	}
	return nil
}

// SequenceFor returns the id-allocation sequence for a spec, applying the
// default naming.
func (s TableSpec) SequenceFor() string {
	if s.Sequence != "" {
		return s.Sequence
	}
	return s.Name + "_id_seq"
}

// First returns the first table spec in dependency order.
func (j *Job) First() TableSpec { return j.Tables[0] }

// Last returns the last table spec in dependency order.
func (j *Job) Last() TableSpec { return j.Tables[len(j.Tables)-1] }
