package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relstage/relstage/internal/job"
	"github.com/relstage/relstage/internal/store"
)

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testJob() *job.Job {
	return &job.Job{
		Namespace:    "hoary",
		MinBatchSize: 1000,
		TimeGoal:     4 * time.Second,
		Tables: []job.TableSpec{
			{Name: "potemplate", Filter: "src.distroseries = 1"},
			{Name: "pofile", DependsOn: []string{"potemplate"}},
		},
	}
}

func mustExec(t *testing.T, s *store.SQLite, query string) {
	t.Helper()
	if _, err := s.Exec(context.Background(), query); err != nil {
		t.Fatalf("exec %q error: %v", query, err)
	}
}

func TestInspectNothingStaged(t *testing.T) {
	s := newTestStore(t)

	state, err := New(s).Inspect(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != Clean {
		t.Errorf("state = %s, want clean", state)
	}
}

func TestInspectInterruptedExtraction(t *testing.T) {
	s := newTestStore(t)

	// Only the first table was staged; the last is missing.
	mustExec(t, s, `CREATE TABLE potemplate_holding_hoary (id INTEGER, new_id INTEGER)`)

	state, err := New(s).Inspect(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != Clean {
		t.Errorf("state = %s, want clean", state)
	}
}

func TestInspectExtractionFinishedButUnpoured(t *testing.T) {
	s := newTestStore(t)

	// All tables staged, first still carries new_id: treated as stale.
	mustExec(t, s, `CREATE TABLE potemplate_holding_hoary (id INTEGER, new_id INTEGER)`)
	mustExec(t, s, `CREATE TABLE pofile_holding_hoary (id INTEGER, new_id INTEGER)`)

	state, err := New(s).Inspect(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != Clean {
		t.Errorf("state = %s, want clean", state)
	}
}

func TestInspectInterruptedMidPour(t *testing.T) {
	s := newTestStore(t)

	// The first table's ids were consumed (new_id gone) before the crash.
	mustExec(t, s, `CREATE TABLE potemplate_holding_hoary (id INTEGER)`)
	mustExec(t, s, `CREATE TABLE pofile_holding_hoary (id INTEGER, new_id INTEGER)`)

	state, err := New(s).Inspect(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != ReadyToPour {
		t.Errorf("state = %s, want ready_to_pour", state)
	}
}

func TestInspectFirstTableFullyPoured(t *testing.T) {
	s := newTestStore(t)

	// The first table was poured and dropped; later tables remain.
	mustExec(t, s, `CREATE TABLE pofile_holding_hoary (id INTEGER, new_id INTEGER)`)

	state, err := New(s).Inspect(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != ReadyToPour {
		t.Errorf("state = %s, want ready_to_pour", state)
	}
}
