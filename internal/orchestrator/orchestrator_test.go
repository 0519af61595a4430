package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/relstage/relstage/internal/config"
	"github.com/relstage/relstage/internal/job"
	"github.com/relstage/relstage/internal/pour"
	"github.com/relstage/relstage/internal/recovery"
	"github.com/relstage/relstage/internal/staging"
	"github.com/relstage/relstage/internal/store"
)

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(`
store:
  driver: sqlite
  path: ` + dbPath + `
job:
  namespace: hoary
  min_batch_size: 10
  tables:
    - name: potemplate
      filter: "src.distroseries = 3"
    - name: pofile
      depends_on: [potemplate]
data_dir: ` + filepath.Join(t.TempDir(), "state") + `
`))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	return cfg
}

// seedStore opens the store file and fills it with two live tables:
// potemplate rows for two series and pofile rows referencing them.
func seedStore(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer st.Close()

	stmts := []string{
		`CREATE TABLE potemplate (id INTEGER PRIMARY KEY, distroseries INTEGER NOT NULL, name TEXT NOT NULL)`,
		`CREATE TABLE pofile (id INTEGER PRIMARY KEY, potemplate INTEGER NOT NULL, language TEXT NOT NULL)`,
		`INSERT INTO potemplate VALUES (1, 3, 'evolution'), (2, 3, 'gedit'), (3, 7, 'nautilus')`,
		`INSERT INTO pofile VALUES (10, 1, 'de'), (11, 1, 'fr'), (12, 2, 'de'), (13, 3, 'de')`,
	}
	for _, stmt := range stmts {
		if _, err := st.Exec(ctx, stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	if err := st.SetSequence(ctx, "potemplate_id_seq", 100); err != nil {
		t.Fatalf("SetSequence() error: %v", err)
	}
	if err := st.SetSequence(ctx, "pofile_id_seq", 500); err != nil {
		t.Fatalf("SetSequence() error: %v", err)
	}
}

func count(t *testing.T, st store.Store, table string) int64 {
	t.Helper()
	n, err := st.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("CountRows(%s) error: %v", table, err)
	}
	return n
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "series.db")
	seedStore(t, dbPath)
	cfg := testConfig(t, dbPath)

	o, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer o.Close()

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer st.Close()

	// Two series-3 templates copied on top of the original three.
	if got := count(t, st, "potemplate"); got != 5 {
		t.Errorf("potemplate rows = %d, want 5", got)
	}
	// pofile rows for series-3 templates only; the row for template 3 is
	// excluded by the dependency join.
	if got := count(t, st, "pofile"); got != 7 {
		t.Errorf("pofile rows = %d, want 7", got)
	}

	// Copied templates carry reserved ids above the sequence mark.
	var above int64
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM potemplate WHERE id > 100`).Scan(&above); err != nil {
		t.Fatalf("querying copies: %v", err)
	}
	if above != 2 {
		t.Errorf("templates above sequence mark = %d, want 2", above)
	}

	// Copied pofile rows reference the new template ids.
	var mismatched int64
	if err := st.DB().QueryRow(`
		SELECT COUNT(*) FROM pofile p WHERE p.id > 500
		AND NOT EXISTS (SELECT 1 FROM potemplate t WHERE t.id = p.potemplate AND t.id > 100)
	`).Scan(&mismatched); err != nil {
		t.Fatalf("querying remapped rows: %v", err)
	}
	if mismatched != 0 {
		t.Errorf("%d copied pofile rows reference old template ids", mismatched)
	}

	// Holding tables drained and dropped.
	for _, table := range []string{"potemplate", "pofile"} {
		exists, err := st.TableExists(ctx, job.HoldingTable("hoary", table))
		if err != nil {
			t.Fatalf("TableExists error: %v", err)
		}
		if exists {
			t.Errorf("holding table for %s still present after run", table)
		}
	}

	// Run history recorded.
	run, err := o.state.GetLastRun("hoary")
	if err != nil {
		t.Fatalf("GetLastRun() error: %v", err)
	}
	if run == nil || run.Status != "success" || run.Phase != string(job.PhaseDone) {
		t.Errorf("last run = %+v, want success/done", run)
	}
	tables, err := o.state.GetRunTables(run.ID)
	if err != nil {
		t.Fatalf("GetRunTables() error: %v", err)
	}
	if len(tables) != 2 {
		t.Errorf("progress rows = %d, want 2", len(tables))
	}
}

func TestRunResumesInterruptedPour(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "series.db")
	seedStore(t, dbPath)
	cfg := testConfig(t, dbPath)

	// Stage both tables and pour only the first, leaving the state a
	// crash mid-pour would leave.
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	j, err := cfg.BuildJob()
	if err != nil {
		t.Fatalf("BuildJob() error: %v", err)
	}
	extractor := staging.New(st)
	for _, spec := range j.Tables {
		if _, _, err := extractor.Extract(ctx, j, spec); err != nil {
			t.Fatalf("Extract(%s) error: %v", spec.Name, err)
		}
	}
	pourer := pour.New(st, clock.New())
	if err := pourer.Pour(ctx, job.HoldingTable("hoary", "potemplate"), "potemplate", j.MinBatchSize, j.TimeGoal); err != nil {
		t.Fatalf("Pour(potemplate) error: %v", err)
	}
	templatesAfterPour := count(t, st, "potemplate")
	st.Close()

	o, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer o.Close()

	state, err := o.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != recovery.ReadyToPour {
		t.Fatalf("Inspect() = %s, want ready_to_pour", state)
	}

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st2, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer st2.Close()

	// The resumed run must not re-extract: template count is unchanged.
	if got := count(t, st2, "potemplate"); got != templatesAfterPour {
		t.Errorf("potemplate rows = %d, want %d (no duplicates)", got, templatesAfterPour)
	}
	if got := count(t, st2, "pofile"); got != 7 {
		t.Errorf("pofile rows = %d, want 7", got)
	}
	exists, err := st2.TableExists(ctx, job.HoldingTable("hoary", "pofile"))
	if err != nil {
		t.Fatalf("TableExists error: %v", err)
	}
	if exists {
		t.Error("pofile holding table still present after resume")
	}
}

func TestRunWipesStaleStaging(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "series.db")
	seedStore(t, dbPath)
	cfg := testConfig(t, dbPath)

	// Stage both tables but pour nothing: new_id still present on the
	// first table means the prior extraction is stale.
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	j, err := cfg.BuildJob()
	if err != nil {
		t.Fatalf("BuildJob() error: %v", err)
	}
	extractor := staging.New(st)
	for _, spec := range j.Tables {
		if _, _, err := extractor.Extract(ctx, j, spec); err != nil {
			t.Fatalf("Extract(%s) error: %v", spec.Name, err)
		}
	}
	st.Close()

	o, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer o.Close()

	state, err := o.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state != recovery.Clean {
		t.Fatalf("Inspect() = %s, want clean", state)
	}

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st2, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer st2.Close()

	// Exactly one copy of each series-3 row despite the stale staging.
	if got := count(t, st2, "potemplate"); got != 5 {
		t.Errorf("potemplate rows = %d, want 5", got)
	}
	if got := count(t, st2, "pofile"); got != 7 {
		t.Errorf("pofile rows = %d, want 7", got)
	}
}

func TestRunFailsWhenLocked(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "series.db")
	seedStore(t, dbPath)
	cfg := testConfig(t, dbPath)

	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer st.Close()
	release, err := st.AcquireJobLock(ctx, "hoary")
	if err != nil {
		t.Fatalf("AcquireJobLock() error: %v", err)
	}

	o, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer o.Close()

	if err := o.Run(ctx); !errors.Is(err, store.ErrJobLocked) {
		t.Fatalf("Run() error = %v, want ErrJobLocked", err)
	}

	release()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() after release error: %v", err)
	}
}
