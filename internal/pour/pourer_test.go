package pour

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
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

func mustExec(t *testing.T, s *store.SQLite, query string, args ...any) {
	t.Helper()
	if _, err := s.Exec(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q error: %v", query, err)
	}
}

// seedHolding creates a live table and a holding table with n rows whose
// new ids start after base.
func seedHolding(t *testing.T, s *store.SQLite, n, base int) {
	t.Helper()
	mustExec(t, s, `CREATE TABLE msgs (id INTEGER PRIMARY KEY, body TEXT)`)
	mustExec(t, s, `CREATE TABLE msgs_holding_hoary (id INTEGER, body TEXT, new_id INTEGER)`)
	for i := 1; i <= n; i++ {
		mustExec(t, s, `INSERT INTO msgs_holding_hoary VALUES (?, ?, ?)`, i, fmt.Sprintf("row %d", i), base+i)
	}
	mustExec(t, s, `CREATE UNIQUE INDEX msgs_holding_hoary_id_idx ON msgs_holding_hoary (id)`)
}

func TestPourMovesAllRows(t *testing.T) {
	s := newTestStore(t)
	const n = 10000
	seedHolding(t, s, n, 100000)
	ctx := context.Background()

	p := New(s, clock.New())
	if err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 1000, 4*time.Second); err != nil {
		t.Fatalf("Pour() error: %v", err)
	}

	count, err := s.CountRows(ctx, "msgs")
	if err != nil {
		t.Fatalf("CountRows(msgs) error: %v", err)
	}
	if count != n {
		t.Errorf("live rows = %d, want %d", count, n)
	}

	// INTEGER PRIMARY KEY enforces uniqueness, but check ids are the new
	// ones and none appear twice.
	var distinct, minID int64
	if err := s.DB().QueryRow(`SELECT COUNT(DISTINCT id), MIN(id) FROM msgs`).Scan(&distinct, &minID); err != nil {
		t.Fatalf("checking poured ids: %v", err)
	}
	if distinct != n {
		t.Errorf("distinct ids = %d, want %d", distinct, n)
	}
	if minID != 100001 {
		t.Errorf("min poured id = %d, want 100001", minID)
	}

	if exists, _ := s.TableExists(ctx, "msgs_holding_hoary"); exists {
		t.Error("holding table not dropped after pour")
	}
}

func TestPourIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedHolding(t, s, 50, 1000)
	ctx := context.Background()

	p := New(s, clock.New())
	if err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second); err != nil {
		t.Fatalf("first Pour() error: %v", err)
	}

	// The holding table is gone; pouring again is a no-op.
	if err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second); err != nil {
		t.Fatalf("second Pour() error: %v", err)
	}

	count, _ := s.CountRows(ctx, "msgs")
	if count != 50 {
		t.Errorf("live rows after double pour = %d, want 50", count)
	}
}

func TestPourEmptyHolding(t *testing.T) {
	s := newTestStore(t)
	mustExec(t, s, `CREATE TABLE msgs (id INTEGER PRIMARY KEY)`)
	mustExec(t, s, `CREATE TABLE msgs_holding_hoary (id INTEGER, new_id INTEGER)`)
	ctx := context.Background()

	p := New(s, clock.New())
	if err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second); err != nil {
		t.Fatalf("Pour() error: %v", err)
	}
	if exists, _ := s.TableExists(ctx, "msgs_holding_hoary"); exists {
		t.Error("empty holding table not dropped")
	}
}

func TestPourResumesAfterBatchFailure(t *testing.T) {
	s := newTestStore(t)
	seedHolding(t, s, 100, 1000)
	ctx := context.Background()

	// A live row colliding with one of the new ids makes a batch fail.
	mustExec(t, s, `INSERT INTO msgs (id, body) VALUES (1050, 'squatter')`)

	p := New(s, clock.New())
	err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second)
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Pour() error = %v, want BatchError", err)
	}

	// Committed batches stay committed; the failed one rolled back.
	liveCount, _ := s.CountRows(ctx, "msgs")
	holdCount, _ := s.CountRows(ctx, "msgs_holding_hoary")
	if liveCount+holdCount != 101 {
		t.Fatalf("rows lost mid-failure: live=%d holding=%d", liveCount, holdCount)
	}

	// Clear the conflict and pour again from where it stopped.
	mustExec(t, s, `DELETE FROM msgs WHERE body = 'squatter'`)
	if err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second); err != nil {
		t.Fatalf("resumed Pour() error: %v", err)
	}

	liveCount, _ = s.CountRows(ctx, "msgs")
	if liveCount != 100 {
		t.Errorf("live rows after resume = %d, want 100", liveCount)
	}
	var distinct int64
	if err := s.DB().QueryRow(`SELECT COUNT(DISTINCT id) FROM msgs`).Scan(&distinct); err != nil {
		t.Fatalf("checking ids: %v", err)
	}
	if distinct != 100 {
		t.Errorf("distinct ids = %d, want 100 (duplicates poured)", distinct)
	}
	if exists, _ := s.TableExists(ctx, "msgs_holding_hoary"); exists {
		t.Error("holding table not dropped after resumed pour")
	}
}

func TestPourCancelledBetweenBatches(t *testing.T) {
	s := newTestStore(t)
	seedHolding(t, s, 100, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(s, clock.New())
	err := p.Pour(ctx, "msgs_holding_hoary", "msgs", 10, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Pour() error = %v, want context.Canceled", err)
	}

	// Nothing was lost: all rows are still in the holding table.
	holdCount, _ := s.CountRows(context.Background(), "msgs_holding_hoary")
	if holdCount != 100 {
		t.Errorf("holding rows after cancel = %d, want 100", holdCount)
	}
}

func TestNextBatchSize(t *testing.T) {
	goal := 4 * time.Second

	// Under goal: batch grows toward the goal-hitting size.
	next := nextBatchSize(1000, 1000, goal, 2*time.Second)
	if next <= 1000 {
		t.Errorf("under-goal batch did not grow: %f", next)
	}
	if next != 1500 {
		t.Errorf("next = %f, want 1500", next)
	}

	// Over goal: batch shrinks.
	next = nextBatchSize(4000, 1000, goal, 8*time.Second)
	if next >= 4000 {
		t.Errorf("over-goal batch did not shrink: %f", next)
	}
	if next != 3000 {
		t.Errorf("next = %f, want 3000", next)
	}

	// A near-instant batch is floored at goal/10, capping growth.
	next = nextBatchSize(1000, 1000, goal, time.Millisecond)
	if next != (1000+1000*10)/2 {
		t.Errorf("spike-floored next = %f, want 5500", next)
	}

	// Never below the minimum.
	next = nextBatchSize(1000, 1000, goal, time.Hour)
	if next != 1000 {
		t.Errorf("floored next = %f, want 1000", next)
	}
}

func TestNextBatchSizeConvergence(t *testing.T) {
	const (
		perRow = 2 * time.Millisecond
		goal   = 4 * time.Second
	)
	// At 2ms/row a 4s batch is 2000 rows.
	const ideal = 2000.0

	batch := 1000.0
	for i := 0; i < 20; i++ {
		elapsed := time.Duration(batch) * perRow
		batch = nextBatchSize(batch, 1000, goal, elapsed)
	}

	if diff := batch - ideal; diff < -ideal*0.01 || diff > ideal*0.01 {
		t.Errorf("batch after 20 iterations = %f, want within 1%% of %f", batch, ideal)
	}
}
