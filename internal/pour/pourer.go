// Package pour moves rows from holding tables back into their live tables
// in adaptively-sized, time-boxed transactional batches.
package pour

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/relstage/relstage/internal/dialect"
	"github.com/relstage/relstage/internal/logging"
	"github.com/relstage/relstage/internal/staging"
	"github.com/relstage/relstage/internal/store"
)

// BatchError means one batch's insert/delete failed. Prior batches are
// committed, so pouring the same table again resumes from the remaining
// id range.
type BatchError struct {
	Table string
	Next  int64
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("pouring %s (batch from id %d): %v", e.Table, e.Next, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Tracker receives per-batch row counts.
type Tracker interface {
	Add(n int64)
}

// Pourer drains holding tables into live tables.
type Pourer struct {
	store   store.Store
	clock   clock.Clock
	tracker Tracker // optional
}

// New creates a pourer. clk measures batch duration for the adaptive loop.
func New(st store.Store, clk clock.Clock) *Pourer {
	return &Pourer{store: st, clock: clk}
}

// SetTracker attaches a progress tracker.
func (p *Pourer) SetTracker(t Tracker) { p.tracker = t }

// Pour moves all remaining rows from holding into live, dropping holding
// once empty. Each batch commits independently; work is resumable from any
// commit boundary, and pouring an already-drained (or already-dropped)
// table is a no-op.
func (p *Pourer) Pour(ctx context.Context, holding, live string, minBatch int64, timeGoal time.Duration) error {
	exists, err := p.store.TableExists(ctx, holding)
	if err != nil {
		return fmt.Errorf("checking holding table %s: %w", holding, err)
	}
	if !exists {
		logging.Debug("Holding table %s already gone, nothing to pour", holding)
		return nil
	}

	if err := p.consumeNewIDs(ctx, holding); err != nil {
		return err
	}

	d := p.store.Dialect()
	cols, err := p.store.Columns(ctx, holding)
	if err != nil {
		return fmt.Errorf("listing columns of %s: %w", holding, err)
	}
	colList := dialect.ColumnList(d, cols)

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s >= %s",
		d.QuoteIdent(live), colList, colList, d.QuoteIdent(holding), d.QuoteIdent("id"), d.Placeholder(1))
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s >= %s",
		d.QuoteIdent(holding), d.QuoteIdent("id"), d.Placeholder(1))

	low, high, ok, err := p.store.MinMaxID(ctx, holding)
	if err != nil {
		return fmt.Errorf("reading id range of %s: %w", holding, err)
	}

	// Batches run from the high end of the range downward, so the index's
	// low end is not repeatedly re-scanned as rows disappear.
	batch := float64(minBatch)
	for ok && low <= high {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := high - int64(batch)

		start := p.clock.Now()
		var moved int64
		err := p.store.InTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			inserted, err := tx.Exec(ctx, insertSQL, next)
			if err != nil {
				return err
			}
			deleted, err := tx.Exec(ctx, deleteSQL, next)
			if err != nil {
				return err
			}
			if inserted != deleted {
				return fmt.Errorf("moved %d rows but deleted %d", inserted, deleted)
			}
			moved = inserted
			return nil
		})
		if err != nil {
			return &BatchError{Table: live, Next: next, Err: err}
		}
		elapsed := p.clock.Now().Sub(start)

		batch = nextBatchSize(batch, minBatch, timeGoal, elapsed)
		if p.tracker != nil {
			p.tracker.Add(moved)
		}
		logging.Debug("Poured %s: %d rows in %s, next batch size %d", live, moved, elapsed, int64(batch))

		high = next
	}

	if err := p.store.DropTable(ctx, holding); err != nil {
		return fmt.Errorf("dropping drained holding table %s: %w", holding, err)
	}
	logging.Info("Poured %s, holding table dropped", live)
	return nil
}

// consumeNewIDs rewrites id = new_id and drops the new_id column. Both
// steps are safe to re-run after an interruption.
func (p *Pourer) consumeNewIDs(ctx context.Context, holding string) error {
	has, err := p.store.ColumnExists(ctx, holding, staging.NewIDColumn)
	if err != nil {
		return fmt.Errorf("checking %s column on %s: %w", staging.NewIDColumn, holding, err)
	}
	if !has {
		return nil
	}

	d := p.store.Dialect()
	rewrite := fmt.Sprintf("UPDATE %s SET %s = %s",
		d.QuoteIdent(holding), d.QuoteIdent("id"), d.QuoteIdent(staging.NewIDColumn))
	if _, err := p.store.Exec(ctx, rewrite); err != nil {
		return fmt.Errorf("rewriting ids on %s: %w", holding, err)
	}
	if err := p.store.DropColumn(ctx, holding, staging.NewIDColumn); err != nil {
		return fmt.Errorf("dropping %s column on %s: %w", staging.NewIDColumn, holding, err)
	}
	return nil
}

// nextBatchSize nudges the batch size halfway toward the size that would
// have hit the time goal at the observed throughput. The elapsed time is
// floored at a tenth of the goal so one spiky batch cannot collapse the
// size, and the result never drops below minBatch.
func nextBatchSize(batch float64, minBatch int64, timeGoal, elapsed time.Duration) float64 {
	t := elapsed.Seconds()
	if floor := timeGoal.Seconds() / 10; t < floor {
		t = floor
	}
	next := (batch + batch*timeGoal.Seconds()/t) / 2
	if next < float64(minBatch) {
		next = float64(minBatch)
	}
	return next
}
