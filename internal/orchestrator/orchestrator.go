// Package orchestrator drives a migration job end to end: lock, inspect,
// extract, pour, and record run history along the way.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/relstage/relstage/internal/checkpoint"
	"github.com/relstage/relstage/internal/config"
	"github.com/relstage/relstage/internal/job"
	"github.com/relstage/relstage/internal/logging"
	"github.com/relstage/relstage/internal/notify"
	"github.com/relstage/relstage/internal/pour"
	"github.com/relstage/relstage/internal/progress"
	"github.com/relstage/relstage/internal/recovery"
	"github.com/relstage/relstage/internal/staging"
	"github.com/relstage/relstage/internal/store"
)

// Orchestrator coordinates the staging and pouring of one job. It is a
// single worker: concurrent invocations for the same namespace are
// excluded by the job lock.
type Orchestrator struct {
	config   *config.Config
	store    store.Store
	state    *checkpoint.State
	notifier notify.Provider
	tracker  *progress.Tracker
	reporter progress.Reporter
	job      *job.Job
}

// New creates an orchestrator from configuration, opening the relational
// store and the run-history database.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	j, err := cfg.BuildJob()
	if err != nil {
		return nil, err
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path)
	default:
		st, err = store.NewPostgres(ctx, cfg.StoreDSN(), cfg.Store.MaxConnections)
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	state, err := checkpoint.New(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	return &Orchestrator{
		config:   cfg,
		store:    st,
		state:    state,
		notifier: notify.New(&cfg.Slack),
		tracker:  progress.New(),
		reporter: &progress.NullReporter{},
		job:      j,
	}, nil
}

// SetReporter attaches a machine-readable progress reporter.
func (o *Orchestrator) SetReporter(r progress.Reporter) {
	if r != nil {
		o.reporter = r
	}
}

// Job returns the materialized job definition.
func (o *Orchestrator) Job() *job.Job { return o.job }

// Close releases all resources.
func (o *Orchestrator) Close() {
	o.store.Close()
	o.state.Close()
	o.reporter.Close()
}

// Run executes the job. A run interrupted while pouring resumes from the
// surviving holding tables; anything else starts over from a clean slate.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID := uuid.New().String()[:8]
	startTime := time.Now()
	logging.Info("Starting migration run %s (namespace %s, %d tables)",
		runID, o.job.Namespace, len(o.job.Tables))

	release, err := o.store.AcquireJobLock(ctx, o.job.Namespace)
	if err != nil {
		return fmt.Errorf("acquiring job lock: %w", err)
	}
	defer release()

	if err := o.state.CreateRun(runID, o.job.Namespace, o.config.Sanitized()); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	o.notifier.JobStarted(runID, o.job.Namespace, len(o.job.Tables))

	rows, err := o.run(ctx, runID)
	duration := time.Since(startTime)
	if err != nil {
		o.setPhase(runID, job.PhaseFailed)
		o.state.CompleteRun(runID, "failed", err.Error())
		o.notifier.JobFailed(runID, err, duration)
		return err
	}

	o.setPhase(runID, job.PhaseDone)
	o.state.CompleteRun(runID, "success", "")
	throughput := float64(rows) / duration.Seconds()
	o.notifier.JobCompleted(runID, startTime, duration, len(o.job.Tables), rows, throughput)
	logging.Info("Run %s complete: %d rows in %s", runID, rows, duration.Round(time.Second))
	return nil
}

// run performs the extract and pour phases, returning the total rows
// poured.
func (o *Orchestrator) run(ctx context.Context, runID string) (int64, error) {
	inspector := recovery.New(o.store)
	state, err := inspector.Inspect(ctx, o.job)
	if err != nil {
		return 0, err
	}

	if state == recovery.Clean {
		if err := o.wipeHoldings(ctx); err != nil {
			return 0, err
		}
		if err := o.extract(ctx, runID); err != nil {
			return 0, err
		}
	} else {
		logging.Info("Resuming interrupted pour for namespace %s", o.job.Namespace)
	}

	return o.pourAll(ctx, runID)
}

// extract stages every table in dependency order.
func (o *Orchestrator) extract(ctx context.Context, runID string) error {
	o.setPhase(runID, job.PhaseExtracting)
	o.reporter.ReportImmediate(progress.ProgressUpdate{
		Phase:       string(job.PhaseExtracting),
		TablesTotal: len(o.job.Tables),
	})

	extractor := staging.New(o.store)
	for i, spec := range o.job.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, rows, err := extractor.Extract(ctx, o.job, spec)
		if err != nil {
			o.notifier.TableFailed(runID, spec.Name, err)
			return err
		}
		o.state.RecordTableStaged(runID, spec.Name, rows)
		o.reporter.Report(progress.ProgressUpdate{
			Phase:        string(job.PhaseExtracting),
			TablesDone:   i + 1,
			TablesTotal:  len(o.job.Tables),
			CurrentTable: spec.Name,
		})
	}
	return nil
}

// pourAll drains every surviving holding table in dependency order and
// returns the total rows poured.
func (o *Orchestrator) pourAll(ctx context.Context, runID string) (int64, error) {
	o.setPhase(runID, job.PhasePouring)

	// Size the progress bar from what is actually waiting; on resume this
	// is only the undrained remainder.
	var pending int64
	remaining := make(map[string]bool, len(o.job.Tables))
	for _, spec := range o.job.Tables {
		holding := job.HoldingTable(o.job.Namespace, spec.Name)
		exists, err := o.store.TableExists(ctx, holding)
		if err != nil {
			return 0, fmt.Errorf("checking %s: %w", holding, err)
		}
		if !exists {
			continue
		}
		n, err := o.store.CountRows(ctx, holding)
		if err != nil {
			return 0, fmt.Errorf("counting %s: %w", holding, err)
		}
		pending += n
		remaining[spec.Name] = true
	}
	o.tracker.SetTotal(pending)
	o.reporter.ReportImmediate(progress.ProgressUpdate{
		Phase:       string(job.PhasePouring),
		TablesTotal: len(o.job.Tables),
		RowsTotal:   pending,
	})

	pourer := pour.New(o.store, clock.New())
	pourer.SetTracker(o.tracker)

	var total int64
	done := 0
	for _, spec := range o.job.Tables {
		if !remaining[spec.Name] {
			done++
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		o.tracker.SetTable(spec.Name)

		holding := job.HoldingTable(o.job.Namespace, spec.Name)
		before := o.tracker.Current()
		if err := pourer.Pour(ctx, holding, spec.Name, o.job.MinBatchSize, o.job.TimeGoal); err != nil {
			o.notifier.TableFailed(runID, spec.Name, err)
			return total, err
		}
		poured := o.tracker.Current() - before
		total += poured
		done++

		o.state.RecordTablePoured(runID, spec.Name, poured)
		o.reporter.Report(progress.ProgressUpdate{
			Phase:        string(job.PhasePouring),
			TablesDone:   done,
			TablesTotal:  len(o.job.Tables),
			RowsPoured:   o.tracker.Current(),
			RowsTotal:    pending,
			ProgressPct:  pct(o.tracker.Current(), pending),
			CurrentTable: spec.Name,
		})
	}

	o.tracker.Finish()
	return total, nil
}

// wipeHoldings drops any staging tables a prior run left behind.
func (o *Orchestrator) wipeHoldings(ctx context.Context) error {
	for _, spec := range o.job.Tables {
		holding := job.HoldingTable(o.job.Namespace, spec.Name)
		if err := o.store.DropTable(ctx, holding); err != nil {
			return fmt.Errorf("wiping %s: %w", holding, err)
		}
	}
	return nil
}

// Inspect classifies the job's staging tables without running anything.
func (o *Orchestrator) Inspect(ctx context.Context) (recovery.State, error) {
	return recovery.New(o.store).Inspect(ctx, o.job)
}

func (o *Orchestrator) setPhase(runID string, phase job.Phase) {
	if err := o.state.SetPhase(runID, string(phase)); err != nil {
		logging.Warn("Failed to record phase %s for run %s: %v", phase, runID, err)
	}
}

func pct(done, total int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
