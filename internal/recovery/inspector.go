// Package recovery classifies the staging tables left behind by a
// possibly-interrupted prior run.
package recovery

import (
	"context"
	"fmt"

	"github.com/relstage/relstage/internal/job"
	"github.com/relstage/relstage/internal/logging"
	"github.com/relstage/relstage/internal/staging"
	"github.com/relstage/relstage/internal/store"
)

// State is the recoverable state of a job's staging tables.
type State int

const (
	// Clean means there is nothing to resume: either no staging tables
	// exist, or what exists is stale and must be wiped before
	// re-extraction.
	Clean State = iota

	// ReadyToPour means extraction completed in a prior run and pouring
	// should resume at the first table whose holding table still exists.
	ReadyToPour
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case ReadyToPour:
		return "ready_to_pour"
	default:
		return "unknown"
	}
}

// Inspector examines staging tables.
type Inspector struct {
	store store.Store
}

// New creates an inspector.
func New(st store.Store) *Inspector {
	return &Inspector{store: st}
}

// Inspect classifies a job's staging tables using a two-point check: only
// the first and last tables in dependency order are examined, not exact
// per-table state. A genuinely-partial extraction can therefore be
// misclassified as stale and redone; patterns the heuristic cannot tell
// apart resolve to Clean (wipe and redo) by default.
func (i *Inspector) Inspect(ctx context.Context, j *job.Job) (State, error) {
	last := job.HoldingTable(j.Namespace, j.Last().Name)
	exists, err := i.store.TableExists(ctx, last)
	if err != nil {
		return Clean, fmt.Errorf("inspecting %s: %w", last, err)
	}
	if !exists {
		logging.Debug("Recovery: no holding table for %s, starting clean", j.Last().Name)
		return Clean, nil
	}

	// The last table was staged, so extraction reached the end of the
	// sequence. If the first table still carries new_id, extraction never
	// finished consuming ids and the data is stale.
	first := job.HoldingTable(j.Namespace, j.First().Name)
	hasNewID, err := i.store.ColumnExists(ctx, first, staging.NewIDColumn)
	if err != nil {
		return Clean, fmt.Errorf("inspecting %s: %w", first, err)
	}
	if hasNewID {
		logging.Info("Recovery: previous run left stale staging tables for %s, wiping", j.Namespace)
		return Clean, nil
	}

	logging.Info("Recovery: previous run of %s was interrupted while pouring, resuming", j.Namespace)
	return ReadyToPour, nil
}
