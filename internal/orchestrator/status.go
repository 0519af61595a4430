package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relstage/relstage/internal/config"
)

// RunSummary is the machine-readable result of a run.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	Namespace   string         `json:"namespace"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Tables      []TableSummary `json:"tables,omitempty"`
}

// TableSummary is one table's progress within a run.
type TableSummary struct {
	Name       string `json:"name"`
	RowsStaged int64  `json:"rows_staged"`
	RowsPoured int64  `json:"rows_poured"`
}

// LastRunSummary builds a RunSummary from the most recent run of the
// job's namespace.
func (o *Orchestrator) LastRunSummary() (*RunSummary, error) {
	run, err := o.state.GetLastRun(o.job.Namespace)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("no runs recorded for namespace %s", o.job.Namespace)
	}

	summary := &RunSummary{
		RunID:       run.ID,
		Namespace:   run.Namespace,
		Status:      run.Status,
		Phase:       run.Phase,
		Error:       run.ErrorMessage,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	tables, err := o.state.GetRunTables(run.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		summary.Tables = append(summary.Tables, TableSummary{
			Name:       t.TableName,
			RowsStaged: t.RowsStaged,
			RowsPoured: t.RowsPoured,
		})
	}
	return summary, nil
}

// ShowStatus displays the state of the namespace: the last recorded run
// plus what the staging tables themselves say about resumability.
func (o *Orchestrator) ShowStatus(ctx context.Context) error {
	run, err := o.state.GetLastRun(o.job.Namespace)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Printf("Namespace %s has never run\n", o.job.Namespace)
		return nil
	}

	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Namespace: %s\n", run.Namespace)
	fmt.Printf("Status:    %s (%s)\n", run.Status, run.Phase)
	fmt.Printf("Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", run.ErrorMessage)
	}

	tables, err := o.state.GetRunTables(run.ID)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		fmt.Println()
		fmt.Printf("%-20s %12s %12s\n", "Table", "Staged", "Poured")
		for _, t := range tables {
			fmt.Printf("%-20s %12d %12d\n", t.TableName, t.RowsStaged, t.RowsPoured)
		}
	}

	// The staging tables are authoritative for resumability.
	state, err := o.Inspect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nStaging state: %s\n", state)
	return nil
}

// ShowHistory displays recent runs across all namespaces.
func (o *Orchestrator) ShowHistory(limit int) error {
	runs, err := o.state.GetAllRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-10s %-15s %-20s %-20s %-10s\n", "ID", "Namespace", "Started", "Completed", "Status")
	fmt.Println("------------------------------------------------------------------------------")
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10s %-15s %-20s %-20s %-10s\n",
			r.ID, r.Namespace, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status)
		if r.ErrorMessage != "" {
			fmt.Printf("           Error: %s\n", r.ErrorMessage)
		}
	}
	return nil
}

// ShowRunDetails displays one run including its recorded configuration.
func (o *Orchestrator) ShowRunDetails(runID string) error {
	r, err := o.state.GetRun(runID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Printf("Run ID:    %s\n", r.ID)
	fmt.Printf("Namespace: %s\n", r.Namespace)
	fmt.Printf("Status:    %s (%s)\n", r.Status, r.Phase)
	fmt.Printf("Started:   %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", r.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Duration:  %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", r.ErrorMessage)
	}
	if r.Config != "" {
		fmt.Println("\nConfiguration:")
		var cfg config.Config
		if err := json.Unmarshal([]byte(r.Config), &cfg); err == nil {
			pretty, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(pretty))
		} else {
			fmt.Println(r.Config)
		}
	}
	return nil
}
