package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relstage/relstage/internal/config"
	"github.com/relstage/relstage/internal/exitcodes"
	"github.com/relstage/relstage/internal/logging"
	"github.com/relstage/relstage/internal/orchestrator"
	"github.com/relstage/relstage/internal/progress"
	"github.com/relstage/relstage/internal/tui"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "relstage",
		Usage:   "Staged bulk relation copying with crash-safe resume",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return startMonitor(c)
			}
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the migration job (resumes an interrupted pour automatically)",
				Action: runJob,
			},
			{
				Name:   "inspect",
				Usage:  "Classify the job's staging tables without running anything",
				Action: inspectJob,
			},
			{
				Name:   "status",
				Usage:  "Show the last run for the configured namespace",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:  "history",
				Usage: "List recent runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "monitor",
				Usage:  "Watch the configured namespace in a live terminal UI",
				Action: startMonitor,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}
	return config.Load(configPath)
}

func newOrchestrator(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return orchestrator.New(c.Context, cfg)
}

func runJob(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("output-json") {
		orch.SetReporter(progress.NewJSONReporter(os.Stderr, 2*time.Second))
	}

	// Graceful shutdown: committed batches survive, the rest resumes on
	// the next run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Committed batches are kept; run again to resume.")
		cancel()
	}()

	runErr := orch.Run(ctx)

	if c.Bool("output-json") || c.String("output-file") != "" {
		summary, err := orch.LastRunSummary()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to get run result: %v\n", err)
		} else if err := outputJSON(c, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	return runErr
}

func inspectJob(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	state, err := orch.Inspect(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Namespace %s: %s\n", orch.Job().Namespace, state)
	return nil
}

func showStatus(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		summary, err := orch.LastRunSummary()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowStatus(c.Context)
}

func showHistory(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(runID)
	}
	return orch.ShowHistory(c.Int("limit"))
}

func startMonitor(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return tui.Start(cfg.DataDir, cfg.Job.Namespace)
}

// outputJSON writes the run summary as JSON to stdout and/or a file.
func outputJSON(c *cli.Context, summary *orchestrator.RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
	}

	return nil
}
