package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/orchestrator"
)

// StatusOptions carries the status command's flags.
type StatusOptions struct {
	// Steps includes the step-by-step journal in the output.
	Steps bool
	// JSON emits the run record as JSON instead of text.
	JSON bool
}

// journalReader is the journal surface the status command needs.
type journalReader interface {
	LatestRun(cluster string) (*journal.RunRecord, error)
	Steps(runID string) ([]journal.StepRecord, error)
	Close() error
}

// openJournal opens the journal store. Replaced in tests.
var openJournal = func(cfg *config.Config) (journalReader, error) {
	return journal.Open(cfg.JournalPath)
}

// Status prints the latest run recorded in the journal for the configured
// cluster.
func Status(_ context.Context, configPath string, opts StatusOptions) error {
	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}

	store, err := openJournal(cfg)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	defer store.Close()

	run, err := store.LatestRun(cfg.ClusterName)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	if run == nil {
		if opts.JSON {
			fmt.Println("null")
			return nil
		}
		fmt.Printf("No runs recorded for cluster %s\n", cfg.ClusterName)
		return nil
	}

	if opts.JSON {
		return printStatusJSON(store, run, opts.Steps)
	}

	fmt.Printf("Run %s on cluster %s: %s\n", run.ID, run.Cluster, run.Outcome)
	fmt.Printf("Started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	pairs := make([]string, 0, len(run.PairStages))
	for id := range run.PairStages {
		pairs = append(pairs, id)
	}
	sort.Strings(pairs)
	fmt.Println("Pairs:")
	for _, id := range pairs {
		fmt.Printf("  %-30s %s\n", id, run.PairStages[id])
	}

	if !opts.Steps {
		return nil
	}

	steps, err := store.Steps(run.ID)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	fmt.Println("Steps:")
	for _, step := range steps {
		line := fmt.Sprintf("  %s %-12s %-18s %s", step.Time.Format("15:04:05"), step.Component, step.Operation, step.Outcome)
		if step.Pair != "" {
			line += " [" + step.Pair + "]"
		}
		if step.Detail != "" {
			line += " " + step.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func printStatusJSON(store journalReader, run *journal.RunRecord, withSteps bool) error {
	out := struct {
		Run   *journal.RunRecord   `json:"run"`
		Steps []journal.StepRecord `json:"steps,omitempty"`
	}{Run: run}

	if withSteps {
		steps, err := store.Steps(run.ID)
		if err != nil {
			return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
		}
		out.Steps = steps
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	return nil
}
