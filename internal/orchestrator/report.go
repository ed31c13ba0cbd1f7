package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/rollmaint/rollmaint/internal/journal"
)

// Exit codes of the run command.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitAborted = 2
	ExitPartial = 3
)

// PairResult is the final state of one pair in a run.
type PairResult struct {
	ID       string        `json:"id"`
	Stage    Stage         `json:"stage"`
	FailedAt Stage         `json:"failed_at,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the end-of-run summary: what each pair reached, how the
// maintenance window was handled, and what was left behind.
type Report struct {
	RunID      string       `json:"run_id"`
	Cluster    string       `json:"cluster"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Outcome    string       `json:"outcome"`
	Pairs      []PairResult `json:"pairs"`

	// PreflightReasons holds the degradation reasons when pre-flight
	// validation aborted the run.
	PreflightReasons []string `json:"preflight_reasons,omitempty"`

	// CleanupErrors lists flags or silences that could not be restored and
	// need operator attention.
	CleanupErrors []string `json:"cleanup_errors,omitempty"`
}

// ExitCode maps the run outcome to the process exit code.
func (r *Report) ExitCode() int {
	switch r.Outcome {
	case journal.RunSucceeded:
		return ExitSuccess
	case journal.RunAborted:
		return ExitAborted
	case journal.RunPartial:
		return ExitPartial
	default:
		return ExitFailure
	}
}

// Render formats the report for terminal output.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s on cluster %s: %s\n", r.RunID, r.Cluster, r.Outcome)
	fmt.Fprintf(&b, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))

	if len(r.PreflightReasons) > 0 {
		b.WriteString("Pre-flight validation failed:\n")
		for _, reason := range r.PreflightReasons {
			fmt.Fprintf(&b, "  - %s\n", reason)
		}
	}

	if len(r.Pairs) > 0 {
		b.WriteString("Pairs:\n")
		for _, pair := range r.Pairs {
			switch {
			case pair.Skipped:
				fmt.Fprintf(&b, "  %-30s %s (from previous run)\n", pair.ID, pair.Stage)
			case pair.Error != "":
				fmt.Fprintf(&b, "  %-30s %s at %s: %s\n", pair.ID, pair.Stage, pair.FailedAt, pair.Error)
			default:
				fmt.Fprintf(&b, "  %-30s %s (%s)\n", pair.ID, pair.Stage, pair.Duration.Round(time.Second))
			}
		}
	}

	if len(r.CleanupErrors) > 0 {
		b.WriteString("Cleanup errors (manual intervention needed):\n")
		for _, e := range r.CleanupErrors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}

	return b.String()
}
