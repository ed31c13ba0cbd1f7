// Package orchestrator sequences a maintenance run: pre-flight validation,
// opening the maintenance window, upgrading each pair in order, and always
// closing the window on the way out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rollmaint/rollmaint/internal/alerting"
	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/safety"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// Deps bundles the components the orchestrator drives.
type Deps struct {
	Health  HealthValidator
	Alerts  AlertSilencer
	Safety  StorageSafety
	Nodes   NodeLifecycle
	Hosts   HypervisorLifecycle
	Journal Journal
}

// Orchestrator runs the maintenance sequence for one cluster.
type Orchestrator struct {
	cfg      *config.Config
	timeouts config.Timeouts
	deps     Deps
	log      zerolog.Logger

	// pollInterval paces the node health polling in the Validating stage.
	pollInterval time.Duration
	uncordonOpts []retry.Option

	// resumeRun pins resumption to a specific run instead of the latest
	// unfinished one.
	resumeRun string
}

// SetResumeRun resumes from the named run's journal instead of the latest
// unfinished run for the cluster.
func (o *Orchestrator) SetResumeRun(runID string) {
	o.resumeRun = runID
}

// New creates an orchestrator.
func New(cfg *config.Config, timeouts config.Timeouts, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		timeouts:     timeouts,
		deps:         deps,
		log:          logging.WithComponent("orchestrator"),
		pollInterval: 10 * time.Second,
		uncordonOpts: []retry.Option{
			retry.WithMaxRetries(timeouts.RetryAttempts),
			retry.WithInitialDelay(timeouts.RetryDelay),
		},
	}
}

// Run executes one maintenance run. Interrupting ctx aborts the run at the
// next stage boundary; cleanup still runs to completion. The report is
// non-nil whenever a run record was created, including on error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	log := o.log.With().Str("run_id", runID).Logger()

	if err := o.deps.Journal.AcquireLock(o.cfg.ClusterName, runID); err != nil {
		if errors.Is(err, journal.ErrLocked) {
			return nil, fmt.Errorf("another run is in progress for cluster %s: %w", o.cfg.ClusterName, err)
		}
		return nil, err
	}
	defer func() {
		if err := o.deps.Journal.ReleaseLock(o.cfg.ClusterName); err != nil {
			log.Error().Err(err).Msg("failed to release run lock")
		}
	}()

	// Read the resumption snapshot under the lock so a concurrent run
	// cannot change the journal between the read and this run's start.
	completed, err := o.completedPairs()
	if err != nil {
		return nil, err
	}
	if len(completed) > 0 {
		log.Info().Int("pairs", len(completed)).Msg("resuming: pairs completed by a previous run will be skipped")
	}

	run := &journal.RunRecord{
		ID:         runID,
		Cluster:    o.cfg.ClusterName,
		StartedAt:  time.Now(),
		Outcome:    journal.RunRunning,
		PairStages: make(map[string]string, len(o.cfg.Pairs)),
	}
	for _, pair := range o.cfg.Pairs {
		run.PairStages[PairID(pair)] = string(StagePending)
	}
	if err := o.deps.Journal.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	report := &Report{RunID: runID, Cluster: o.cfg.ClusterName, StartedAt: run.StartedAt}

	if ok := o.preflight(ctx, run, report); !ok {
		return o.finalize(run, report, journal.RunAborted), nil
	}

	// Open the maintenance window. The silence duration doubles as a
	// dead-man's switch: backends lift it on their own if this process
	// dies before cleanup.
	handle, silenceErr := o.deps.Alerts.Silence(ctx, o.cfg.Window.Duration)
	o.recordStep(run, "alerting", "silence", "", silenceErr)

	var token *safety.Token
	entered := false
	aborted := silenceErr != nil
	if !aborted {
		var enterErr error
		token, enterErr = o.deps.Safety.EnterMaintenance(ctx)
		o.recordStep(run, "safety", "enter-maintenance", "", enterErr)
		entered = true
		aborted = enterErr != nil
	}

	anyFailed := false
	if !aborted {
		aborted, anyFailed = o.runPairs(ctx, run, report, completed)
	}

	// Cleanup always runs, detached from the abort signal.
	o.cleanup(context.WithoutCancel(ctx), run, report, handle, token, entered)

	outcome := journal.RunSucceeded
	switch {
	case aborted:
		outcome = journal.RunAborted
	case anyFailed:
		outcome = journal.RunPartial
	case len(report.CleanupErrors) > 0:
		outcome = journal.RunFailed
	}
	return o.finalize(run, report, outcome), nil
}

// preflight validates the whole cluster before anything mutates. Both a
// degraded cluster and an unreachable backend abort the run.
func (o *Orchestrator) preflight(ctx context.Context, run *journal.RunRecord, report *Report) bool {
	healthReport, err := o.deps.Health.CheckClusterHealth(ctx)
	if err != nil {
		o.recordStep(run, "health", "preflight", "", err)
		report.PreflightReasons = []string{err.Error()}
		return false
	}
	if !healthReport.Healthy {
		o.recordStepDetail(run, "health", "preflight", "", journal.OutcomeError, joinReasons(healthReport.Reasons))
		report.PreflightReasons = healthReport.Reasons
		return false
	}
	o.recordStep(run, "health", "preflight", "", nil)
	return true
}

// runPairs processes every pair in config order. Returns whether the run
// aborted and whether any pair failed under the continue policy.
func (o *Orchestrator) runPairs(ctx context.Context, run *journal.RunRecord, report *Report, completed map[string]bool) (aborted, anyFailed bool) {
	for _, pair := range o.cfg.Pairs {
		id := PairID(pair)

		if completed[id] {
			run.PairStages[id] = string(StageComplete)
			o.updateRun(run)
			o.recordStepDetail(run, "pair", "skip", id, journal.OutcomeOK, "completed by a previous run")
			report.Pairs = append(report.Pairs, PairResult{ID: id, Stage: StageComplete, Skipped: true})
			continue
		}

		if ctx.Err() != nil {
			o.recordStepDetail(run, "orchestrator", "abort", "", journal.OutcomeError, "interrupted before pair "+id)
			return true, anyFailed
		}

		result := o.runPair(ctx, run, pair)
		report.Pairs = append(report.Pairs, result)

		if result.Error == "" {
			continue
		}
		if ctx.Err() != nil {
			return true, anyFailed
		}
		if o.cfg.Policy == config.PolicyAbortOnPairFailure {
			o.recordStepDetail(run, "orchestrator", "abort", id, journal.OutcomeError, "pair failed, aborting remaining pairs")
			return true, anyFailed
		}
		anyFailed = true
	}
	return false, anyFailed
}

// cleanup closes the maintenance window: flags first, then alert routing,
// each attempted regardless of the other. ExitMaintenance is called exactly
// once per run, and only when EnterMaintenance was reached.
func (o *Orchestrator) cleanup(ctx context.Context, run *journal.RunRecord, report *Report, handle *alerting.Handle, token *safety.Token, entered bool) {
	if entered {
		err := o.deps.Safety.ExitMaintenance(ctx, token)
		o.recordStep(run, "safety", "exit-maintenance", "", err)
		if err != nil {
			report.CleanupErrors = append(report.CleanupErrors, err.Error())
		}
	}

	if handle != nil {
		err := o.deps.Alerts.Restore(ctx, handle)
		o.recordStep(run, "alerting", "restore", "", err)
		if err != nil {
			report.CleanupErrors = append(report.CleanupErrors, err.Error())
		}
	}
}

// completedPairs returns the pairs the latest unfinished run already
// completed, so a resumed run skips them.
func (o *Orchestrator) completedPairs() (map[string]bool, error) {
	var latest *journal.RunRecord
	var err error
	if o.resumeRun != "" {
		latest, err = o.deps.Journal.GetRun(o.resumeRun)
		if err == nil && latest == nil {
			err = fmt.Errorf("run %s not found in journal", o.resumeRun)
		}
	} else {
		latest, err = o.deps.Journal.LatestRun(o.cfg.ClusterName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read previous run: %w", err)
	}
	completed := make(map[string]bool)
	if latest == nil || latest.Outcome == journal.RunSucceeded {
		return completed, nil
	}
	for id, stage := range latest.PairStages {
		if stage == string(StageComplete) {
			completed[id] = true
		}
	}
	return completed, nil
}

func (o *Orchestrator) finalize(run *journal.RunRecord, report *Report, outcome string) *Report {
	now := time.Now()
	run.Outcome = outcome
	run.CompletedAt = &now
	o.updateRun(run)

	report.Outcome = outcome
	report.FinishedAt = now
	o.log.Info().Str("run_id", run.ID).Str("outcome", outcome).Msg("run finished")
	return report
}

func (o *Orchestrator) updateRun(run *journal.RunRecord) {
	if err := o.deps.Journal.UpdateRun(run); err != nil {
		o.log.Error().Err(err).Msg("failed to persist run record")
	}
}

func (o *Orchestrator) recordStep(run *journal.RunRecord, component, operation, pair string, err error) {
	if err != nil {
		o.recordStepDetail(run, component, operation, pair, journal.OutcomeError, err.Error())
		return
	}
	o.recordStepDetail(run, component, operation, pair, journal.OutcomeOK, "")
}

func (o *Orchestrator) recordStepDetail(run *journal.RunRecord, component, operation, pair, outcome, detail string) {
	step := journal.StepRecord{
		Component: component,
		Operation: operation,
		Pair:      pair,
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := o.deps.Journal.AppendStep(run.ID, step); err != nil {
		o.log.Error().Err(err).Str("operation", operation).Msg("failed to journal step")
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
