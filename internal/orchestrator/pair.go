package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// runPair walks one pair through its stages. Each stage transition is
// journaled exactly once. A failure at any stage leaves the pair Failed;
// the node stays cordoned so workloads do not land on hardware in an
// unknown state.
func (o *Orchestrator) runPair(ctx context.Context, run *journal.RunRecord, pair config.PairConfig) PairResult {
	id := PairID(pair)
	start := time.Now()
	log := o.log.With().Str("pair", id).Logger()
	log.Info().Msg("pair started")

	result := PairResult{ID: id, Stage: StagePending}

	advance := func(stage Stage) bool {
		if ctx.Err() != nil {
			o.recordStepDetail(run, "pair", "abort", id, journal.OutcomeError, "interrupted before "+string(stage))
			o.failPair(run, &result, result.Stage, ctx.Err())
			return false
		}
		result.Stage = stage
		run.PairStages[id] = string(stage)
		o.updateRun(run)
		return true
	}

	stages := []struct {
		stage Stage
		op    string
		fn    func(context.Context) error
	}{
		{StageDraining, "drain", func(ctx context.Context) error {
			return o.deps.Nodes.Drain(ctx, pair.Node, orDefault(pair.DrainTimeout, o.timeouts.Drain))
		}},
		{StageMigrating, "migrate-guests", func(ctx context.Context) error {
			return o.deps.Hosts.MigrateGuests(ctx, pair.Hypervisor, pair.Guests, pair.MigrateTarget, orDefault(pair.MigrateTimeout, o.timeouts.Migrate))
		}},
		{StageHostRestarting, "restart-host", func(ctx context.Context) error {
			if err := o.deps.Hosts.ShutdownHost(ctx, pair.Hypervisor, pair.RebootMode); err != nil {
				return err
			}
			// The power command only acknowledges. The host must be seen
			// leaving the cluster before waking it or validating rejoin,
			// or the old boot would pass validation.
			if err := o.deps.Hosts.WaitForHostDown(ctx, pair.Hypervisor, o.timeouts.HostShutdown); err != nil {
				return err
			}
			return o.deps.Hosts.StartupHost(ctx, pair.Hypervisor, pair.RebootMode)
		}},
		{StageValidating, "validate", func(ctx context.Context) error {
			timeout := orDefault(pair.RejoinTimeout, o.timeouts.HostRejoin)
			if err := o.deps.Hosts.ValidateRejoined(ctx, pair.Hypervisor, timeout); err != nil {
				return err
			}
			return o.waitForNodeReady(ctx, pair.Node, timeout)
		}},
		{StageUncordoning, "uncordon", func(ctx context.Context) error {
			return retry.WithExponentialBackoff(ctx, func() error {
				return o.deps.Nodes.Uncordon(ctx, pair.Node)
			}, o.uncordonOpts...)
		}},
	}

	for _, s := range stages {
		if !advance(s.stage) {
			result.Duration = time.Since(start)
			return result
		}
		if err := s.fn(ctx); err != nil {
			o.recordStep(run, "pair", s.op, id, err)
			o.failPair(run, &result, s.stage, err)
			result.Duration = time.Since(start)
			log.Error().Err(err).Str("stage", string(s.stage)).Msg("pair failed")
			return result
		}
		o.recordStep(run, "pair", s.op, id, nil)
	}

	result.Stage = StageComplete
	result.Duration = time.Since(start)
	run.PairStages[id] = string(StageComplete)
	o.updateRun(run)
	o.recordStepDetail(run, "pair", "complete", id, journal.OutcomeOK, "")
	log.Info().Dur("duration", result.Duration).Msg("pair complete")
	return result
}

func (o *Orchestrator) failPair(run *journal.RunRecord, result *PairResult, at Stage, err error) {
	result.FailedAt = at
	result.Stage = StageFailed
	result.Error = err.Error()
	run.PairStages[result.ID] = string(StageFailed)
	o.updateRun(run)
}

// waitForNodeReady polls the node's health until the kubelet reports Ready
// again after the host restart.
func (o *Orchestrator) waitForNodeReady(ctx context.Context, nodeID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		report, err := o.deps.Health.CheckNodeHealth(ctx, nodeID)
		if err == nil && report.Healthy {
			return nil
		}

		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("node %s not ready after host restart: %w", nodeID, err)
			}
			return fmt.Errorf("node %s not ready after host restart: %s", nodeID, joinReasons(report.Reasons))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
