package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollmaint/rollmaint/internal/alerting"
	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/health"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/safety"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// eventLog records the order of component calls across all fakes so tests
// can assert sequencing.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.all() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeHealth struct {
	log           *eventLog
	clusterErr    error
	reasons       []string
	nodeUnhealthy map[string]bool
}

func (f *fakeHealth) CheckClusterHealth(context.Context) (*health.Report, error) {
	f.log.add("preflight")
	if f.clusterErr != nil {
		return nil, f.clusterErr
	}
	return &health.Report{Healthy: len(f.reasons) == 0, Reasons: f.reasons}, nil
}

func (f *fakeHealth) CheckNodeHealth(_ context.Context, nodeID string) (*health.Report, error) {
	if f.nodeUnhealthy[nodeID] {
		return &health.Report{Healthy: false, Reasons: []string{"node " + nodeID + " not ready: KubeletDown"}}, nil
	}
	return &health.Report{Healthy: true}, nil
}

type fakeAlerts struct {
	log        *eventLog
	silenceErr error
}

func (f *fakeAlerts) Silence(_ context.Context, d time.Duration) (*alerting.Handle, error) {
	f.log.add("silence")
	if f.silenceErr != nil {
		return &alerting.Handle{}, f.silenceErr
	}
	return &alerting.Handle{Expiry: time.Now().Add(d), Backends: []string{"alertmanager"}}, nil
}

func (f *fakeAlerts) Restore(context.Context, *alerting.Handle) error {
	f.log.add("restore")
	return nil
}

type fakeSafety struct {
	log      *eventLog
	enterErr error
	exitErr  error
}

func (f *fakeSafety) EnterMaintenance(context.Context) (*safety.Token, error) {
	f.log.add("enter-maintenance")
	if f.enterErr != nil {
		return &safety.Token{}, f.enterErr
	}
	return &safety.Token{CephFlag: "noout"}, nil
}

func (f *fakeSafety) ExitMaintenance(context.Context, *safety.Token) error {
	f.log.add("exit-maintenance")
	return f.exitErr
}

type fakeNodes struct {
	log      *eventLog
	mu       sync.Mutex
	cordoned map[string]bool
	drainErr map[string]error
}

func newFakeNodes(log *eventLog) *fakeNodes {
	return &fakeNodes{log: log, cordoned: map[string]bool{}, drainErr: map[string]error{}}
}

func (f *fakeNodes) Drain(_ context.Context, nodeID string, _ time.Duration) error {
	f.mu.Lock()
	f.cordoned[nodeID] = true
	err := f.drainErr[nodeID]
	f.mu.Unlock()
	f.log.add("drain %s", nodeID)
	return err
}

func (f *fakeNodes) Uncordon(_ context.Context, nodeID string) error {
	f.mu.Lock()
	f.cordoned[nodeID] = false
	f.mu.Unlock()
	f.log.add("uncordon %s", nodeID)
	return nil
}

type fakeHosts struct {
	log          *eventLog
	migrateErr   map[string]error
	downErr      map[string]error
	rejoinErr    map[string]error
	afterMigrate func()
}

func newFakeHosts(log *eventLog) *fakeHosts {
	return &fakeHosts{log: log, migrateErr: map[string]error{}, downErr: map[string]error{}, rejoinErr: map[string]error{}}
}

func (f *fakeHosts) MigrateGuests(_ context.Context, host string, _ []int, _ string, _ time.Duration) error {
	f.log.add("migrate %s", host)
	if f.afterMigrate != nil {
		f.afterMigrate()
	}
	return f.migrateErr[host]
}

func (f *fakeHosts) ShutdownHost(_ context.Context, host, _ string) error {
	f.log.add("shutdown %s", host)
	return nil
}

func (f *fakeHosts) WaitForHostDown(_ context.Context, host string, _ time.Duration) error {
	f.log.add("host-down %s", host)
	return f.downErr[host]
}

func (f *fakeHosts) StartupHost(_ context.Context, host, _ string) error {
	f.log.add("startup %s", host)
	return nil
}

func (f *fakeHosts) ValidateRejoined(_ context.Context, host string, _ time.Duration) error {
	f.log.add("rejoin %s", host)
	return f.rejoinErr[host]
}

type fixture struct {
	log    *eventLog
	health *fakeHealth
	alerts *fakeAlerts
	safety *fakeSafety
	nodes  *fakeNodes
	hosts  *fakeHosts
	store  *journal.Store
	orch   *Orchestrator
}

func testConfig() *config.Config {
	return &config.Config{
		ClusterName: "homelab",
		Policy:      config.PolicyAbortOnPairFailure,
		Window:      config.WindowConfig{Duration: 2 * time.Hour},
		Pairs: []config.PairConfig{
			{Hypervisor: "pve1", Node: "k8s-1", Guests: []int{101}, MigrateTarget: "pve2", RebootMode: config.RebootModeReboot},
			{Hypervisor: "pve2", Node: "k8s-2", Guests: []int{102}, MigrateTarget: "pve1", RebootMode: config.RebootModeReboot},
			{Hypervisor: "pve3", Node: "k8s-3", RebootMode: config.RebootModeShutdown},
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := &eventLog{}
	f := &fixture{
		log:    log,
		health: &fakeHealth{log: log, nodeUnhealthy: map[string]bool{}},
		alerts: &fakeAlerts{log: log},
		safety: &fakeSafety{log: log},
		nodes:  newFakeNodes(log),
		hosts:  newFakeHosts(log),
		store:  store,
	}

	f.orch = New(cfg, *config.LoadTimeouts(), Deps{
		Health:  f.health,
		Alerts:  f.alerts,
		Safety:  f.safety,
		Nodes:   f.nodes,
		Hosts:   f.hosts,
		Journal: store,
	})
	f.orch.pollInterval = time.Millisecond
	f.orch.uncordonOpts = []retry.Option{
		retry.WithMaxRetries(1),
		retry.WithInitialDelay(time.Millisecond),
	}
	return f
}

func TestNew_RetryDefaultsComeFromTimeouts(t *testing.T) {
	timeouts := *config.LoadTimeouts()
	timeouts.RetryAttempts = 7
	timeouts.RetryDelay = 123 * time.Millisecond

	o := New(testConfig(), timeouts, Deps{})

	cfg := &retry.Config{}
	for _, opt := range o.uncordonOpts {
		opt(cfg)
	}
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 123*time.Millisecond, cfg.InitialDelay)
}

func TestRun_HappyPath(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunSucceeded, report.Outcome)
	assert.Equal(t, ExitSuccess, report.ExitCode())
	require.Len(t, report.Pairs, 3)
	for _, pair := range report.Pairs {
		assert.Equal(t, StageComplete, pair.Stage)
	}

	// Pairs run in config order, bracketed by window open and close.
	events := f.log.all()
	assert.Equal(t, "preflight", events[0])
	assert.Equal(t, "silence", events[1])
	assert.Equal(t, "enter-maintenance", events[2])
	assert.Equal(t, "drain k8s-1", events[3])

	idx := func(event string) int {
		for i, e := range events {
			if e == event {
				return i
			}
		}
		t.Fatalf("event %q not found in %v", event, events)
		return -1
	}
	// A host is only woken and validated after it was seen going down.
	assert.Less(t, idx("shutdown pve1"), idx("host-down pve1"))
	assert.Less(t, idx("host-down pve1"), idx("startup pve1"))
	assert.Less(t, idx("startup pve1"), idx("rejoin pve1"))

	assert.Less(t, idx("uncordon k8s-1"), idx("drain k8s-2"))
	assert.Less(t, idx("uncordon k8s-2"), idx("drain k8s-3"))
	assert.Less(t, idx("uncordon k8s-3"), idx("exit-maintenance"))
	assert.Less(t, idx("exit-maintenance"), idx("restore"))

	assert.Equal(t, 1, f.log.count("exit-maintenance"))
	assert.Equal(t, 1, f.log.count("restore"))
}

func TestRun_PersistsRunRecord(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	run, err := f.store.GetRun(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, journal.RunSucceeded, run.Outcome)
	assert.NotNil(t, run.CompletedAt)
	for _, stage := range run.PairStages {
		assert.Equal(t, string(StageComplete), stage)
	}

	steps, err := f.store.Steps(report.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, steps)
}

func TestRun_PreflightUnhealthyAborts(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.health.reasons = []string{"ceph reports HEALTH_WARN"}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, ExitAborted, report.ExitCode())
	assert.Equal(t, []string{"ceph reports HEALTH_WARN"}, report.PreflightReasons)

	// Nothing was mutated.
	assert.Equal(t, 0, f.log.count("silence"))
	assert.Equal(t, 0, f.log.count("drain k8s-1"))
}

func TestRun_PreflightUnreachableAborts(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.health.clusterErr = &health.UnreachableError{Backend: "proxmox", Err: errors.New("connection refused")}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, 0, f.log.count("silence"))
}

func TestRun_SilenceFailureAbortsBeforeMaintenance(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.alerts.silenceErr = &alerting.PartialFailure{Op: "silence", Failed: []string{"uptime-kuma"}}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, 0, f.log.count("enter-maintenance"))
	assert.Equal(t, 0, f.log.count("drain k8s-1"))
	// Restore still runs against the backends that were silenced.
	assert.Equal(t, 1, f.log.count("restore"))
}

func TestRun_MaintenanceConfirmationFailureAborts(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.safety.enterErr = &safety.ConfirmationFailure{Flag: "noout", Want: true}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, 0, f.log.count("drain k8s-1"))
	// Exit is still attempted with the partial token.
	assert.Equal(t, 1, f.log.count("exit-maintenance"))
	assert.Equal(t, 1, f.log.count("restore"))
}

func TestRun_PairFailureAbortPolicy(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.hosts.migrateErr["pve2"] = errors.New("migration task failed")

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	require.Len(t, report.Pairs, 2)
	assert.Equal(t, StageComplete, report.Pairs[0].Stage)
	assert.Equal(t, StageFailed, report.Pairs[1].Stage)
	assert.Equal(t, StageMigrating, report.Pairs[1].FailedAt)

	// The failed pair's node stays cordoned; later pairs never start.
	assert.True(t, f.nodes.cordoned["k8s-2"])
	assert.Equal(t, 0, f.log.count("drain k8s-3"))

	// Cleanup still closed the window.
	assert.Equal(t, 1, f.log.count("exit-maintenance"))
	assert.Equal(t, 1, f.log.count("restore"))

	// Untouched pairs remain Pending in the journal.
	run, err := f.store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StagePending), run.PairStages["pve3/k8s-3"])
}

func TestRun_PairFailureContinuePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = config.PolicyContinueOnPairFailure
	f := newFixture(t, cfg)
	f.hosts.migrateErr["pve2"] = errors.New("migration task failed")

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunPartial, report.Outcome)
	assert.Equal(t, ExitPartial, report.ExitCode())
	require.Len(t, report.Pairs, 3)
	assert.Equal(t, StageComplete, report.Pairs[0].Stage)
	assert.Equal(t, StageFailed, report.Pairs[1].Stage)
	assert.Equal(t, StageComplete, report.Pairs[2].Stage)
	assert.True(t, f.nodes.cordoned["k8s-2"])
}

func TestRun_HostNeverGoesDownFailsPair(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.hosts.downErr["pve1"] = errors.New("host pve1 was still online 5m0s after the power command")

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, StageFailed, report.Pairs[0].Stage)
	assert.Equal(t, StageHostRestarting, report.Pairs[0].FailedAt)

	// The restart was never confirmed: no wake, no rejoin check, and the
	// node must not be uncordoned.
	assert.Equal(t, 0, f.log.count("startup pve1"))
	assert.Equal(t, 0, f.log.count("rejoin pve1"))
	assert.True(t, f.nodes.cordoned["k8s-1"])
}

func TestRun_ResumeSkipsCompletedPairs(t *testing.T) {
	cfg := testConfig()

	f := newFixture(t, cfg)
	f.hosts.migrateErr["pve2"] = errors.New("migration task failed")
	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, journal.RunAborted, report.Outcome)

	// Second run over the same journal: pair one is skipped without
	// touching its node or host again.
	resumed := newFixtureWithStore(t, cfg, f.store)
	report2, err := resumed.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunSucceeded, report2.Outcome)
	require.Len(t, report2.Pairs, 3)
	assert.True(t, report2.Pairs[0].Skipped)
	assert.Equal(t, StageComplete, report2.Pairs[0].Stage)
	assert.False(t, report2.Pairs[1].Skipped)

	assert.Equal(t, 0, resumed.log.count("drain k8s-1"))
	assert.Equal(t, 0, resumed.log.count("migrate pve1"))
	assert.Equal(t, 1, resumed.log.count("drain k8s-2"))
	assert.Equal(t, 1, resumed.log.count("drain k8s-3"))
}

func TestRun_ResumeExplicitRunID(t *testing.T) {
	cfg := testConfig()

	f := newFixture(t, cfg)
	f.hosts.migrateErr["pve2"] = errors.New("migration task failed")
	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	resumed := newFixtureWithStore(t, cfg, f.store)
	resumed.orch.SetResumeRun(report.RunID)
	report2, err := resumed.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunSucceeded, report2.Outcome)
	assert.True(t, report2.Pairs[0].Skipped)
	assert.Equal(t, 0, resumed.log.count("drain k8s-1"))
	assert.Equal(t, 1, resumed.log.count("drain k8s-2"))
}

func TestRun_ResumeUnknownRunID(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.orch.SetResumeRun("no-such-run")

	_, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-run")
}

func TestRun_AfterSuccessNothingIsSkipped(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	_, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	again := newFixtureWithStore(t, cfg, f.store)
	report, err := again.orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pairs, 3)
	for _, pair := range report.Pairs {
		assert.False(t, pair.Skipped)
	}
	assert.Equal(t, 1, again.log.count("drain k8s-1"))
}

func TestRun_AbortSignalStopsAtPairBoundary(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	// Cancel during the first pair's migration; the run must stop at the
	// next stage boundary, skip remaining pairs, and still clean up.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.hosts.afterMigrate = cancel

	report, err := f.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, journal.RunAborted, report.Outcome)
	assert.Equal(t, ExitAborted, report.ExitCode())
	assert.Equal(t, 0, f.log.count("drain k8s-3"))
	assert.Equal(t, 1, f.log.count("exit-maintenance"))
	assert.Equal(t, 1, f.log.count("restore"))
}

func TestRun_LockedClusterRefusesSecondRun(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	require.NoError(t, f.store.AcquireLock(cfg.ClusterName, "other-run"))

	report, err := f.orch.Run(context.Background())
	assert.Nil(t, report)
	require.ErrorIs(t, err, journal.ErrLocked)
}

func TestRun_LockIsCheckedBeforeResumeSnapshot(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.orch.SetResumeRun("no-such-run")

	require.NoError(t, f.store.AcquireLock(cfg.ClusterName, "other-run"))

	// The journal read for resumption happens under the lock, so a held
	// lock surfaces before the missing run does.
	_, err := f.orch.Run(context.Background())
	require.ErrorIs(t, err, journal.ErrLocked)
}

func TestRun_NodeNotReadyAfterRestartFailsPair(t *testing.T) {
	cfg := testConfig()
	cfg.Pairs = cfg.Pairs[:1]
	cfg.Pairs[0].RejoinTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.health.nodeUnhealthy["k8s-1"] = true

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pairs, 1)
	assert.Equal(t, StageFailed, report.Pairs[0].Stage)
	assert.Equal(t, StageValidating, report.Pairs[0].FailedAt)
	assert.Contains(t, report.Pairs[0].Error, "not ready")

	// Validation failed, so the node is never uncordoned.
	assert.True(t, f.nodes.cordoned["k8s-1"])
}

func TestRun_CleanupFailureIsSurfaced(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.safety.exitErr = errors.New("clear ceph flag noout: 500")

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, journal.RunFailed, report.Outcome)
	assert.Equal(t, ExitFailure, report.ExitCode())
	require.Len(t, report.CleanupErrors, 1)
	assert.Contains(t, report.CleanupErrors[0], "noout")
}

// newFixtureWithStore builds a fixture over an existing journal so tests
// can model a second invocation of the binary.
func newFixtureWithStore(t *testing.T, cfg *config.Config, store *journal.Store) *fixture {
	t.Helper()

	log := &eventLog{}
	f := &fixture{
		log:    log,
		health: &fakeHealth{log: log, nodeUnhealthy: map[string]bool{}},
		alerts: &fakeAlerts{log: log},
		safety: &fakeSafety{log: log},
		nodes:  newFakeNodes(log),
		hosts:  newFakeHosts(log),
		store:  store,
	}
	f.orch = New(cfg, *config.LoadTimeouts(), Deps{
		Health:  f.health,
		Alerts:  f.alerts,
		Safety:  f.safety,
		Nodes:   f.nodes,
		Hosts:   f.hosts,
		Journal: store,
	})
	f.orch.pollInterval = time.Millisecond
	f.orch.uncordonOpts = []retry.Option{
		retry.WithMaxRetries(1),
		retry.WithInitialDelay(time.Millisecond),
	}
	return f
}
