// Package handlers implements the business logic for CLI commands.
//
// Handlers are framework-agnostic and can be tested independently of the
// CLI framework. Construction of the real component stack goes through
// factory variables so tests can inject fakes.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rollmaint/rollmaint/internal/alerting"
	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/health"
	"github.com/rollmaint/rollmaint/internal/hypervisor"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/k8s"
	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/metrics"
	"github.com/rollmaint/rollmaint/internal/nodes"
	"github.com/rollmaint/rollmaint/internal/orchestrator"
	"github.com/rollmaint/rollmaint/internal/platform/alertmanager"
	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
	"github.com/rollmaint/rollmaint/internal/platform/s3"
	"github.com/rollmaint/rollmaint/internal/platform/sshexec"
	"github.com/rollmaint/rollmaint/internal/platform/uptimekuma"
	"github.com/rollmaint/rollmaint/internal/safety"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// ExitError carries a process exit code out of a handler.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// RunOptions carries the run command's flag overrides.
type RunOptions struct {
	// Policy overrides the config file's pair failure policy.
	Policy string
	// DryRun prints the plan without mutating anything.
	DryRun bool
	// ResumeID resumes from a specific run instead of the latest.
	ResumeID string
}

// runner executes one maintenance run.
type runner interface {
	Run(ctx context.Context) (*orchestrator.Report, error)
	SetResumeRun(runID string)
}

// Factory function variables - can be replaced in tests for dependency injection.
var (
	loadConfigFile = config.LoadFile

	newRunner = func(cfg *config.Config) (runner, func(), error) {
		return buildOrchestrator(cfg)
	}

	writeMetrics = func(report *orchestrator.Report, path string) error {
		recorder := metrics.NewRecorder()
		recorder.Record(report)
		return recorder.WriteTextfile(path)
	}

	archiveReport = archiveToS3
)

// Run executes a maintenance run from the given configuration file.
//
// The run's outcome is reported through *ExitError so main can map it to
// the process exit code: 0 success, 1 failure, 2 aborted, 3 partial.
func Run(ctx context.Context, configPath string, opts RunOptions) error {
	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	if opts.Policy != "" {
		cfg.Policy = opts.Policy
	}
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: "invalid configuration: " + err.Error()}
	}

	if opts.DryRun {
		printPlan(cfg)
		return nil
	}

	orch, cleanup, err := newRunner(cfg)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	defer cleanup()
	if opts.ResumeID != "" {
		orch.SetResumeRun(opts.ResumeID)
	}

	report, err := orch.Run(ctx)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}

	fmt.Print(report.Render())

	log := logging.WithRunID(report.RunID)
	if cfg.Metrics.TextfilePath != "" {
		if err := writeMetrics(report, cfg.Metrics.TextfilePath); err != nil {
			log.Error().Err(err).Msg("failed to write metrics textfile")
		}
	}
	if cfg.Archive != nil {
		if err := archiveReport(ctx, cfg.Archive, report); err != nil {
			log.Error().Err(err).Msg("failed to archive run report")
		}
	}

	if code := report.ExitCode(); code != orchestrator.ExitSuccess {
		return &ExitError{Code: code}
	}
	return nil
}

// printPlan renders what a run would do, in order.
func printPlan(cfg *config.Config) {
	fmt.Printf("Maintenance plan for cluster %s (policy: %s, window: %s)\n", cfg.ClusterName, cfg.Policy, cfg.Window.Duration)
	fmt.Printf("Alert backends: %d, app maintenance flags: %d, ceph flag: %s\n", len(cfg.AlertBackends), len(cfg.Storage.AppFlags), cfg.Storage.CephFlag)
	for i, pair := range cfg.Pairs {
		line := fmt.Sprintf("%d. %s/%s (%s mode", i+1, pair.Hypervisor, pair.Node, pair.RebootMode)
		if len(pair.Guests) > 0 {
			line += fmt.Sprintf(", %d guest(s) -> %s", len(pair.Guests), pair.MigrateTarget)
		}
		fmt.Println(line + ")")
	}
}

// buildOrchestrator wires the production component stack from the
// configuration. The returned func closes the journal.
func buildOrchestrator(cfg *config.Config) (runner, func(), error) {
	timeouts := config.LoadTimeouts()

	pve := proxmox.NewRealClient(cfg.Proxmox.Endpoint, cfg.Proxmox.TokenID, cfg.Proxmox.TokenSecret, cfg.Proxmox.InsecureSkipVerify)

	kube, err := k8s.NewClient(cfg.Kubeconfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build kubernetes client: %w", err)
	}

	backends := make([]alerting.Backend, 0, len(cfg.AlertBackends))
	for _, b := range cfg.AlertBackends {
		switch b.Type {
		case config.BackendUptimeKuma:
			backends = append(backends, uptimekuma.NewClient(b.Name, b.URL, b.Username, b.Password))
		case config.BackendAlertmanager:
			backends = append(backends, alertmanager.NewClient(b.Name, b.URL))
		}
	}

	apps := make([]safety.AppFlag, 0, len(cfg.Storage.AppFlags))
	for _, flag := range cfg.Storage.AppFlags {
		key, err := os.ReadFile(flag.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read SSH key for %s: %w", flag.Service, err)
		}
		ssh, err := sshexec.NewClient(&sshexec.Config{
			Host:       flag.Host,
			Port:       flag.Port,
			User:       flag.User,
			PrivateKey: key,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build SSH client for %s: %w", flag.Service, err)
		}
		apps = append(apps, safety.NewSSHAppFlag(flag.Service, flag.FlagPath, ssh))
	}

	store, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	orch := orchestrator.New(cfg, *timeouts, orchestrator.Deps{
		Health:  health.NewValidator(kube, pve, timeouts.HealthQuery),
		Alerts:  alerting.NewSilencer(backends, retry.WithMaxRetries(timeouts.RetryAttempts), retry.WithInitialDelay(timeouts.RetryDelay)),
		Safety:  safety.NewController(pve, cfg.Storage.CephFlag, apps),
		Nodes:   nodes.NewManager(kube),
		Hosts:   hypervisor.NewManager(pve, cfg.MigrationConcurrency),
		Journal: store,
	})
	return orch, func() { store.Close() }, nil
}

// archiveToS3 uploads the JSON report to the configured bucket, keyed by
// cluster and run ID.
func archiveToS3(ctx context.Context, cfg *config.ArchiveConfig, report *orchestrator.Report) error {
	client, err := s3.NewClient(cfg.Endpoint, cfg.Region, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to build archive client: %w", err)
	}
	if err := client.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return err
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%s-%s.json", report.Cluster, report.StartedAt.UTC().Format(time.RFC3339), report.RunID)
	return client.PutObject(ctx, cfg.Bucket, key, body)
}
