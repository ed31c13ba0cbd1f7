package orchestrator

import (
	"context"
	"time"

	"github.com/rollmaint/rollmaint/internal/alerting"
	"github.com/rollmaint/rollmaint/internal/health"
	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/safety"
)

// HealthValidator answers cluster-wide and per-node health questions.
type HealthValidator interface {
	CheckClusterHealth(ctx context.Context) (*health.Report, error)
	CheckNodeHealth(ctx context.Context, nodeID string) (*health.Report, error)
}

// AlertSilencer opens and closes the alert suppression window.
type AlertSilencer interface {
	Silence(ctx context.Context, d time.Duration) (*alerting.Handle, error)
	Restore(ctx context.Context, handle *alerting.Handle) error
}

// StorageSafety raises and lowers the maintenance-mode flags.
type StorageSafety interface {
	EnterMaintenance(ctx context.Context) (*safety.Token, error)
	ExitMaintenance(ctx context.Context, token *safety.Token) error
}

// NodeLifecycle drives the Kubernetes node side of a pair.
type NodeLifecycle interface {
	Drain(ctx context.Context, nodeID string, timeout time.Duration) error
	Uncordon(ctx context.Context, nodeID string) error
}

// HypervisorLifecycle drives the Proxmox host side of a pair.
type HypervisorLifecycle interface {
	MigrateGuests(ctx context.Context, host string, guests []int, target string, timeout time.Duration) error
	ShutdownHost(ctx context.Context, host, mode string) error
	WaitForHostDown(ctx context.Context, host string, timeout time.Duration) error
	StartupHost(ctx context.Context, host, mode string) error
	ValidateRejoined(ctx context.Context, host string, timeout time.Duration) error
}

// Journal persists run state for status inspection and resumption.
type Journal interface {
	CreateRun(run *journal.RunRecord) error
	UpdateRun(run *journal.RunRecord) error
	GetRun(id string) (*journal.RunRecord, error)
	LatestRun(cluster string) (*journal.RunRecord, error)
	AppendStep(runID string, step journal.StepRecord) error
	AcquireLock(cluster, runID string) error
	ReleaseLock(cluster string) error
}
