package handlers

import (
	"context"
	"fmt"

	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/health"
	"github.com/rollmaint/rollmaint/internal/k8s"
	"github.com/rollmaint/rollmaint/internal/orchestrator"
	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
)

// healthChecker runs the read-only pre-flight checks.
type healthChecker interface {
	CheckClusterHealth(ctx context.Context) (*health.Report, error)
}

// newHealthChecker builds the production health validator. Replaced in tests.
var newHealthChecker = func(cfg *config.Config) (healthChecker, error) {
	timeouts := config.LoadTimeouts()
	kube, err := k8s.NewClient(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client: %w", err)
	}
	pve := proxmox.NewRealClient(cfg.Proxmox.Endpoint, cfg.Proxmox.TokenID, cfg.Proxmox.TokenSecret, cfg.Proxmox.InsecureSkipVerify)
	return health.NewValidator(kube, pve, timeouts.HealthQuery), nil
}

// Validate checks the configuration file and runs the same read-only
// pre-flight validation a run would. configOnly skips the health queries
// so the file can be checked without cluster access. Nothing is mutated.
func Validate(ctx context.Context, configPath string, configOnly bool) error {
	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: "invalid configuration: " + err.Error()}
	}
	fmt.Printf("Configuration OK: %d pair(s), %d alert backend(s)\n", len(cfg.Pairs), len(cfg.AlertBackends))

	if configOnly {
		return nil
	}

	checker, err := newHealthChecker(cfg)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}

	report, err := checker.CheckClusterHealth(ctx)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitFailure, Message: err.Error()}
	}
	if !report.Healthy {
		msg := "Cluster is not healthy:\n"
		for _, reason := range report.Reasons {
			msg += "  - " + reason + "\n"
		}
		return &ExitError{Code: orchestrator.ExitAborted, Message: msg}
	}

	fmt.Println("Cluster health OK")
	return nil
}
