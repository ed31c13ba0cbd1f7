// Package config defines and loads the rollmaint run configuration.
package config

import (
	"fmt"
	"time"
)

// Abort policies for pair failures.
const (
	PolicyAbortOnPairFailure    = "abort-on-pair-failure"
	PolicyContinueOnPairFailure = "continue-on-pair-failure"
)

// Reboot modes for the hypervisor upgrade step.
const (
	RebootModeReboot   = "reboot"   // apply staged updates via a plain reboot
	RebootModeShutdown = "shutdown" // full power cycle (startup via wake-on-LAN)
)

// Config holds the full run configuration.
type Config struct {
	ClusterName string `mapstructure:"cluster_name" yaml:"cluster_name"`
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`

	// Policy decides whether a failed pair aborts the remaining pairs
	// (default) or lets the run continue to the next pair.
	Policy string `mapstructure:"policy" yaml:"policy"`

	// Window is the maintenance window declared to alerting backends.
	// Its duration acts as a dead-man's switch: backends drop the
	// suppression on their own when it expires, even if this process
	// crashed before cleanup.
	Window WindowConfig `mapstructure:"window" yaml:"window"`

	Proxmox    ProxmoxConfig `mapstructure:"proxmox" yaml:"proxmox"`
	Kubeconfig string        `mapstructure:"kubeconfig" yaml:"kubeconfig"`

	Pairs []PairConfig `mapstructure:"pairs" yaml:"pairs"`

	AlertBackends []BackendConfig `mapstructure:"alert_backends" yaml:"alert_backends"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// MigrationConcurrency bounds how many guest migrations run at once
	// within a single pair.
	MigrationConcurrency int `mapstructure:"migration_concurrency" yaml:"migration_concurrency"`

	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Archive *ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// WindowConfig describes the maintenance window.
type WindowConfig struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// ProxmoxConfig holds Proxmox VE API access settings.
type ProxmoxConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	TokenID     string `mapstructure:"token_id" yaml:"token_id"`
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret"`
	// InsecureSkipVerify allows self-signed certificates, the default
	// state of an on-prem Proxmox install.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// PairConfig describes one hypervisor + Kubernetes node unit, upgraded
// together. The order of pairs in the file is the order they are processed.
type PairConfig struct {
	// Hypervisor is the Proxmox node name.
	Hypervisor string `mapstructure:"hypervisor" yaml:"hypervisor"`
	// Node is the Kubernetes node name hosted on the hypervisor.
	Node string `mapstructure:"node" yaml:"node"`
	// Guests are the VMIDs of virtual machines on the hypervisor that must
	// be migrated away before it is taken down.
	Guests []int `mapstructure:"guests" yaml:"guests"`
	// MigrateTarget is the Proxmox node guests are migrated to. Required
	// when Guests is non-empty.
	MigrateTarget string `mapstructure:"migrate_target" yaml:"migrate_target"`
	// RebootMode selects how the hypervisor is restarted for patching.
	RebootMode string `mapstructure:"reboot_mode" yaml:"reboot_mode"`

	// Per-pair timeout overrides; zero means use the global default.
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout" yaml:"migrate_timeout"`
	RejoinTimeout  time.Duration `mapstructure:"rejoin_timeout" yaml:"rejoin_timeout"`
}

// Backend types for alert silencing.
const (
	BackendUptimeKuma   = "uptime-kuma"
	BackendAlertmanager = "alertmanager"
)

// BackendConfig describes one alerting backend to silence during the window.
type BackendConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Name     string `mapstructure:"name" yaml:"name"`
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// StorageConfig describes the distributed storage safety flag and the
// application-level maintenance flags toggled alongside it.
type StorageConfig struct {
	// CephFlag is the OSD flag raised for the window (default "noout").
	CephFlag string `mapstructure:"ceph_flag" yaml:"ceph_flag"`
	// AppFlags are per-service maintenance flag files toggled over SSH on
	// stateful service hosts.
	AppFlags []AppFlagConfig `mapstructure:"app_flags" yaml:"app_flags"`
}

// AppFlagConfig describes one application maintenance flag file.
type AppFlagConfig struct {
	Service  string `mapstructure:"service" yaml:"service"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
	FlagPath string `mapstructure:"flag_path" yaml:"flag_path"`
}

// MetricsConfig controls the node_exporter textfile export of run outcomes.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// ArchiveConfig controls optional upload of the final report to an
// S3-compatible bucket.
type ArchiveConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// Validate checks the configuration for consistency. Validation failures are
// configuration errors: fatal, reported before any mutation, never retried.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}

	switch c.Policy {
	case PolicyAbortOnPairFailure, PolicyContinueOnPairFailure:
	default:
		return fmt.Errorf("policy must be %q or %q, got %q",
			PolicyAbortOnPairFailure, PolicyContinueOnPairFailure, c.Policy)
	}

	if c.Window.Duration <= 0 {
		return fmt.Errorf("window.duration must be positive")
	}

	if c.Proxmox.Endpoint == "" {
		return fmt.Errorf("proxmox.endpoint is required")
	}
	if c.Proxmox.TokenID == "" || c.Proxmox.TokenSecret == "" {
		return fmt.Errorf("proxmox.token_id and proxmox.token_secret are required (or set PROXMOX_TOKEN_ID/PROXMOX_TOKEN_SECRET)")
	}

	seen := make(map[string]bool, len(c.Pairs))
	for i, pair := range c.Pairs {
		if pair.Hypervisor == "" {
			return fmt.Errorf("pairs[%d]: hypervisor is required", i)
		}
		if pair.Node == "" {
			return fmt.Errorf("pairs[%d]: node is required", i)
		}
		if seen[pair.Hypervisor] {
			return fmt.Errorf("pairs[%d]: hypervisor %q listed twice", i, pair.Hypervisor)
		}
		seen[pair.Hypervisor] = true

		if len(pair.Guests) > 0 && pair.MigrateTarget == "" {
			return fmt.Errorf("pairs[%d]: migrate_target is required when guests are listed", i)
		}
		if pair.MigrateTarget == pair.Hypervisor && pair.MigrateTarget != "" {
			return fmt.Errorf("pairs[%d]: migrate_target must differ from hypervisor", i)
		}
		switch pair.RebootMode {
		case RebootModeReboot, RebootModeShutdown:
		default:
			return fmt.Errorf("pairs[%d]: reboot_mode must be %q or %q, got %q",
				i, RebootModeReboot, RebootModeShutdown, pair.RebootMode)
		}
	}

	for i, backend := range c.AlertBackends {
		if backend.URL == "" {
			return fmt.Errorf("alert_backends[%d]: url is required", i)
		}
		switch backend.Type {
		case BackendUptimeKuma, BackendAlertmanager:
		default:
			return fmt.Errorf("alert_backends[%d]: unknown type %q", i, backend.Type)
		}
	}

	for i, flag := range c.Storage.AppFlags {
		if flag.Service == "" || flag.Host == "" || flag.FlagPath == "" {
			return fmt.Errorf("storage.app_flags[%d]: service, host and flag_path are required", i)
		}
	}

	if c.Archive != nil {
		if c.Archive.Bucket == "" || c.Archive.Endpoint == "" {
			return fmt.Errorf("archive: endpoint and bucket are required when archive is configured")
		}
	}

	return nil
}
