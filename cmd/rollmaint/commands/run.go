package commands

import (
	"github.com/spf13/cobra"

	"github.com/rollmaint/rollmaint/cmd/rollmaint/handlers"
)

// Run returns the command that executes a maintenance run.
//
// Required flags:
//
//	--config, -c: Path to the run configuration YAML file
//
// Environment variables:
//
//	PROXMOX_TOKEN_ID / PROXMOX_TOKEN_SECRET: Proxmox API token (override config)
func Run() *cobra.Command {
	var configPath string
	var opts handlers.RunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a maintenance run over all configured pairs",
		Long: `Execute a full maintenance run.

The run validates cluster health, silences alerting backends, raises the
storage safety flags, then processes each hypervisor/node pair in order:
drain, migrate guests, restart the host, revalidate, uncordon. Alerting
and storage flags are always restored on the way out.

A run interrupted by SIGINT stops at the next stage boundary and cleans
up. Re-running after a failed or aborted run skips pairs that already
completed.

Exit codes: 0 success, 1 failure, 2 aborted, 3 partial (some pairs failed
under continue-on-pair-failure).

Examples:
  # Run maintenance for the homelab cluster
  rollmaint run -c homelab.yaml

  # Resume after an aborted run
  rollmaint run -c homelab.yaml

  # Show what would run without touching anything
  rollmaint run -c homelab.yaml --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Run(cmd.Context(), configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "Override the pair failure policy for this run")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Print the maintenance plan without mutating anything")
	cmd.Flags().StringVar(&opts.ResumeID, "resume", "", "Resume from a specific run ID instead of the latest")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
