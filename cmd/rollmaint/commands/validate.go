package commands

import (
	"github.com/spf13/cobra"

	"github.com/rollmaint/rollmaint/cmd/rollmaint/handlers"
)

// Validate returns the command that checks configuration and cluster health
// without mutating anything.
func Validate() *cobra.Command {
	var configPath string
	var configOnly bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and cluster health",
		Long: `Validate the run configuration and cluster health.

Runs the same pre-flight health checks a run would: every hypervisor
online, Ceph healthy, every Kubernetes node ready. No flags are raised
and no alerting is touched. With --config-only the health queries are
skipped and only the configuration file is checked.

Examples:
  # Check configuration and cluster health
  rollmaint validate -c homelab.yaml

  # Check the configuration file without cluster access
  rollmaint validate -c homelab.yaml --config-only`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Validate(cmd.Context(), configPath, configOnly)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&configOnly, "config-only", false, "Skip the cluster health queries")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
