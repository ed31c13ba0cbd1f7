package commands

import (
	"github.com/spf13/cobra"

	"github.com/rollmaint/rollmaint/cmd/rollmaint/handlers"
)

// Status returns the command that prints the latest run from the journal.
func Status() *cobra.Command {
	var configPath string
	var opts handlers.StatusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest maintenance run for the cluster",
		Long: `Show the latest maintenance run recorded in the journal.

Prints the run outcome and the stage each pair reached. With --steps the
full step log is printed as well. With --json the run record is emitted
as JSON for scripting.

Examples:
  rollmaint status -c homelab.yaml
  rollmaint status -c homelab.yaml --steps
  rollmaint status -c homelab.yaml --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Status(cmd.Context(), configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&opts.Steps, "steps", false, "Print the step-by-step journal")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Emit the run record as JSON")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
