// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing and flag binding. Command execution is delegated to handler
// functions in the handlers package.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/rollmaint/rollmaint/internal/logging"
)

// Root returns the root command for the rollmaint CLI.
func Root() *cobra.Command {
	var logLevel string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "rollmaint",
		Short: "Rolling maintenance for paired hypervisors and Kubernetes nodes",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logging.Init(logging.Config{Level: logLevel, JSON: logJSON})
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Force JSON log output")

	cmd.AddCommand(Run())
	cmd.AddCommand(Validate())
	cmd.AddCommand(Status())
	cmd.AddCommand(Version())

	return cmd
}
