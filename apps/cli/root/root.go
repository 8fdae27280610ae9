package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the Atrium admin CLI. Subcommands (tenant,
// jobs) are attached here.
var rootCmd = &cobra.Command{
	Use:           "tenantctl",
	Short:         "Atrium tenant administration CLI",
	Long:          "Administrative utilities for Atrium tenant provisioning (create, retry, teardown, queue maintenance).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
