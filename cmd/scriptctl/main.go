// Scriptctl checks and exercises conversation scripts offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	v "github.com/linnemanlabs/go-core/version"
)

func main() {
	v.AppName = "concierge"
	v.Component = "scriptctl"
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptctl",
		Short:         "Validate, inspect and simulate concierge conversation scripts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newValidateCmd(),
		newCyclesCmd(),
		newSchemaCmd(),
		newTenantsCmd(),
		newSimulateCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			vi := v.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s (commit=%s, go=%s)\n",
				vi.AppName, vi.Component, vi.Version, vi.Commit, vi.GoVersion)
		},
	}
}
