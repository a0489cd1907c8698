package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X main.Version=... -X main.CommitHash=..."
var (
	Version    = "devel"
	CommitHash = "unknown"
)

func versionString() string {
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), programName+" "+versionString())
		},
	}
}
