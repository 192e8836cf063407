package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apphub",
		Short: "Local application hub server",
		Long: `apphub is an extensible local application hub.

Independent client programs connect over a persistent socket,
authenticate with per-app tokens, and exchange typed packets through
generic synchronization primitives (tables, registries, signals,
endpoints). Plugins run in-process or as isolated child processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
