// Package main is the entry point for the controller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Controller for inbound worker-agent connections",
	Long: `controller runs the master side of the worker-agent registration
protocol: it accepts inbound agent sockets, authenticates them with the
shared admission secret, resolves the claimed worker identity against
the provisioned roster and upgrades accepted connections into long-lived
message channels.

Configuration is taken from CONTROLLER_* environment variables; see the
serve command for the listener settings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("controller %s (commit %s, built %s)\n", version, commit, buildTime)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
