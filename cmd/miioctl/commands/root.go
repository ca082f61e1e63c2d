// Package commands assembles the miioctl command tree: a thin cobra
// front end over internal/netmgr and internal/device, exercising the
// library's public surface without owning any device-model logic of its
// own.
package commands

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"
	// Commit is set at build time.
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "miioctl",
	Short: "miioctl - LAN discovery and control for miIO/54321 devices",
	Long: `miioctl broadcasts handshake discovery on the local network and
sends JSON-RPC calls to devices speaking the miIO/54321 protocol.

Use "miioctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output flag; not read by any command, and [DEBUG] log lines are always printed")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(callCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("miioctl %s (%s)", Version, Commit)
	},
}
