package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the worker version, overridable at build time via -ldflags.
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("asrworker %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
