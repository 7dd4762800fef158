// Package main is the entry point for the asrworker CLI.
//
// Usage:
//
//	asrworker [flags] <command> [args]
//
// Commands:
//
//	run      - Run the recognition worker against a dispatch server
//	models   - Model archive management (download)
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/veltalab/asrworker/cmd/asrworker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
