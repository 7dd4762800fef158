// Package commands implements the asrworker CLI.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "asrworker",
	Short: "Streaming speech recognition worker",
	Long: `asrworker - a streaming recognition worker for a dispatch server.

The worker holds a persistent websocket connection to the dispatch server,
streams audio into a recognition engine and relays transcription events back.
One worker serves one request at a time; run several workers for capacity.

Examples:
  # Run a worker against a local dispatch server
  asrworker run -u ws://localhost:8888/worker/ws/speech -c worker.yaml

  # Fetch a model archive
  asrworker models download https://models.example.com/english.tar.gz -o models/`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initLogging() {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
