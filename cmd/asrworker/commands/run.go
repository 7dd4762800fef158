package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/veltalab/asrworker/pkg/engine/remote"
	"github.com/veltalab/asrworker/pkg/worker"
)

var (
	runURI  string
	runConf string
)

// fileConfig is the on-disk worker configuration.
type fileConfig struct {
	Worker worker.Config `yaml:",inline"`
	Engine remote.Config `yaml:"engine"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the recognition worker",
	Long: `Run the worker: connect to the dispatch server, serve one recognition
request per connection and reconnect forever. The process only exits on
SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig(runConf)
		if err != nil {
			return err
		}
		if runURI != "" {
			cfg.Worker.ServerURI = runURI
		}
		if cfg.Worker.ServerURI == "" {
			return fmt.Errorf("no server URI (set server_uri in the config file or pass --uri)")
		}
		if cfg.Engine.URL == "" {
			return fmt.Errorf("no engine URL (set engine.url in the config file)")
		}
		if cfg.Worker.DeliveryMode == worker.ModeWord {
			return fmt.Errorf("delivery_mode %q requires a word-emitting engine; the remote engine delivers whole hypotheses", cfg.Worker.DeliveryMode)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := slog.Default()
		log.Info("starting worker", "server", cfg.Worker.ServerURI, "engine", cfg.Engine.URL)
		sv := worker.NewSupervisor(&cfg.Worker, remote.Factory(&cfg.Engine, log), log)
		if err := sv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("worker stopped")
		return nil
	},
}

func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func init() {
	runCmd.Flags().StringVarP(&runURI, "uri", "u", "", "server<->worker websocket URI")
	runCmd.Flags().StringVarP(&runConf, "conf", "c", "", "YAML file with worker configuration")
	rootCmd.AddCommand(runCmd)
}
