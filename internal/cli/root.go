// Package cli implements the signalbus command.
package cli

import (
	"fmt"
	"os"

	"github.com/oagudo/signalbus/internal/config"
	"github.com/spf13/cobra"
)

// NewRootCommand returns the signalbus command. open builds the runtime of
// every subcommand from the loaded configuration.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "signalbus",
		Short:         "Deliver pending signals to message brokers",
		Long:          "signalbus sends the signals recorded in outbox tables to their brokers and maintains those tables.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvConfig), "Configuration file (YAML)")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "", "Log format: text|json")

	root.AddCommand(newFlushManyCommand(open))
	root.AddCommand(newSignalsCommand(open))
	root.AddCommand(newPendingCommand(open))
	root.AddCommand(newServeCommand(open))
	root.AddCommand(newPurgeCommand(open))
	return root
}

// setup loads the configuration for cmd and opens its runtime.
func setup(cmd *cobra.Command, open Opener) (*Runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	config.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}

	logger, err := NewLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return nil, err
	}
	return open(cfg, logger)
}
