// Package cli implements the relay command line: serve, publish and tail.
package cli

import (
	"fmt"
	"os"

	"github.com/nkkko/notify-relay/internal/config"
	"github.com/nkkko/notify-relay/internal/logging"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// Main runs the CLI and exits non-zero on error
func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Real-time notification relay",
		Long:          "relay pushes notifications from a Redis pub/sub channel to WebSocket clients grouped by user.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (json, console)")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(publishCmd(flags))
	root.AddCommand(tailCmd(flags))

	return root
}

// load reads configuration and sets up logging for a subcommand
func (f *globalFlags) load(overrides config.Overrides) (*config.Config, error) {
	if overrides.LogLevel == "" {
		overrides.LogLevel = f.logLevel
	}

	cfg, err := config.LoadConfig(f.configPath, overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	return cfg, nil
}
