// Package cli wires the portal-bridge commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"portal-bridge/config"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	prefer     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "portal-bridge",
		Short:         "Captive-portal account client with relay fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/example.yaml", "Path to configuration file")
	cmd.PersistentFlags().StringVarP(&opts.prefer, "prefer", "p", "", "Strategy to try first (name)")

	cmd.AddCommand(
		newServeCmd(opts),
		newDispatchCmd(opts),
		newProbeCmd(opts),
		newWalledGardenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the config file and applies the command-line strategy preference.
func (o *rootOptions) load(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := o.apply(cfg, logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *rootOptions) apply(cfg *config.Config, logger *slog.Logger) error {
	if o.prefer == "" {
		return nil
	}
	cfg.PreferredStrategy = o.prefer
	return cfg.ApplyPreferredStrategy(logger)
}
