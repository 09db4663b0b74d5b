package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"portal-bridge/internal/diagnostics"
	"portal-bridge/internal/store"
)

func newProbeCmd(root *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
		record  bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which connection paths are reachable right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(verbose)
			cfg, err := root.load(logger)
			if err != nil {
				return err
			}

			c, err := buildCore(cfg, logger, nil)
			if err != nil {
				return err
			}

			var opts []diagnostics.Option
			opts = append(opts, diagnostics.WithLogger(logger))
			if record {
				ps, err := store.OpenProbeStore(cfg.Store, logger)
				if err != nil {
					return fmt.Errorf("failed to open probe store: %w", err)
				}
				defer ps.Close()
				opts = append(opts, diagnostics.WithRecorder(ps, 0))
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			sweep := diagnostics.NewProber(cfg, c.registry, c.client, opts...).Run(ctx)
			if sweep.Aborted {
				return fmt.Errorf("probe sweep aborted: %w", ctx.Err())
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sweep)
			}
			fmt.Fprint(out, sweep.Summary())
			if sweep.Reachable() < len(sweep.Results) {
				fmt.Fprintln(out, "\nBlocked paths usually mean the walled-garden allow-list is incomplete; see 'portal-bridge walled-garden'.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sweep as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every probe")
	cmd.Flags().BoolVar(&record, "record", false, "Store the sweep in the configured probe store")
	return cmd
}

func newWalledGardenCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "walled-garden",
		Short: "List the hosts the captive portal must allow before sign-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(false)
			cfg, err := root.load(logger)
			if err != nil {
				return err
			}
			c, err := buildCore(cfg, logger, nil)
			if err != nil {
				return err
			}

			hosts := diagnostics.WalledGarden(cfg, c.registry)
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]interface{}{"hosts": hosts})
			}
			for _, h := range hosts {
				fmt.Fprintln(out, h)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	return cmd
}
