package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions once and exit",
		Long:  "sweep archives and deletes every session whose expiry has passed. The server runs the same sweep on SWEEP_INTERVAL; this command is for cron jobs and maintenance.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, err := connectStorage(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.close(context.Background())

			a := wireApp(opts.cfg, store, opts.logger)
			removed, err := a.lifecycle.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", removed)
			return err
		},
	}
}
