package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/store"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var reapply bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		Long: `Apply pending schema migrations to the database and exit.

Examples:
  # Upgrade the default database
  statsd migrate

  # Repair a database whose user_version header was reset
  statsd migrate --sqlite /data/stats.db --reapply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if reapply {
				if err := st.Reapply(cmd.Context()); err != nil {
					return err
				}
				opts.log.Info("statsd: migrations reapplied", zap.String("path", opts.cfg.SQLite.Path))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", opts.cfg.SQLite.Path, store.SchemaVersion())
			return err
		},
	}
	cmd.Flags().BoolVar(&reapply, "reapply", false, "Run every migration again regardless of user_version")
	return cmd
}
