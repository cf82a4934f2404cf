package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/you/streamstats/internal/store"
	"github.com/you/streamstats/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version and schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "statsd %s schema %d\n", version.String(), store.SchemaVersion())
			return err
		},
	}
}
