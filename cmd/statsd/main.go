// Command statsd runs the streaming telemetry analytics service.
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/config"
	"github.com/you/streamstats/internal/logging"
	"github.com/you/streamstats/internal/store"
	"github.com/you/streamstats/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags. Flags given on the command line
// override the STREAMSTATS_* environment.
type rootOptions struct {
	sqlitePath string
	maxConns   int
	logLevel   string
	logFormat  string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "statsd",
		Short:        "Streaming telemetry analytics service",
		Long:         `statsd stores viewer samples and chat for Twitch and YouTube channels and serves analytics, realtime multiview snapshots and exports.`,
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.sqlitePath, "sqlite", "stats.db", "Path to SQLite database file")
	pf.IntVar(&opts.maxConns, "sqlite-max-conns", 4, "Maximum open SQLite connections")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "json", "Log format (json or console)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newExportCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("sqlite") {
		cfg.SQLite.Path = strings.TrimSpace(o.sqlitePath)
	}
	if flags.Changed("sqlite-max-conns") && o.maxConns > 0 {
		cfg.SQLite.MaxConns = o.maxConns
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(o.logLevel))
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(o.logFormat))
	}
	o.cfg = cfg

	log, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.log = log
	return nil
}

// openStore opens the configured database and brings its schema up to date.
func (o *rootOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	st, err := store.Open(store.Options{
		Path:         o.cfg.SQLite.Path,
		MaxOpenConns: o.cfg.SQLite.MaxConns,
		Logger:       o.log,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
