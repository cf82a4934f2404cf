package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/streamstats/internal/aggregate"
	"github.com/you/streamstats/internal/chatstats"
	"github.com/you/streamstats/internal/config"
	httpadmin "github.com/you/streamstats/internal/http"
	"github.com/you/streamstats/internal/httpapi"
	"github.com/you/streamstats/internal/metrics"
	"github.com/you/streamstats/internal/multiview"
	"github.com/you/streamstats/internal/sink"
	"github.com/you/streamstats/internal/version"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	httpAddr       string
	corsOrigins    string
	rateRPS        int
	rateBurst      int
	trustProxy     bool
	metrics        bool
	accessLog      bool
	pprof          bool
	thresholdsFile string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the analytics, chat analytics, multiview and ingest endpoints.

Detector thresholds are read from --thresholds (YAML) and reloaded when the
file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.apply(cmd, &root.cfg)
			return runServe(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.httpAddr, "http-addr", "127.0.0.1:8765", "HTTP listen address")
	f.StringVar(&opts.corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	f.IntVar(&opts.rateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	f.IntVar(&opts.rateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	f.BoolVar(&opts.trustProxy, "http-trust-proxy", false, "Key the rate limiter on X-Forwarded-For")
	f.BoolVar(&opts.metrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	f.BoolVar(&opts.accessLog, "http-access-log", true, "Log HTTP access records")
	f.BoolVar(&opts.pprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	f.StringVar(&opts.thresholdsFile, "thresholds", "", "Multiview thresholds YAML file")
	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("http-addr") {
		cfg.HTTP.Addr = strings.TrimSpace(o.httpAddr)
	}
	if flags.Changed("http-cors-origins") {
		var origins []string
		for _, part := range strings.Split(o.corsOrigins, ",") {
			if p := strings.TrimSpace(part); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.HTTP.CORSOrigins = origins
	}
	if flags.Changed("http-rate-rps") {
		cfg.HTTP.RateRPS = o.rateRPS
	}
	if flags.Changed("http-rate-burst") {
		cfg.HTTP.RateBurst = o.rateBurst
	}
	if flags.Changed("http-trust-proxy") {
		cfg.HTTP.TrustProxy = o.trustProxy
	}
	if flags.Changed("http-metrics") {
		cfg.HTTP.Metrics = o.metrics
	}
	if flags.Changed("thresholds") {
		cfg.Multiview.ThresholdsFile = strings.TrimSpace(o.thresholdsFile)
	}
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, log := root.cfg, root.log
	log.Info("statsd: starting",
		zap.String("version", version.String()),
		zap.ByteString("config", cfg.SummaryJSON()),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := root.openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	thresholds, err := config.LoadThresholds(cfg.Multiview.ThresholdsFile)
	if err != nil {
		return err
	}

	m := metrics.New()
	monitor := multiview.New(st, multiview.Options{
		Timeout:     cfg.MultiviewTimeout(),
		Concurrency: cfg.Multiview.Concurrency,
		Thresholds:  &thresholds,
		Logger:      log,
		Observer:    m,
	})
	batcher := sink.NewChatBatcher(st, sink.Options{
		BatchSize:     cfg.Batch(),
		FlushInterval: cfg.FlushInterval(),
		Logger:        log,
		OnFlush:       m.ObserveChatBatch,
	})

	srv := httpapi.New(httpapi.Deps{
		Store:     st,
		Analytics: aggregate.New(st, log),
		Chat:      chatstats.New(st, log),
		Multiview: monitor,
		Sink:      batcher,
	}, httpapi.Options{
		Addr:             cfg.HTTP.Addr,
		CORSOrigins:      cfg.HTTP.CORSOrigins,
		RateLimitRPS:     cfg.HTTP.RateRPS,
		RateLimitBurst:   cfg.HTTP.RateBurst,
		TrustProxy:       cfg.HTTP.TrustProxy,
		EnableMetrics:    cfg.HTTP.Metrics,
		EnableAccessLog:  opts.accessLog,
		EnablePprof:      opts.pprof,
		MultiviewRefresh: cfg.MultiviewRefresh(),
		Build: httpapi.BuildInfo{
			Version:  version.Version,
			Revision: version.Commit,
			BuiltAt:  version.BuiltAt(),
		},
		ConfigSnapshot: cfg.Summary(),
		Logger:         log,
		Metrics:        m,
	})

	httpadmin.New(thresholdReloader{path: cfg.Multiview.ThresholdsFile, monitor: monitor}, log).Register(srv.Mux())

	if path := cfg.Multiview.ThresholdsFile; path != "" {
		if _, err := os.Stat(path); err != nil {
			log.Warn("statsd: thresholds file not watched", zap.String("path", path), zap.Error(err))
		} else if err := config.WatchThresholds(ctx, path, log, monitor.SetThresholds); err != nil {
			log.Warn("statsd: thresholds watch failed", zap.String("path", path), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("statsd: shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := batcher.Close(sctx); cerr != nil {
			log.Error("statsd: chat flush on shutdown", zap.Error(cerr))
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("statsd: stopped with error", zap.Error(err))
		return err
	}
	log.Info("statsd: stopped")
	return nil
}

// thresholdReloader backs the admin reload endpoint with the thresholds file.
type thresholdReloader struct {
	path    string
	monitor *multiview.Monitor
}

func (r thresholdReloader) Thresholds() multiview.Thresholds { return r.monitor.Thresholds() }

func (r thresholdReloader) ReloadThresholds() (multiview.Thresholds, error) {
	th, err := config.LoadThresholds(r.path)
	if err != nil {
		return multiview.Thresholds{}, err
	}
	if err := r.monitor.SetThresholds(th); err != nil {
		return multiview.Thresholds{}, err
	}
	return th, nil
}
