// Package httpapi exposes the analytics engines, the multiview monitor and
// the ingest write path over HTTP/JSON.
package httpapi

import (
	"context"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/aggregate"
	"github.com/you/streamstats/internal/chatstats"
	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/export"
	"github.com/you/streamstats/internal/metrics"
	"github.com/you/streamstats/internal/multiview"
	"github.com/you/streamstats/internal/store"
)

// Store is the part of the telemetry store the API reads and writes directly.
type Store interface {
	Ping(ctx context.Context) error
	ListChannels(ctx context.Context) ([]core.Channel, error)
	UpsertChannel(ctx context.Context, ch core.Channel) (int64, error)
	UpsertStream(ctx context.Context, st core.Stream) (int64, error)
	EndStream(ctx context.Context, id int64, endedAt time.Time) error
	RecordSample(ctx context.Context, smp core.Sample) (int64, error)
	RecordChatMessagesBatch(ctx context.Context, msgs []core.ChatMessage) error
	UpsertGameCategory(ctx context.Context, g core.GameCategory) error
	ListChatMessages(ctx context.Context, f core.Filter, opts store.ListOptions) ([]core.ChatMessage, error)
	CountChatMessages(ctx context.Context, f core.Filter, opts store.ListOptions) (int64, error)
}

type Analytics interface {
	AggregateStreamStats(ctx context.Context, f core.Filter, intervalMinutes int) ([]aggregate.Bucket, error)
	BroadcasterAnalytics(ctx context.Context, f core.Filter) ([]aggregate.BroadcasterAnalytics, error)
	GameAnalytics(ctx context.Context, f core.Filter) ([]aggregate.GameAnalytics, error)
	ListCategories(ctx context.Context, f core.Filter) ([]string, error)
	DailyStats(ctx context.Context, f core.Filter) ([]aggregate.DailyStats, error)
	ExportRows(ctx context.Context, f core.Filter) ([]export.Row, error)
}

type ChatAnalytics interface {
	Timeline(ctx context.Context, f core.Filter, width time.Duration) ([]chatstats.EngagementPoint, error)
	DetectSpikes(ctx context.Context, f core.Filter, minRatio float64) ([]chatstats.Spike, error)
	UserSegments(ctx context.Context, f core.Filter) ([]chatstats.SegmentStats, error)
	TopChatters(ctx context.Context, f core.Filter, limit int) ([]chatstats.TopChatter, error)
	TimePatterns(ctx context.Context, f core.Filter, byDay bool) ([]chatstats.TimePattern, error)
	ChatterBehavior(ctx context.Context, f core.Filter) (chatstats.ChatterBehavior, error)
}

type Realtime interface {
	Snapshot(ctx context.Context, channelIDs []int64) ([]multiview.ChannelStats, error)
}

// ChatSink buffers chat messages for batched writes.
type ChatSink interface {
	Add(ctx context.Context, msgs ...core.ChatMessage) error
}

type Deps struct {
	Store     Store
	Analytics Analytics
	Chat      ChatAnalytics
	Multiview Realtime
	Sink      ChatSink
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Options struct {
	Addr             string
	CORSOrigins      []string
	RateLimitRPS     int
	RateLimitBurst   int
	TrustProxy       bool
	EnableMetrics    bool
	EnableAccessLog  bool
	EnablePprof      bool
	MultiviewRefresh time.Duration
	Build            BuildInfo
	ConfigSnapshot   any
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Clock            func() time.Time
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	deps       Deps
	opts       Options
	log        *zap.Logger
	metrics    *metrics.Metrics
	limiter    *clientLimiter
	cors       *corsPolicy
	now        func() time.Time
	startedAt  time.Time

	// done is closed on Shutdown so long-lived websocket feeds end.
	done      chan struct{}
	closeOnce sync.Once
}

func New(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MultiviewRefresh <= 0 {
		opts.MultiviewRefresh = 5 * time.Second
	}
	s := &Server{
		mux:       http.NewServeMux(),
		deps:      deps,
		opts:      opts,
		log:       opts.Logger,
		limiter:   newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst, nil),
		cors:      newCORSPolicy(opts.CORSOrigins),
		now:       opts.Clock,
		startedAt: opts.Clock(),
		done:      make(chan struct{}),
	}
	if opts.EnableMetrics {
		s.metrics = opts.Metrics
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.handle("GET /healthz", s.handleHealthz)
	s.handle("GET /info", s.handleInfo)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.opts.EnablePprof {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.handle("GET /channels", s.handleChannels)

	s.handle("GET /analytics/buckets", s.handleBuckets)
	s.handle("GET /analytics/broadcasters", s.handleBroadcasters)
	s.handle("GET /analytics/games", s.handleGames)
	s.handle("GET /analytics/categories", s.handleCategories)
	s.handle("GET /analytics/daily", s.handleDaily)

	s.handle("GET /chat/timeline", s.handleTimeline)
	s.handle("GET /chat/spikes", s.handleSpikes)
	s.handle("GET /chat/segments", s.handleSegments)
	s.handle("GET /chat/top", s.handleTopChatters)
	s.handle("GET /chat/patterns", s.handlePatterns)
	s.handle("GET /chat/behavior", s.handleBehavior)
	s.handle("GET /chat/messages", s.handleMessages)
	s.handle("GET /chat/count", s.handleCount)

	s.handle("GET /multiview", s.handleMultiview)
	s.handle("GET /multiview/ws", s.handleMultiviewWS)

	s.handle("GET /export", s.handleExport)

	s.handle("POST /ingest/channels", s.handleIngestChannel)
	s.handle("POST /ingest/categories", s.handleIngestCategory)
	s.handle("POST /ingest/streams", s.handleIngestStream)
	s.handle("POST /ingest/streams/{id}/end", s.handleEndStream)
	s.handle("POST /ingest/samples", s.handleIngestSample)
	s.handle("POST /ingest/chat", s.handleIngestChat)
}

// Mux exposes the router so callers can mount extra handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cors.preflight(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

// handle registers h behind the request id, CORS, rate limit, gzip, metrics
// and access log layers. The pattern doubles as the metrics route label.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	s.mux.Handle(pattern, s.wrap(route, h))
}

func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := newStatusWriter(w)

		defer func() {
			if p := recover(); p != nil {
				s.log.Error("httpapi: panic", zap.String("route", route), zap.Any("panic", p), zap.String("request_id", reqID))
				if rec.status == 0 {
					writeJSON(rec, http.StatusInternalServerError, errorResponse{Error: "internal error", RequestID: reqID})
				}
			}
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
			if s.opts.EnableAccessLog {
				s.log.Info("httpapi: request",
					zap.String("request_id", reqID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", rec.Status()),
					zap.Int64("bytes", rec.Bytes()),
					zap.Duration("duration", dur),
					zap.String("remote", remoteIP(r, s.opts.TrustProxy)),
				)
			}
		}()

		if !s.cors.decorate(rec, r) {
			writeJSON(rec, http.StatusForbidden, errorResponse{Error: "origin not allowed", RequestID: reqID})
			return
		}
		if !s.limiter.Allow(limitKeyFor(r, s.opts.TrustProxy), requestCost(r)) {
			s.metrics.IncRateLimited()
			rec.Header().Set("Retry-After", "1")
			writeJSON(rec, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", RequestID: reqID})
			return
		}
		if gz, ok := compress(rec, r); ok {
			defer gz.Close()
		}
		h(rec, r)
	})
}

func (s *Server) Start() error {
	s.log.Info("httpapi: listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.writeError(w, r, core.NewStorageError("ping", err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
