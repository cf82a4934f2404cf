package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/you/streamstats/internal/aggregate"
	"github.com/you/streamstats/internal/chatstats"
	"github.com/you/streamstats/internal/core"
)

// filtered parses the shared filter and hands it to fn.
func (s *Server) filtered(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, f core.Filter) (any, error)) {
	s.respond(w, r, op, func(ctx context.Context) (any, error) {
		f, err := ParseFilter(r.URL.Query(), s.now())
		if err != nil {
			return nil, err
		}
		return fn(ctx, f)
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "channels", func(ctx context.Context) (any, error) {
		channels, err := s.deps.Store.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]channelResponse, 0, len(channels))
		for _, ch := range channels {
			out = append(out, newChannelResponse(ch))
		}
		return out, nil
	})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "aggregate.buckets", func(ctx context.Context, f core.Filter) (any, error) {
		n, err := positiveInt(r.URL.Query(), "interval", aggregate.OneMinute)
		if err != nil {
			return nil, err
		}
		return s.deps.Analytics.AggregateStreamStats(ctx, f, n)
	})
}

func (s *Server) handleBroadcasters(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "aggregate.broadcasters", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Analytics.BroadcasterAnalytics(ctx, f)
	})
}

func (s *Server) handleGames(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "aggregate.games", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Analytics.GameAnalytics(ctx, f)
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "aggregate.categories", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Analytics.ListCategories(ctx, f)
	})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "aggregate.daily", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Analytics.DailyStats(ctx, f)
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.timeline", func(ctx context.Context, f core.Filter) (any, error) {
		n, err := positiveInt(r.URL.Query(), "bucket_minutes", int(chatstats.DefaultBucketWidth/time.Minute))
		if err != nil {
			return nil, err
		}
		return s.deps.Chat.Timeline(ctx, f, time.Duration(n)*time.Minute)
	})
}

func (s *Server) handleSpikes(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.spikes", func(ctx context.Context, f core.Filter) (any, error) {
		ratio, err := positiveFloat(r.URL.Query(), "min_ratio", chatstats.DefaultSpikeRatio)
		if err != nil {
			return nil, err
		}
		return s.deps.Chat.DetectSpikes(ctx, f, ratio)
	})
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.segments", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Chat.UserSegments(ctx, f)
	})
}

func (s *Server) handleTopChatters(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.top", func(ctx context.Context, f core.Filter) (any, error) {
		limit, err := positiveInt(r.URL.Query(), "limit", 0)
		if err != nil {
			return nil, err
		}
		return s.deps.Chat.TopChatters(ctx, f, limit)
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.patterns", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Chat.TimePatterns(ctx, f, flag(r.URL.Query(), "by_day"))
	})
}

func (s *Server) handleBehavior(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.behavior", func(ctx context.Context, f core.Filter) (any, error) {
		return s.deps.Chat.ChatterBehavior(ctx, f)
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.messages", func(ctx context.Context, f core.Filter) (any, error) {
		opts, err := ParseListOptions(r.URL.Query())
		if err != nil {
			return nil, err
		}
		msgs, err := s.deps.Store.ListChatMessages(ctx, f, opts)
		if err != nil {
			return nil, err
		}
		out := make([]chatMessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, newChatMessageResponse(m))
		}
		return out, nil
	})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	s.filtered(w, r, "chat.count", func(ctx context.Context, f core.Filter) (any, error) {
		opts, err := ParseListOptions(r.URL.Query())
		if err != nil {
			return nil, err
		}
		n, err := s.deps.Store.CountChatMessages(ctx, f, opts)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"count": n}, nil
	})
}
