// Package aggregate computes viewer rollups over normalized sample intervals:
// time buckets, per-broadcaster and per-game analytics, and daily stats.
package aggregate

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/export"
	"github.com/you/streamstats/internal/interval"
)

// Source is the slice of the telemetry store the engine reads from.
type Source interface {
	QuerySamples(ctx context.Context, f core.Filter, withChatRate bool) ([]core.Sample, error)
	ChatCountsByChannel(ctx context.Context, f core.Filter) (map[int64]int64, error)
	ChatCountsByCategory(ctx context.Context, f core.Filter) (map[string]int64, error)
	ChatCountsByChannelDay(ctx context.Context, f core.Filter) (map[core.ChannelDay]int64, error)
	ChannelNames(ctx context.Context) (map[int64]string, error)
	CategoryNames(ctx context.Context) (map[string]string, error)
}

type Engine struct {
	src Source
	log *zap.Logger
}

func New(src Source, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{src: src, log: logger}
}

// BroadcasterAnalytics is the rollup of one channel over a time range.
type BroadcasterAnalytics struct {
	ChannelID               int64   `json:"channel_id"`
	ChannelName             string  `json:"channel_name"`
	MinutesWatched          float64 `json:"minutes_watched"`
	HoursBroadcast          float64 `json:"hours_broadcast"`
	AverageCCU              float64 `json:"average_ccu"`
	PeakCCU                 int64   `json:"peak_ccu"`
	StreamCount             int     `json:"stream_count"`
	TotalChatMessages       int64   `json:"total_chat_messages"`
	EngagementRate          float64 `json:"engagement_rate"`
	DominantCategory        string  `json:"dominant_category"`
	DominantCategoryName    string  `json:"dominant_category_name"`
	DominantCategoryPercent float64 `json:"dominant_category_percent"`
}

// GameAnalytics is the rollup of one category over a time range.
type GameAnalytics struct {
	GameID            string  `json:"game_id"`
	GameName          string  `json:"game_name"`
	MinutesWatched    float64 `json:"minutes_watched"`
	HoursBroadcast    float64 `json:"hours_broadcast"`
	AverageCCU        float64 `json:"average_ccu"`
	PeakCCU           int64   `json:"peak_ccu"`
	UniqueChannels    int     `json:"unique_channels"`
	TotalChatMessages int64   `json:"total_chat_messages"`
	EngagementRate    float64 `json:"engagement_rate"`
	TopChannelID      int64   `json:"top_channel_id"`
	TopChannelName    string  `json:"top_channel_name"`
}

// DailyStats is the rollup of one channel over one UTC date.
type DailyStats struct {
	Date              string  `json:"date"`
	ChannelID         int64   `json:"channel_id"`
	ChannelName       string  `json:"channel_name"`
	MinutesWatched    float64 `json:"minutes_watched"`
	HoursBroadcast    float64 `json:"hours_broadcast"`
	AverageCCU        float64 `json:"average_ccu"`
	PeakCCU           int64   `json:"peak_ccu"`
	StreamCount       int     `json:"stream_count"`
	TotalChatMessages int64   `json:"total_chat_messages"`
	EngagementRate    float64 `json:"engagement_rate"`
}

// AggregateStreamStats buckets the samples matching f, each carrying its
// one-minute chat rate.
func (e *Engine) AggregateStreamStats(ctx context.Context, f core.Filter, intervalMinutes int) ([]Bucket, error) {
	if intervalMinutes <= 0 {
		return nil, core.Invalid("interval_minutes", "must be positive")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	samples, err := e.src.QuerySamples(ctx, f, true)
	if err != nil {
		return nil, err
	}
	return Aggregate(samples, intervalMinutes)
}

// normalized loads the samples for f and weights them. The game filter is
// applied after normalization so that a category switch inside a session
// does not stretch the gap across the other category's samples.
func (e *Engine) normalized(ctx context.Context, f core.Filter) ([]interval.Interval, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	wide := f
	wide.GameID = nil
	samples, err := e.src.QuerySamples(ctx, wide, false)
	if err != nil {
		return nil, err
	}
	ivs := interval.Normalize(samples)
	if f.GameID == nil {
		return ivs, nil
	}
	out := ivs[:0]
	for _, iv := range ivs {
		if c := iv.Sample.Category; c != nil && *c == *f.GameID {
			out = append(out, iv)
		}
	}
	return out, nil
}

type channelAcc struct {
	sums       interval.Sums
	streams    map[int64]struct{}
	categories map[string]float64
}

func newChannelAcc() *channelAcc {
	return &channelAcc{streams: make(map[int64]struct{}), categories: make(map[string]float64)}
}

func (a *channelAcc) add(iv interval.Interval) {
	a.sums.Add(iv)
	if id := iv.Sample.StreamID; id != nil {
		a.streams[*id] = struct{}{}
	}
	if c := iv.Sample.Category; c != nil {
		mw := 0.0
		if v := iv.Sample.ViewerCount; v != nil {
			mw = float64(*v) * iv.Minutes
		}
		a.categories[*c] += mw
	}
}

// BroadcasterAnalytics rolls up every channel with samples in f, ranked by
// minutes watched (ties by channel id).
func (e *Engine) BroadcasterAnalytics(ctx context.Context, f core.Filter) ([]BroadcasterAnalytics, error) {
	ivs, err := e.normalized(ctx, f)
	if err != nil {
		return nil, err
	}
	accs := make(map[int64]*channelAcc)
	for _, iv := range ivs {
		ch := iv.Sample.ChannelID
		if ch == nil {
			continue
		}
		acc, ok := accs[*ch]
		if !ok {
			acc = newChannelAcc()
			accs[*ch] = acc
		}
		acc.add(iv)
	}
	if len(accs) == 0 {
		return []BroadcasterAnalytics{}, nil
	}

	chats, err := e.src.ChatCountsByChannel(ctx, f)
	if err != nil {
		return nil, err
	}
	names, err := e.src.ChannelNames(ctx)
	if err != nil {
		return nil, err
	}
	games, err := e.src.CategoryNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]BroadcasterAnalytics, 0, len(accs))
	for id, acc := range accs {
		row := BroadcasterAnalytics{
			ChannelID:         id,
			ChannelName:       names[id],
			MinutesWatched:    acc.sums.MinutesWatched,
			HoursBroadcast:    acc.sums.HoursBroadcast(),
			AverageCCU:        acc.sums.AverageViewers(),
			PeakCCU:           acc.sums.PeakViewers,
			StreamCount:       len(acc.streams),
			TotalChatMessages: chats[id],
		}
		row.EngagementRate = interval.EngagementRate(row.TotalChatMessages, row.MinutesWatched)
		if cat, mw, ok := DominantCategory(acc.categories); ok {
			row.DominantCategory = cat
			row.DominantCategoryName = displayName(games, cat)
			if row.MinutesWatched > 0 {
				row.DominantCategoryPercent = mw / row.MinutesWatched * 100
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinutesWatched != out[j].MinutesWatched {
			return out[i].MinutesWatched > out[j].MinutesWatched
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

// DominantCategory picks the category with the most minutes watched. Equal
// sums resolve to the lowest category id so the winner is stable.
func DominantCategory(minutes map[string]float64) (id string, mw float64, ok bool) {
	for cat, v := range minutes {
		if !ok || v > mw || (v == mw && cat < id) {
			id, mw, ok = cat, v, true
		}
	}
	return id, mw, ok
}

type gameAcc struct {
	sums     interval.Sums
	channels map[int64]float64
}

// GameAnalytics rolls up every category seen in f, ranked by minutes watched
// (ties by game id). Samples without a category are not attributed.
func (e *Engine) GameAnalytics(ctx context.Context, f core.Filter) ([]GameAnalytics, error) {
	ivs, err := e.normalized(ctx, f)
	if err != nil {
		return nil, err
	}
	accs := make(map[string]*gameAcc)
	for _, iv := range ivs {
		cat := iv.Sample.Category
		if cat == nil {
			continue
		}
		acc, ok := accs[*cat]
		if !ok {
			acc = &gameAcc{channels: make(map[int64]float64)}
			accs[*cat] = acc
		}
		acc.sums.Add(iv)
		if ch := iv.Sample.ChannelID; ch != nil {
			mw := 0.0
			if v := iv.Sample.ViewerCount; v != nil {
				mw = float64(*v) * iv.Minutes
			}
			acc.channels[*ch] += mw
		}
	}
	if len(accs) == 0 {
		return []GameAnalytics{}, nil
	}

	chats, err := e.src.ChatCountsByCategory(ctx, f)
	if err != nil {
		return nil, err
	}
	names, err := e.src.ChannelNames(ctx)
	if err != nil {
		return nil, err
	}
	games, err := e.src.CategoryNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]GameAnalytics, 0, len(accs))
	for id, acc := range accs {
		row := GameAnalytics{
			GameID:            id,
			GameName:          displayName(games, id),
			MinutesWatched:    acc.sums.MinutesWatched,
			HoursBroadcast:    acc.sums.HoursBroadcast(),
			AverageCCU:        acc.sums.AverageViewers(),
			PeakCCU:           acc.sums.PeakViewers,
			UniqueChannels:    len(acc.channels),
			TotalChatMessages: chats[id],
		}
		row.EngagementRate = interval.EngagementRate(row.TotalChatMessages, row.MinutesWatched)
		if top, ok := topChannel(acc.channels); ok {
			row.TopChannelID = top
			row.TopChannelName = names[top]
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinutesWatched != out[j].MinutesWatched {
			return out[i].MinutesWatched > out[j].MinutesWatched
		}
		return out[i].GameID < out[j].GameID
	})
	return out, nil
}

func topChannel(minutes map[int64]float64) (int64, bool) {
	var (
		best   int64
		bestMW float64
		found  bool
	)
	for id, mw := range minutes {
		if !found || mw > bestMW || (mw == bestMW && id < best) {
			best, bestMW, found = id, mw, true
		}
	}
	return best, found
}

// ListCategories returns category display names ranked by minutes watched.
func (e *Engine) ListCategories(ctx context.Context, f core.Filter) ([]string, error) {
	games, err := e.GameAnalytics(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(games))
	for _, g := range games {
		out = append(out, g.GameName)
	}
	return out, nil
}

// DailyStats rolls up each channel per UTC date, ordered by date then channel.
func (e *Engine) DailyStats(ctx context.Context, f core.Filter) ([]DailyStats, error) {
	ivs, err := e.normalized(ctx, f)
	if err != nil {
		return nil, err
	}
	accs := make(map[core.ChannelDay]*channelAcc)
	for _, iv := range ivs {
		ch := iv.Sample.ChannelID
		if ch == nil {
			continue
		}
		key := core.ChannelDay{ChannelID: *ch, Day: iv.Sample.CollectedAt.UTC().Format(time.DateOnly)}
		acc, ok := accs[key]
		if !ok {
			acc = newChannelAcc()
			accs[key] = acc
		}
		acc.add(iv)
	}
	if len(accs) == 0 {
		return []DailyStats{}, nil
	}

	chats, err := e.src.ChatCountsByChannelDay(ctx, f)
	if err != nil {
		return nil, err
	}
	names, err := e.src.ChannelNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DailyStats, 0, len(accs))
	for key, acc := range accs {
		row := DailyStats{
			Date:              key.Day,
			ChannelID:         key.ChannelID,
			ChannelName:       names[key.ChannelID],
			MinutesWatched:    acc.sums.MinutesWatched,
			HoursBroadcast:    acc.sums.HoursBroadcast(),
			AverageCCU:        acc.sums.AverageViewers(),
			PeakCCU:           acc.sums.PeakViewers,
			StreamCount:       len(acc.streams),
			TotalChatMessages: chats[key],
		}
		row.EngagementRate = interval.EngagementRate(row.TotalChatMessages, row.MinutesWatched)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

// ExportRows assembles the data points behind f for the export formatter,
// one row per sample in collection order.
func (e *Engine) ExportRows(ctx context.Context, f core.Filter) ([]export.Row, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	samples, err := e.src.QuerySamples(ctx, f, true)
	if err != nil {
		return nil, err
	}
	names, err := e.src.ChannelNames(ctx)
	if err != nil {
		return nil, err
	}
	games, err := e.src.CategoryNames(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]export.Row, 0, len(samples))
	for _, s := range samples {
		row := export.Row{
			CollectedAt:  s.CollectedAt,
			ViewerCount:  s.ViewerCount,
			ChatRate1Min: s.ChatRate1Min,
		}
		if s.ChannelID != nil {
			row.ChannelName = names[*s.ChannelID]
		}
		if s.Category != nil {
			row.Category = displayName(games, *s.Category)
		}
		if s.Title != nil {
			row.Title = *s.Title
		}
		rows = append(rows, row)
	}
	e.log.Debug("aggregate: export rows", zap.Int("rows", len(rows)))
	return rows, nil
}

func displayName(names map[string]string, id string) string {
	if n := names[id]; n != "" {
		return n
	}
	return id
}
