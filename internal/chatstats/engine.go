// Package chatstats derives chat metrics: bucketed rate and engagement,
// spikes, badge segments, top chatters, hour/weekday patterns and retention.
package chatstats

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/you/streamstats/internal/core"
)

const (
	DefaultBucketWidth = 5 * time.Minute
	SpikeBucketWidth   = 5 * time.Minute
	DefaultSpikeRatio  = 2.0
	// MaxSpikes bounds the spike list handed to the UI.
	MaxSpikes = 20

	defaultTopChatters = 50
	maxTopChatters     = 500
)

// Source is the slice of the telemetry store the engine reads from.
type Source interface {
	ChatBuckets(ctx context.Context, f core.Filter, width time.Duration) ([]core.BucketCount, error)
	ViewerBuckets(ctx context.Context, f core.Filter, width time.Duration) ([]core.BucketAverage, error)
	BadgeCounts(ctx context.Context, f core.Filter) ([]core.BadgeCount, error)
	TopChatters(ctx context.Context, f core.Filter, limit int) ([]core.ChatterSummary, error)
	ChatHourCounts(ctx context.Context, f core.Filter, byDay bool) ([]core.HourCount, error)
	ViewerHourAverages(ctx context.Context, f core.Filter, byDay bool) ([]core.HourAverage, error)
	ChatterActivity(ctx context.Context, f core.Filter) ([]core.ChatterActivity, error)
	AvgStreamPeak(ctx context.Context, f core.Filter) (float64, bool, error)
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

// EngagementPoint is one bucket of the chat engagement timeline.
type EngagementPoint struct {
	BucketStart    time.Time `json:"bucket_start"`
	ChatCount      int64     `json:"chat_count"`
	AvgViewers     float64   `json:"avg_viewers"`
	EngagementRate float64   `json:"engagement_rate"`
}

// Timeline counts messages per bucket and relates them to the average
// viewer count of the same bucket: chat_count / avg_viewers * 100, or 0
// when the bucket has no viewer data. A zero width means five minutes.
func (e *Engine) Timeline(ctx context.Context, f core.Filter, width time.Duration) ([]EngagementPoint, error) {
	if width == 0 {
		width = DefaultBucketWidth
	}
	if width < time.Minute {
		return nil, core.Invalid("width", "must be at least one minute")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	chats, err := e.src.ChatBuckets(ctx, f, width)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return []EngagementPoint{}, nil
	}
	viewers, err := e.src.ViewerBuckets(ctx, f, width)
	if err != nil {
		return nil, err
	}
	avg := make(map[int64]float64, len(viewers))
	for _, v := range viewers {
		avg[v.Start.Unix()] = v.Average
	}

	out := make([]EngagementPoint, 0, len(chats))
	for _, c := range chats {
		p := EngagementPoint{BucketStart: c.Start.UTC(), ChatCount: c.Count, AvgViewers: avg[c.Start.Unix()]}
		if p.AvgViewers > 0 {
			p.EngagementRate = float64(p.ChatCount) / p.AvgViewers * 100
		}
		out = append(out, p)
	}
	return out, nil
}

// Spike is a bucket whose chat count jumped relative to the bucket before it.
type Spike struct {
	BucketStart   time.Time `json:"bucket_start"`
	ChatCount     int64     `json:"chat_count"`
	PreviousCount int64     `json:"previous_count"`
	SpikeRatio    float64   `json:"spike_ratio"`
}

// DetectSpikes compares each five-minute bucket to the immediately preceding
// one. Buckets whose predecessor is empty are skipped. The result is ranked
// by ratio (ties oldest first) and truncated to MaxSpikes.
func (e *Engine) DetectSpikes(ctx context.Context, f core.Filter, minRatio float64) ([]Spike, error) {
	if minRatio == 0 {
		minRatio = DefaultSpikeRatio
	}
	if minRatio < 0 || math.IsNaN(minRatio) || math.IsInf(minRatio, 0) {
		return nil, core.Invalid("min_spike_ratio", "must be a positive number")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buckets, err := e.src.ChatBuckets(ctx, f, SpikeBucketWidth)
	if err != nil {
		return nil, err
	}
	spikes, found := findSpikes(buckets, SpikeBucketWidth, minRatio)
	if found > len(spikes) {
		e.log.Debug("chatstats: spikes truncated",
			zap.Int("found", found),
			zap.Int("kept", len(spikes)),
			zap.Float64("min_ratio", minRatio),
		)
	}
	return spikes, nil
}

// findSpikes returns the ranked spikes, at most MaxSpikes, and how many
// buckets qualified before truncation.
func findSpikes(buckets []core.BucketCount, width time.Duration, minRatio float64) ([]Spike, int) {
	counts := make(map[int64]int64, len(buckets))
	for _, b := range buckets {
		counts[b.Start.Unix()] = b.Count
	}
	out := []Spike{}
	for _, b := range buckets {
		prev := counts[b.Start.Add(-width).Unix()]
		if prev == 0 {
			continue
		}
		ratio := float64(b.Count) / float64(prev)
		if ratio < minRatio {
			continue
		}
		out = append(out, Spike{BucketStart: b.Start.UTC(), ChatCount: b.Count, PreviousCount: prev, SpikeRatio: ratio})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SpikeRatio != out[j].SpikeRatio {
			return out[i].SpikeRatio > out[j].SpikeRatio
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	found := len(out)
	if found > MaxSpikes {
		out = out[:MaxSpikes]
	}
	return out, found
}

// SegmentStats is the share of chat produced by one segment.
type SegmentStats struct {
	Segment      Segment `json:"segment"`
	UserCount    int64   `json:"user_count"`
	MessageCount int64   `json:"message_count"`
	Percentage   float64 `json:"percentage"`
}

// UserSegments classifies every (user, badge set) pairing and reports the
// non-empty segments in precedence order.
func (e *Engine) UserSegments(ctx context.Context, f core.Filter) ([]SegmentStats, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rows, err := e.src.BadgeCounts(ctx, f)
	if err != nil {
		return nil, err
	}

	messages := make(map[Segment]int64)
	users := make(map[Segment]map[string]struct{})
	var total int64
	for _, r := range rows {
		seg := Classify(r.Badges)
		messages[seg] += r.Messages
		if users[seg] == nil {
			users[seg] = make(map[string]struct{})
		}
		users[seg][r.UserID] = struct{}{}
		total += r.Messages
	}

	out := []SegmentStats{}
	for _, seg := range Segments {
		n := messages[seg]
		if n == 0 {
			continue
		}
		st := SegmentStats{Segment: seg, UserCount: int64(len(users[seg])), MessageCount: n}
		if total > 0 {
			st.Percentage = float64(n) / float64(total) * 100
		}
		out = append(out, st)
	}
	return out, nil
}

// TopChatter is one ranked user.
type TopChatter struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	DisplayName  string    `json:"display_name"`
	Badges       []string  `json:"badges"`
	Segment      Segment   `json:"segment"`
	MessageCount int64     `json:"message_count"`
	StreamCount  int64     `json:"stream_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// TopChatters ranks users by message count. The badge set is the one on the
// user's latest message that carried badges.
func (e *Engine) TopChatters(ctx context.Context, f core.Filter, limit int) ([]TopChatter, error) {
	if limit < 0 {
		return nil, core.Invalid("limit", "must not be negative")
	}
	if limit == 0 {
		limit = defaultTopChatters
	}
	if limit > maxTopChatters {
		limit = maxTopChatters
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rows, err := e.src.TopChatters(ctx, f, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TopChatter, 0, len(rows))
	for _, r := range rows {
		badges := []string(r.Badges)
		if badges == nil {
			badges = []string{}
		}
		out = append(out, TopChatter{
			UserID:       r.UserID,
			UserName:     r.UserName,
			DisplayName:  r.DisplayName,
			Badges:       badges,
			Segment:      Classify(r.Badges),
			MessageCount: r.Messages,
			StreamCount:  r.Streams,
			FirstSeen:    r.FirstSeen.UTC(),
			LastSeen:     r.LastSeen.UTC(),
		})
	}
	return out, nil
}

// TimePattern is chat activity for an hour of day, optionally split by
// weekday (0 is Sunday).
type TimePattern struct {
	DayOfWeek    *int    `json:"day_of_week,omitempty"`
	Hour         int     `json:"hour"`
	MessageCount int64   `json:"message_count"`
	AvgViewers   float64 `json:"avg_viewers"`
	Engagement   float64 `json:"engagement"`
}

// TimePatterns groups messages by UTC hour (and weekday when byDay is set)
// and divides by the average viewer count of the same slot. The divisor is
// floored at one viewer, so slots without viewer data report the raw count.
func (e *Engine) TimePatterns(ctx context.Context, f core.Filter, byDay bool) ([]TimePattern, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	counts, err := e.src.ChatHourCounts(ctx, f, byDay)
	if err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return []TimePattern{}, nil
	}
	viewers, err := e.src.ViewerHourAverages(ctx, f, byDay)
	if err != nil {
		return nil, err
	}
	type slot struct{ dow, hour int }
	avg := make(map[slot]float64, len(viewers))
	for _, v := range viewers {
		avg[slot{v.DayOfWeek, v.Hour}] = v.Average
	}

	out := make([]TimePattern, 0, len(counts))
	for _, c := range counts {
		p := TimePattern{Hour: c.Hour, MessageCount: c.Count, AvgViewers: avg[slot{c.DayOfWeek, c.Hour}]}
		if byDay {
			dow := c.DayOfWeek
			p.DayOfWeek = &dow
		}
		p.Engagement = float64(c.Count) / math.Max(p.AvgViewers, 1)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := dayOf(out[i]), dayOf(out[j])
		if di != dj {
			return di < dj
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}

func dayOf(p TimePattern) int {
	if p.DayOfWeek == nil {
		return -1
	}
	return *p.DayOfWeek
}

// ChatterBehavior summarizes retention: chatters seen in one session (or
// none) are new, chatters seen in several are repeaters.
type ChatterBehavior struct {
	TotalChatters         int64   `json:"total_chatters"`
	NewChatters           int64   `json:"new_chatters"`
	RepeatChatters        int64   `json:"repeat_chatters"`
	RepeaterPercentage    float64 `json:"repeater_percentage"`
	AvgMessagesPerChatter float64 `json:"avg_messages_per_chatter"`
	// AvgParticipationRate is the mean of messages per chatter over the
	// average session peak. An approximation; 0 without viewer data.
	AvgParticipationRate float64 `json:"avg_participation_rate"`
	AvgStreamPeak        float64 `json:"avg_stream_peak"`
}

func (e *Engine) ChatterBehavior(ctx context.Context, f core.Filter) (ChatterBehavior, error) {
	if err := f.Validate(); err != nil {
		return ChatterBehavior{}, err
	}
	activity, err := e.src.ChatterActivity(ctx, f)
	if err != nil {
		return ChatterBehavior{}, err
	}
	var out ChatterBehavior
	if len(activity) == 0 {
		return out, nil
	}
	peak, ok, err := e.src.AvgStreamPeak(ctx, f)
	if err != nil {
		return ChatterBehavior{}, err
	}
	if ok {
		out.AvgStreamPeak = peak
	}

	var messages int64
	var participation float64
	for _, a := range activity {
		out.TotalChatters++
		messages += a.Messages
		if a.Streams > 1 {
			out.RepeatChatters++
		} else {
			out.NewChatters++
		}
		if peak > 0 {
			participation += float64(a.Messages) / peak
		}
	}
	n := float64(out.TotalChatters)
	out.RepeaterPercentage = float64(out.RepeatChatters) / n * 100
	out.AvgMessagesPerChatter = float64(messages) / n
	out.AvgParticipationRate = participation / n
	e.log.Debug("chatstats: chatter behavior",
		zap.Int64("chatters", out.TotalChatters),
		zap.Int64("messages", messages),
		zap.Bool("has_peak", ok),
	)
	return out, nil
}
