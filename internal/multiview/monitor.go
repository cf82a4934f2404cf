// Package multiview computes realtime snapshots for a set of channels shown
// side by side. A failure on one channel degrades only that channel.
package multiview

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/streamstats/internal/core"
)

const (
	DefaultTimeout     = 2 * time.Second
	DefaultConcurrency = 8
	MaxChannels        = 64
)

// Source is the slice of the store a snapshot reads.
type Source interface {
	GetChannel(ctx context.Context, id int64) (core.Channel, error)
	OpenStream(ctx context.Context, channelID int64) (*core.Stream, error)
	LatestSample(ctx context.Context, channelID int64) (*core.Sample, error)
	ChatCountBetween(ctx context.Context, channelID int64, from, to time.Time) (int64, error)
	QuerySamples(ctx context.Context, f core.Filter, withChatRate bool) ([]core.Sample, error)
	RecentCategories(ctx context.Context, channelID int64, n int) ([]string, error)
}

// Observer receives snapshot outcomes. The metrics package implements it.
type Observer interface {
	ObserveSnapshot(d time.Duration, channels int)
	SnapshotDegraded(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveSnapshot(time.Duration, int) {}
func (nopObserver) SnapshotDegraded(string)            {}

type Options struct {
	Timeout     time.Duration // per channel
	Concurrency int
	Thresholds  *Thresholds
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    Observer
}

// Flags are the event detectors' verdicts for one channel.
type Flags struct {
	ViewerSpike    bool `json:"viewer_spike"`
	ChatSpike      bool `json:"chat_spike"`
	CategoryChange bool `json:"category_change"`
}

// ChannelStats is one channel's realtime view. Degraded entries carry only
// identity and an error string.
type ChannelStats struct {
	ChannelID    int64      `json:"channel_id"`
	ChannelName  string     `json:"channel_name"`
	Platform     string     `json:"platform"`
	IsLive       bool       `json:"is_live"`
	StreamID     string     `json:"stream_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Uptime       int64      `json:"uptime_seconds"`
	ViewerCount  *int64     `json:"viewer_count"`
	Category     *string    `json:"category"`
	Title        *string    `json:"title"`
	ChatRate1Min int64      `json:"chat_rate_1min"`
	ChatRate5Sec int64      `json:"chat_rate_5s"`
	Flags        Flags      `json:"flags"`
	Degraded     bool       `json:"degraded"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Monitor struct {
	src         Source
	log         *zap.Logger
	obs         Observer
	now         func() time.Time
	timeout     time.Duration
	concurrency int
	thresholds  atomic.Pointer[Thresholds]
}

func New(src Source, opts Options) *Monitor {
	m := &Monitor{
		src:         src,
		log:         opts.Logger,
		obs:         opts.Observer,
		now:         opts.Clock,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.obs == nil {
		m.obs = nopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultConcurrency
	}
	th := DefaultThresholds()
	if opts.Thresholds != nil {
		th = *opts.Thresholds
	}
	m.thresholds.Store(&th)
	return m
}

// Thresholds returns the thresholds in effect.
func (m *Monitor) Thresholds() Thresholds { return *m.thresholds.Load() }

// SetThresholds swaps the detector thresholds. Snapshots already in flight
// keep the values they started with.
func (m *Monitor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.thresholds.Store(&t)
	m.log.Info("multiview: thresholds updated",
		zap.Float64("viewer_spike_ratio", t.ViewerSpikeRatio),
		zap.Float64("chat_spike_ratio", t.ChatSpikeRatio),
	)
	return nil
}

// Snapshot returns one entry per requested channel, in request order.
func (m *Monitor) Snapshot(ctx context.Context, channelIDs []int64) ([]ChannelStats, error) {
	if len(channelIDs) > MaxChannels {
		return nil, core.Invalid("channel_ids", "too many channels")
	}
	for _, id := range channelIDs {
		if id <= 0 {
			return nil, core.Invalid("channel_ids", "must be positive")
		}
	}

	start := time.Now()
	th := m.Thresholds()
	now := m.now().UTC()
	out := make([]ChannelStats, len(channelIDs))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, id := range channelIDs {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			st, err := m.channel(cctx, id, now, th)
			if err != nil {
				st = m.degraded(id, now, err)
			}
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()

	m.obs.ObserveSnapshot(time.Since(start), len(channelIDs))
	return out, nil
}

func (m *Monitor) degraded(id int64, now time.Time, err error) ChannelStats {
	reason := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, context.Canceled):
		reason = "canceled"
	case core.IsNotFound(err):
		reason = "not_found"
	}
	m.obs.SnapshotDegraded(reason)
	m.log.Warn("multiview: degraded snapshot",
		zap.Int64("channel_id", id),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return ChannelStats{
		ChannelID: id,
		Degraded:  true,
		Error:     err.Error(),
		UpdatedAt: now,
	}
}

func (m *Monitor) channel(ctx context.Context, id int64, now time.Time, th Thresholds) (ChannelStats, error) {
	ch, err := m.src.GetChannel(ctx, id)
	if err != nil {
		return ChannelStats{}, err
	}
	st := ChannelStats{
		ChannelID:   id,
		ChannelName: ch.DisplayName,
		Platform:    ch.Platform,
		UpdatedAt:   now,
	}
	if st.ChannelName == "" {
		st.ChannelName = ch.ChannelName
	}

	stream, err := m.src.OpenStream(ctx, id)
	if err != nil {
		return ChannelStats{}, err
	}
	if stream == nil {
		return st, nil
	}
	st.IsLive = true
	st.StreamID = stream.StreamID
	started := stream.StartedAt
	st.StartedAt = &started
	if up := now.Sub(started); up > 0 {
		st.Uptime = int64(up / time.Second)
	}

	latest, err := m.src.LatestSample(ctx, id)
	if err != nil {
		return ChannelStats{}, err
	}
	if latest != nil {
		st.ViewerCount = latest.ViewerCount
		st.Category = latest.Category
		st.Title = latest.Title
	}
	if st.Title == nil && stream.Title != "" {
		st.Title = core.String(stream.Title)
	}
	if st.Category == nil && stream.Category != "" {
		st.Category = core.String(stream.Category)
	}

	if st.ChatRate1Min, err = m.src.ChatCountBetween(ctx, id, now.Add(-th.ChatWindow), now); err != nil {
		return ChannelStats{}, err
	}
	if st.ChatRate5Sec, err = m.src.ChatCountBetween(ctx, id, now.Add(-th.BurstWindow), now); err != nil {
		return ChannelStats{}, err
	}

	from, to := now.Add(-th.BaselineFrom), now.Add(-th.BaselineTo)
	baseline, err := m.src.QuerySamples(ctx, core.Filter{ChannelID: &id, Start: &from, End: &to}, true)
	if err != nil {
		return ChannelStats{}, err
	}
	viewers, viewersOK := meanViewers(baseline)
	chat, chatOK := meanChatRate(baseline)
	if st.ViewerCount != nil {
		st.Flags.ViewerSpike = th.ViewerSpike(*st.ViewerCount, viewers, viewersOK)
	}
	st.Flags.ChatSpike = th.ChatSpike(st.ChatRate1Min, chat, chatOK)

	recent, err := m.src.RecentCategories(ctx, id, 2)
	if err != nil {
		return ChannelStats{}, err
	}
	st.Flags.CategoryChange = CategoryChanged(recent)
	return st, nil
}

func meanViewers(samples []core.Sample) (float64, bool) {
	var sum float64
	var n int
	for _, s := range samples {
		if s.ViewerCount == nil {
			continue
		}
		sum += float64(*s.ViewerCount)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func meanChatRate(samples []core.Sample) (float64, bool) {
	var sum float64
	var n int
	for _, s := range samples {
		if s.ChatRate1Min == nil {
			continue
		}
		sum += float64(*s.ChatRate1Min)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
