package multiview

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/store"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

type fakeChannel struct {
	channel  core.Channel
	stream   *core.Stream
	latest   *core.Sample
	chat1m   int64
	chat5s   int64
	baseline []core.Sample
	recent   []string
	err      error
	block    bool
}

type fakeSource struct {
	channels map[int64]*fakeChannel

	mu       sync.Mutex
	lastFrom time.Time
	lastTo   time.Time
}

func (f *fakeSource) get(ctx context.Context, id int64) (*fakeChannel, error) {
	c, ok := f.channels[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "channel", ID: "x"}
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

func (f *fakeSource) GetChannel(ctx context.Context, id int64) (core.Channel, error) {
	c, err := f.get(ctx, id)
	if err != nil {
		return core.Channel{}, err
	}
	return c.channel, nil
}

func (f *fakeSource) OpenStream(ctx context.Context, id int64) (*core.Stream, error) {
	c, err := f.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.stream, nil
}

func (f *fakeSource) LatestSample(ctx context.Context, id int64) (*core.Sample, error) {
	c, err := f.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.latest, nil
}

func (f *fakeSource) ChatCountBetween(ctx context.Context, id int64, from, to time.Time) (int64, error) {
	c, err := f.get(ctx, id)
	if err != nil {
		return 0, err
	}
	if to.Sub(from) == 5*time.Second {
		return c.chat5s, nil
	}
	return c.chat1m, nil
}

func (f *fakeSource) QuerySamples(ctx context.Context, flt core.Filter, _ bool) ([]core.Sample, error) {
	c, err := f.get(ctx, *flt.ChannelID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.lastFrom, f.lastTo = *flt.Start, *flt.End
	f.mu.Unlock()
	return c.baseline, nil
}

func (f *fakeSource) RecentCategories(ctx context.Context, id int64, n int) ([]string, error) {
	c, err := f.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(c.recent) > n {
		return c.recent[:n], nil
	}
	return c.recent, nil
}

type countingObserver struct {
	mu       sync.Mutex
	reasons  []string
	observed int
}

func (o *countingObserver) ObserveSnapshot(time.Duration, int) {
	o.mu.Lock()
	o.observed++
	o.mu.Unlock()
}

func (o *countingObserver) SnapshotDegraded(reason string) {
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
}

func baselineSamples(viewers []int64, chat []int64) []core.Sample {
	out := make([]core.Sample, len(viewers))
	for i := range viewers {
		out[i] = core.Sample{
			CollectedAt:  now.Add(-time.Duration(9-i) * time.Minute),
			ViewerCount:  core.Int64(viewers[i]),
			ChatRate1Min: core.Int64(chat[i]),
		}
	}
	return out
}

func liveChannel(name string) *fakeChannel {
	return &fakeChannel{
		channel: core.Channel{Platform: core.PlatformTwitch, ChannelName: name},
		stream:  &core.Stream{StreamID: "s-" + name, Title: "title", Category: "g1", StartedAt: now.Add(-time.Hour)},
		latest:  &core.Sample{ViewerCount: core.Int64(100), Category: core.String("g1"), Title: core.String("latest")},
	}
}

func TestSnapshotPreservesOrderAndLength(t *testing.T) {
	obs := &countingObserver{}
	src := &fakeSource{channels: map[int64]*fakeChannel{
		1: liveChannel("alice"),
		2: {channel: core.Channel{ChannelName: "bob", DisplayName: "Bob"}},
		3: {err: core.NewStorageError("open stream", errors.New("disk I/O error"))},
	}}
	m := New(src, Options{Clock: fixedClock, Observer: obs})

	ids := []int64{3, 2, 99, 1}
	out, err := m.Snapshot(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, out, len(ids))
	for i, id := range ids {
		require.Equal(t, id, out[i].ChannelID)
	}

	require.True(t, out[0].Degraded)
	require.Contains(t, out[0].Error, "disk I/O error")

	require.False(t, out[1].IsLive)
	require.False(t, out[1].Degraded)
	require.Equal(t, "Bob", out[1].ChannelName)
	require.Nil(t, out[1].ViewerCount)

	require.True(t, out[2].Degraded)

	live := out[3]
	require.True(t, live.IsLive)
	require.Equal(t, "alice", live.ChannelName)
	require.Equal(t, "s-alice", live.StreamID)
	require.Equal(t, int64(3600), live.Uptime)
	require.Equal(t, int64(100), *live.ViewerCount)
	require.Equal(t, "latest", *live.Title)
	require.Equal(t, now, live.UpdatedAt)

	require.ElementsMatch(t, []string{"error", "not_found"}, obs.reasons)
	require.Equal(t, 1, obs.observed)
}

func TestSnapshotEmptyAndInvalid(t *testing.T) {
	m := New(&fakeSource{}, Options{Clock: fixedClock})

	out, err := m.Snapshot(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = m.Snapshot(context.Background(), []int64{1, 0})
	require.True(t, core.IsInvalidInput(err))

	_, err = m.Snapshot(context.Background(), make([]int64, MaxChannels+1))
	require.True(t, core.IsInvalidInput(err))
}

func TestSnapshotFlags(t *testing.T) {
	spiking := liveChannel("spike")
	spiking.latest.ViewerCount = core.Int64(250)
	spiking.baseline = baselineSamples([]int64{100, 100}, []int64{4, 6})
	spiking.chat1m = 10
	spiking.chat5s = 3
	spiking.recent = []string{"g2", "g1"}

	calm := liveChannel("calm")
	calm.latest.ViewerCount = core.Int64(140)
	calm.baseline = baselineSamples([]int64{100, 100}, []int64{4, 6})
	calm.chat1m = 9
	calm.recent = []string{"g1", "g1"}

	quiet := liveChannel("quiet")
	quiet.baseline = baselineSamples([]int64{100}, []int64{0})
	quiet.chat1m = 2

	nobase := liveChannel("nobase")
	nobase.latest.ViewerCount = core.Int64(100000)
	nobase.chat1m = 500
	nobase.recent = []string{"g1"}

	src := &fakeSource{channels: map[int64]*fakeChannel{1: spiking, 2: calm, 3: quiet, 4: nobase}}
	m := New(src, Options{Clock: fixedClock})

	out, err := m.Snapshot(context.Background(), []int64{1, 2, 3, 4})
	require.NoError(t, err)

	require.Equal(t, Flags{ViewerSpike: true, ChatSpike: true, CategoryChange: true}, out[0].Flags)
	require.Equal(t, int64(10), out[0].ChatRate1Min)
	require.Equal(t, int64(3), out[0].ChatRate5Sec)

	require.Equal(t, Flags{}, out[1].Flags)
	require.Equal(t, Flags{ChatSpike: true}, out[2].Flags)
	require.Equal(t, Flags{}, out[3].Flags)

	require.Equal(t, now.Add(-10*time.Minute), src.lastFrom)
	require.Equal(t, now.Add(-2*time.Minute), src.lastTo)
}

func TestSnapshotTimeoutIsolatesChannel(t *testing.T) {
	obs := &countingObserver{}
	src := &fakeSource{channels: map[int64]*fakeChannel{
		1: {block: true},
		2: liveChannel("ok"),
	}}
	m := New(src, Options{Clock: fixedClock, Timeout: 20 * time.Millisecond, Concurrency: 2, Observer: obs})

	out, err := m.Snapshot(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.True(t, out[0].Degraded)
	require.False(t, out[1].Degraded)
	require.True(t, out[1].IsLive)
	require.Equal(t, []string{"timeout"}, obs.reasons)
}

func TestThresholdDetectors(t *testing.T) {
	th := DefaultThresholds()

	require.False(t, th.ViewerSpike(1000, 0, false))
	require.True(t, th.ViewerSpike(150, 0, true))
	require.False(t, th.ViewerSpike(99, 0, true))
	require.False(t, th.ViewerSpike(10500, 10000, true))
	require.False(t, th.ViewerSpike(149, 99, true))
	require.True(t, th.ViewerSpike(300, 200, true))

	require.False(t, th.ChatSpike(100, 0, false))
	require.True(t, th.ChatSpike(2, 0.5, true))
	require.False(t, th.ChatSpike(1, 0.5, true))
	require.True(t, th.ChatSpike(2, 1, true))
	require.False(t, th.ChatSpike(19, 10, true))
	require.True(t, th.ChatSpike(20, 10, true))

	require.False(t, CategoryChanged(nil))
	require.False(t, CategoryChanged([]string{"a"}))
	require.False(t, CategoryChanged([]string{"a", "a"}))
	require.True(t, CategoryChanged([]string{"b", "a"}))
}

func TestSetThresholds(t *testing.T) {
	m := New(&fakeSource{}, Options{})
	require.Equal(t, DefaultThresholds(), m.Thresholds())

	bad := DefaultThresholds()
	bad.BaselineFrom = bad.BaselineTo
	require.True(t, core.IsInvalidInput(m.SetThresholds(bad)))
	require.Equal(t, DefaultThresholds(), m.Thresholds())

	next := DefaultThresholds()
	next.ViewerSpikeMinDelta = 10
	require.NoError(t, m.SetThresholds(next))
	require.Equal(t, 10.0, m.Thresholds().ViewerSpikeMinDelta)
}

func TestMonitorOnStore(t *testing.T) {
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "stats.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	live, err := s.UpsertChannel(ctx, core.Channel{Platform: core.PlatformTwitch, ChannelID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	offline, err := s.UpsertChannel(ctx, core.Channel{Platform: core.PlatformYouTube, ChannelID: "UCbob", ChannelName: "bob"})
	require.NoError(t, err)

	sid, err := s.UpsertStream(ctx, core.Stream{ChannelID: live, StreamID: "s1", Category: "g1", StartedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	for i, v := range []int64{100, 100, 100} {
		_, err := s.RecordSample(ctx, core.Sample{
			StreamID: &sid, CollectedAt: now.Add(time.Duration(i-8) * time.Minute),
			ViewerCount: core.Int64(v), Category: core.String("g1"),
		})
		require.NoError(t, err)
	}
	_, err = s.RecordSample(ctx, core.Sample{
		StreamID: &sid, CollectedAt: now.Add(-30 * time.Second),
		ViewerCount: core.Int64(400), Category: core.String("g2"),
	})
	require.NoError(t, err)

	msgs := make([]core.ChatMessage, 0, 3)
	for _, ago := range []time.Duration{50 * time.Second, 20 * time.Second, 2 * time.Second} {
		msgs = append(msgs, core.ChatMessage{
			ChannelID: live, Timestamp: now.Add(-ago), Platform: core.PlatformTwitch, UserID: "u", UserName: "u", Message: "hi",
		})
	}
	require.NoError(t, s.RecordChatMessagesBatch(ctx, msgs))

	m := New(s, Options{Clock: fixedClock})
	out, err := m.Snapshot(ctx, []int64{offline, live})
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.False(t, out[0].IsLive)
	require.Equal(t, "bob", out[0].ChannelName)

	st := out[1]
	require.True(t, st.IsLive)
	require.Equal(t, "Alice", st.ChannelName)
	require.Equal(t, int64(400), *st.ViewerCount)
	require.Equal(t, "g2", *st.Category)
	require.Equal(t, int64(3), st.ChatRate1Min)
	require.Equal(t, int64(1), st.ChatRate5Sec)
	require.Equal(t, Flags{ViewerSpike: true, ChatSpike: true, CategoryChange: true}, st.Flags)
}
