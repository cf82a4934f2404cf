package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/streamstats/internal/core"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sample(id int64, stream, channel *int64, offset time.Duration, viewers *int64) core.Sample {
	return core.Sample{ID: id, StreamID: stream, ChannelID: channel, CollectedAt: base.Add(offset), ViewerCount: viewers}
}

func TestNormalizeLastSampleFallsBack(t *testing.T) {
	s1 := core.Int64(1)
	in := []core.Sample{
		sample(3, s1, nil, 5*time.Minute, core.Int64(30)),
		sample(1, s1, nil, 0, core.Int64(10)),
		sample(2, s1, nil, 2*time.Minute, core.Int64(20)),
	}
	out := Normalize(in)
	require.Len(t, out, 3)

	// input order is preserved
	require.Equal(t, int64(3), out[0].Sample.ID)
	require.Nil(t, out[0].RawMinutes)
	require.Equal(t, FallbackMinutes, out[0].Minutes)

	require.NotNil(t, out[1].RawMinutes)
	require.InDelta(t, 2.0, *out[1].RawMinutes, 1e-9)
	require.InDelta(t, 2.0, out[1].Minutes, 1e-9)
	require.InDelta(t, 3.0, out[2].Minutes, 1e-9)
}

func TestNormalizeSingleSamplePartitions(t *testing.T) {
	out := Normalize([]core.Sample{
		sample(1, core.Int64(1), nil, 0, nil),
		sample(2, core.Int64(2), nil, time.Minute, nil),
	})
	for _, iv := range out {
		require.Nil(t, iv.RawMinutes)
		require.Equal(t, 1.0, iv.Minutes)
	}
}

func TestNormalizeUnlinkedSamplesSplitByDay(t *testing.T) {
	ch := core.Int64(7)
	late := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	out := Normalize([]core.Sample{
		{ID: 1, ChannelID: ch, CollectedAt: late},
		{ID: 2, ChannelID: ch, CollectedAt: late.Add(2 * time.Minute)},
	})
	// The samples straddle midnight and must not be joined.
	require.Nil(t, out[0].RawMinutes)
	require.Equal(t, 1.0, out[0].Minutes)
	require.NotEqual(t, PartitionKey(out[0].Sample), PartitionKey(out[1].Sample))
}

func TestNormalizeNonPositiveGapUsesFallback(t *testing.T) {
	s1 := core.Int64(1)
	out := Normalize([]core.Sample{
		sample(1, s1, nil, 0, nil),
		sample(2, s1, nil, 0, nil),
	})
	require.NotNil(t, out[0].RawMinutes)
	require.Equal(t, 0.0, *out[0].RawMinutes)
	require.Equal(t, FallbackMinutes, out[0].Minutes)
	require.Equal(t, FallbackMinutes, out[1].Minutes)
}

func TestNormalizeEmpty(t *testing.T) {
	require.Empty(t, Normalize(nil))
}

func TestSums(t *testing.T) {
	s1 := core.Int64(1)
	var sums Sums
	for _, iv := range Normalize([]core.Sample{
		sample(1, s1, nil, 0, core.Int64(100)),
		sample(2, s1, nil, 2*time.Minute, nil),
		sample(3, s1, nil, 3*time.Minute, core.Int64(50)),
	}) {
		sums.Add(iv)
	}
	// 100*2 + 50*1 (last sample)
	require.InDelta(t, 250.0, sums.MinutesWatched, 1e-9)
	require.InDelta(t, 4.0, sums.MinutesBroadcast, 1e-9)
	require.InDelta(t, 4.0/60, sums.HoursBroadcast(), 1e-9)
	require.InDelta(t, 75.0, sums.AverageViewers(), 1e-9)
	require.Equal(t, int64(100), sums.PeakViewers)
	require.Equal(t, int64(3), sums.Samples)
}

func TestEngagementRate(t *testing.T) {
	require.Equal(t, 0.0, EngagementRate(50, 0))
	require.InDelta(t, 20.0, EngagementRate(50, 2500), 1e-9)
}
