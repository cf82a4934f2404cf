// Package interval turns irregularly spaced samples into the number of
// minutes each sample stands for. Every "watched" metric weights viewer
// counts by these minutes.
package interval

import (
	"sort"
	"strconv"

	"github.com/you/streamstats/internal/core"
)

// FallbackMinutes is the weight of a sample with no usable gap: the last
// sample of a partition, or one whose gap is zero or negative.
const FallbackMinutes = 1.0

// Interval is one sample with its time weight.
type Interval struct {
	Sample core.Sample
	// RawMinutes is the gap to the next sample of the same partition, nil
	// for the last one. Kept as measured, including non-positive values.
	RawMinutes *float64
	// Minutes is RawMinutes, or FallbackMinutes when that is nil or <= 0.
	Minutes float64
}

// PartitionKey groups samples of one session. Samples not linked to a
// session fall back to channel plus UTC date so that unrelated sessions of
// a channel on different days never merge.
func PartitionKey(s core.Sample) string {
	if s.StreamID != nil {
		return "s:" + strconv.FormatInt(*s.StreamID, 10)
	}
	ch := "-"
	if s.ChannelID != nil {
		ch = strconv.FormatInt(*s.ChannelID, 10)
	}
	return "c:" + ch + ":" + s.CollectedAt.UTC().Format("2006-01-02")
}

// Normalize computes the interval of every sample. The result is in input
// order; each partition is ordered by collection time (then id) internally.
func Normalize(samples []core.Sample) []Interval {
	out := make([]Interval, len(samples))
	parts := make(map[string][]int)
	for i, s := range samples {
		out[i] = Interval{Sample: s, Minutes: FallbackMinutes}
		key := PartitionKey(s)
		parts[key] = append(parts[key], i)
	}

	for _, idx := range parts {
		sort.SliceStable(idx, func(a, b int) bool {
			sa, sb := samples[idx[a]], samples[idx[b]]
			if !sa.CollectedAt.Equal(sb.CollectedAt) {
				return sa.CollectedAt.Before(sb.CollectedAt)
			}
			return sa.ID < sb.ID
		})
		for n := 0; n+1 < len(idx); n++ {
			cur, next := idx[n], idx[n+1]
			raw := samples[next].CollectedAt.Sub(samples[cur].CollectedAt).Minutes()
			out[cur].RawMinutes = &raw
			if raw > 0 {
				out[cur].Minutes = raw
			}
		}
	}
	return out
}

// Sums are the interval-weighted totals over a set of samples.
type Sums struct {
	MinutesWatched   float64 // sum of viewers x minutes
	MinutesBroadcast float64 // sum of minutes
	ViewerTotal      int64   // sum of non-null viewer counts
	ViewerSamples    int64   // samples with a viewer count
	PeakViewers      int64
	Samples          int64
}

// Add folds one interval into the sums. A null viewer count contributes
// broadcast time but no watched minutes.
func (s *Sums) Add(iv Interval) {
	s.Samples++
	s.MinutesBroadcast += iv.Minutes
	if v := iv.Sample.ViewerCount; v != nil {
		s.MinutesWatched += float64(*v) * iv.Minutes
		s.ViewerTotal += *v
		s.ViewerSamples++
		if *v > s.PeakViewers {
			s.PeakViewers = *v
		}
	}
}

// HoursBroadcast is MinutesBroadcast / 60.
func (s Sums) HoursBroadcast() float64 { return s.MinutesBroadcast / 60 }

// AverageViewers is the unweighted mean of the non-null viewer counts, 0
// when there are none.
func (s Sums) AverageViewers() float64 {
	if s.ViewerSamples == 0 {
		return 0
	}
	return float64(s.ViewerTotal) / float64(s.ViewerSamples)
}

// EngagementRate is chat messages per 1000 viewer-minutes, 0 when nothing
// was watched.
func EngagementRate(messages int64, minutesWatched float64) float64 {
	if minutesWatched <= 0 {
		return 0
	}
	return float64(messages) / minutesWatched * 1000
}
