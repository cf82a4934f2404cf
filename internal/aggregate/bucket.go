package aggregate

import (
	"sort"
	"time"

	"github.com/you/streamstats/internal/core"
)

// Common bucket widths in minutes.
const (
	OneMinute   = 1
	FiveMinutes = 5
	OneHour     = 60
)

// Bucket is the rollup of the samples whose collection minute falls in
// [Start, Start+interval). Viewer stats ignore samples without a viewer
// count and are nil when none had one.
type Bucket struct {
	Start          time.Time `json:"bucket_start"`
	AvgViewerCount *float64  `json:"avg_viewer_count"`
	MinViewerCount *int64    `json:"min_viewer_count"`
	MaxViewerCount *int64    `json:"max_viewer_count"`
	AvgChatRate    *float64  `json:"avg_chat_rate"`
	DataPoints     int       `json:"data_points"`
}

type bucketAcc struct {
	start                  int64 // epoch minutes
	viewerSum, viewerCount int64
	min, max               int64
	chatSum, chatCount     int64
	points                 int
}

// Aggregate groups samples into fixed buckets of intervalMinutes. The bucket
// start is floor(epoch_minute / interval) * interval in UTC. Only buckets
// holding at least one sample are returned, oldest first.
func Aggregate(samples []core.Sample, intervalMinutes int) ([]Bucket, error) {
	if intervalMinutes <= 0 {
		return nil, core.Invalid("interval_minutes", "must be positive")
	}
	width := int64(intervalMinutes)
	accs := make(map[int64]*bucketAcc)
	for _, s := range samples {
		start := floorDiv(epochMinute(s.CollectedAt), width) * width
		acc, ok := accs[start]
		if !ok {
			acc = &bucketAcc{start: start}
			accs[start] = acc
		}
		acc.points++
		if v := s.ViewerCount; v != nil {
			if acc.viewerCount == 0 || *v < acc.min {
				acc.min = *v
			}
			if acc.viewerCount == 0 || *v > acc.max {
				acc.max = *v
			}
			acc.viewerSum += *v
			acc.viewerCount++
		}
		if r := s.ChatRate1Min; r != nil {
			acc.chatSum += *r
			acc.chatCount++
		}
	}

	out := make([]Bucket, 0, len(accs))
	for _, acc := range accs {
		b := Bucket{
			Start:      time.Unix(acc.start*60, 0).UTC(),
			DataPoints: acc.points,
		}
		if acc.viewerCount > 0 {
			avg := float64(acc.viewerSum) / float64(acc.viewerCount)
			lo, hi := acc.min, acc.max
			b.AvgViewerCount, b.MinViewerCount, b.MaxViewerCount = &avg, &lo, &hi
		}
		if acc.chatCount > 0 {
			avg := float64(acc.chatSum) / float64(acc.chatCount)
			b.AvgChatRate = &avg
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func epochMinute(t time.Time) int64 {
	return floorDiv(t.Unix(), 60)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
