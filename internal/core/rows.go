package core

import "time"

// Grouped rows the store hands to the analytics engines. They carry no
// derived metrics; the engines own the math.

// ChannelDay keys a per-channel, per-UTC-date rollup. Day is "2006-01-02".
type ChannelDay struct {
	ChannelID int64
	Day       string
}

// BucketCount is the number of events in [Start, Start+width).
type BucketCount struct {
	Start time.Time
	Count int64
}

// BucketAverage is the mean of a value over [Start, Start+width).
type BucketAverage struct {
	Start   time.Time
	Average float64
}

// BadgeCount is the message count of one (user, badge set) pairing.
type BadgeCount struct {
	UserID   string
	Badges   BadgeSet
	Messages int64
}

// ChatterSummary is one user's activity within a filter.
type ChatterSummary struct {
	UserID      string
	UserName    string
	DisplayName string
	Badges      BadgeSet // latest non-null badge set, nil if never known
	Messages    int64
	Streams     int64
	FirstSeen   time.Time
	LastSeen    time.Time
}

// ChatterActivity is the participation of one user.
type ChatterActivity struct {
	UserID   string
	Messages int64
	Streams  int64
}

// HourCount is a message count for an hour of day. DayOfWeek is -1 when the
// query did not split by weekday (0 is Sunday).
type HourCount struct {
	DayOfWeek int
	Hour      int
	Count     int64
}

// HourAverage is a mean viewer count keyed like HourCount.
type HourAverage struct {
	DayOfWeek int
	Hour      int
	Average   float64
}
