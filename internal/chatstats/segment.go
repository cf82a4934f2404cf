package chatstats

import "github.com/you/streamstats/internal/core"

// Segment is a user class derived from badges.
type Segment string

const (
	SegmentBroadcaster Segment = "broadcaster"
	SegmentModerator   Segment = "moderator"
	SegmentVIP         Segment = "vip"
	SegmentSubscriber  Segment = "subscriber"
	SegmentRegular     Segment = "regular"
)

// Segments lists every segment in precedence order.
var Segments = []Segment{SegmentBroadcaster, SegmentModerator, SegmentVIP, SegmentSubscriber, SegmentRegular}

// Classify maps a badge set to exactly one segment, highest precedence
// first. Unknown or empty sets are regular.
func Classify(b core.BadgeSet) Segment {
	switch {
	case b.Has(core.BadgeBroadcaster):
		return SegmentBroadcaster
	case b.Has(core.BadgeModerator):
		return SegmentModerator
	case b.Has(core.BadgeVIP):
		return SegmentVIP
	case b.Has(core.BadgeSubscriber):
		return SegmentSubscriber
	default:
		return SegmentRegular
	}
}
