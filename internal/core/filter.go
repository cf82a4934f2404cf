package core

import "time"

// Filter is the shared filter shape accepted by every query. Nil fields
// impose no constraint; Start and End are inclusive.
type Filter struct {
	ChannelID *int64
	StreamID  *int64
	GameID    *string
	Start     *time.Time
	End       *time.Time
}

// Validate rejects filters that can never match.
func (f Filter) Validate() error {
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return Invalid("end", "end is before start")
	}
	if f.ChannelID != nil && *f.ChannelID <= 0 {
		return Invalid("channel_id", "must be positive")
	}
	if f.StreamID != nil && *f.StreamID <= 0 {
		return Invalid("stream_id", "must be positive")
	}
	if f.GameID != nil && *f.GameID == "" {
		return Invalid("game_id", "must not be empty")
	}
	return nil
}

// ForChannel returns a copy of f restricted to one channel.
func (f Filter) ForChannel(id int64) Filter {
	f.ChannelID = &id
	return f
}
