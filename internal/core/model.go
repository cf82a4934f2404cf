package core

import (
	"strings"
	"time"
)

// Platform names as stored in the channels and chat_messages tables.
const (
	PlatformTwitch  = "twitch"
	PlatformYouTube = "youtube"
)

// Message types carried by ChatMessage.MessageType.
const (
	MessageNormal     = "normal"
	MessageSuperchat  = "superchat"
	MessageSponsor    = "sponsor"
	MessageFanFunding = "fanfunding"
)

// Channel is a monitored entity on a platform. (Platform, ChannelID) is unique.
type Channel struct {
	ID               int64
	Platform         string
	ChannelID        string // platform-native id or login
	ChannelName      string
	DisplayName      string
	PlatformUserID   string // immutable, unlike the login
	Enabled          bool
	PollInterval     int // seconds
	IsAutoDiscovered bool
	DiscoveredAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Stream is one continuous broadcast. EndedAt is nil while live.
type Stream struct {
	ID        int64
	ChannelID int64
	StreamID  string // platform-native stream id
	Title     string
	Category  string // game/category id
	StartedAt time.Time
	EndedAt   *time.Time
}

// Live reports whether the session has not been closed yet.
func (s Stream) Live() bool { return s.EndedAt == nil }

// Sample is one poll observation (a stream_stats row). Append-only.
type Sample struct {
	ID            int64
	StreamID      *int64 // nil until session linkage resolves
	ChannelID     *int64
	CollectedAt   time.Time
	ViewerCount   *int64
	Category      *string
	Title         *string
	FollowerCount *int64

	// ChatRate1Min is derived at read time: chat messages of the channel in
	// the minute before CollectedAt. Nil when the query did not compute it.
	ChatRate1Min *int64
}

// ChatMessage is one chat event. Append-only.
type ChatMessage struct {
	ID          int64
	ChannelID   int64
	StreamID    *int64
	Timestamp   time.Time
	Platform    string
	UserID      string // stable id
	UserName    string // mutable login
	DisplayName string
	Message     string
	MessageType string
	Badges      BadgeSet // nil means unknown, empty means known to have none
	BadgeInfo   string
}

// Validate checks the fields every stored message needs.
func (m ChatMessage) Validate() error {
	switch {
	case m.ChannelID <= 0:
		return Invalid("channel_id", "must be positive")
	case strings.TrimSpace(m.UserID) == "":
		return Invalid("user_id", "required")
	case strings.TrimSpace(m.Platform) == "":
		return Invalid("platform", "required")
	case m.Timestamp.IsZero():
		return Invalid("timestamp", "required")
	}
	return nil
}

// GameCategory caches display metadata for a platform category id.
type GameCategory struct {
	GameID      string
	GameName    string
	BoxArtURL   string
	LastUpdated time.Time
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Time returns a pointer to v.
func Time(v time.Time) *time.Time { return &v }
