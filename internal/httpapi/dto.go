package httpapi

import (
	"time"

	"github.com/you/streamstats/internal/core"
)

type channelResponse struct {
	ID               int64      `json:"id"`
	Platform         string     `json:"platform"`
	ChannelID        string     `json:"channel_id"`
	ChannelName      string     `json:"channel_name"`
	DisplayName      string     `json:"display_name,omitempty"`
	PlatformUserID   string     `json:"platform_user_id,omitempty"`
	Enabled          bool       `json:"enabled"`
	PollInterval     int        `json:"poll_interval"`
	IsAutoDiscovered bool       `json:"is_auto_discovered"`
	DiscoveredAt     *time.Time `json:"discovered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func newChannelResponse(ch core.Channel) channelResponse {
	return channelResponse{
		ID:               ch.ID,
		Platform:         ch.Platform,
		ChannelID:        ch.ChannelID,
		ChannelName:      ch.ChannelName,
		DisplayName:      ch.DisplayName,
		PlatformUserID:   ch.PlatformUserID,
		Enabled:          ch.Enabled,
		PollInterval:     ch.PollInterval,
		IsAutoDiscovered: ch.IsAutoDiscovered,
		DiscoveredAt:     ch.DiscoveredAt,
		CreatedAt:        ch.CreatedAt,
		UpdatedAt:        ch.UpdatedAt,
	}
}

type chatMessageResponse struct {
	ID          int64     `json:"id"`
	ChannelID   int64     `json:"channel_id"`
	StreamID    *int64    `json:"stream_id"`
	Timestamp   time.Time `json:"timestamp"`
	Platform    string    `json:"platform"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	DisplayName string    `json:"display_name,omitempty"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	Badges      []string  `json:"badges"`
	BadgeInfo   string    `json:"badge_info,omitempty"`
}

func newChatMessageResponse(m core.ChatMessage) chatMessageResponse {
	return chatMessageResponse{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		StreamID:    m.StreamID,
		Timestamp:   m.Timestamp,
		Platform:    m.Platform,
		UserID:      m.UserID,
		UserName:    m.UserName,
		DisplayName: m.DisplayName,
		Message:     m.Message,
		MessageType: m.MessageType,
		Badges:      m.Badges,
		BadgeInfo:   m.BadgeInfo,
	}
}

type channelRequest struct {
	Platform         string     `json:"platform"`
	ChannelID        string     `json:"channel_id"`
	ChannelName      string     `json:"channel_name"`
	DisplayName      string     `json:"display_name"`
	PlatformUserID   string     `json:"platform_user_id"`
	Enabled          *bool      `json:"enabled"`
	PollInterval     int        `json:"poll_interval"`
	IsAutoDiscovered bool       `json:"is_auto_discovered"`
	DiscoveredAt     *time.Time `json:"discovered_at"`
}

func (c channelRequest) channel() core.Channel {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return core.Channel{
		Platform:         c.Platform,
		ChannelID:        c.ChannelID,
		ChannelName:      c.ChannelName,
		DisplayName:      c.DisplayName,
		PlatformUserID:   c.PlatformUserID,
		Enabled:          enabled,
		PollInterval:     c.PollInterval,
		IsAutoDiscovered: c.IsAutoDiscovered,
		DiscoveredAt:     c.DiscoveredAt,
	}
}

type categoryRequest struct {
	GameID    string `json:"game_id"`
	GameName  string `json:"game_name"`
	BoxArtURL string `json:"box_art_url"`
}

type streamRequest struct {
	ChannelID int64      `json:"channel_id"`
	StreamID  string     `json:"stream_id"`
	Title     string     `json:"title"`
	Category  string     `json:"category"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

type endStreamRequest struct {
	EndedAt *time.Time `json:"ended_at"`
}

type sampleRequest struct {
	StreamRef     *int64     `json:"stream_ref"`
	ChannelID     *int64     `json:"channel_id"`
	CollectedAt   *time.Time `json:"collected_at"`
	ViewerCount   *int64     `json:"viewer_count"`
	Category      *string    `json:"category"`
	Title         *string    `json:"title"`
	FollowerCount *int64     `json:"follower_count"`
}

type chatMessageRequest struct {
	ChannelID   int64     `json:"channel_id"`
	StreamRef   *int64    `json:"stream_ref"`
	Timestamp   time.Time `json:"timestamp"`
	Platform    string    `json:"platform"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	DisplayName string    `json:"display_name"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	// Badges may be given as a list or as raw Twitch tags in TwitchBadges
	// and TwitchBadgeInfo. Omitting both records the badges as unknown.
	Badges          []string `json:"badges"`
	BadgeInfo       string   `json:"badge_info"`
	TwitchBadges    string   `json:"twitch_badges"`
	TwitchBadgeInfo string   `json:"twitch_badge_info"`
}

func (m chatMessageRequest) message() core.ChatMessage {
	msg := core.ChatMessage{
		ChannelID:   m.ChannelID,
		StreamID:    m.StreamRef,
		Timestamp:   m.Timestamp.UTC(),
		Platform:    m.Platform,
		UserID:      m.UserID,
		UserName:    m.UserName,
		DisplayName: m.DisplayName,
		Message:     m.Message,
		MessageType: m.MessageType,
		BadgeInfo:   m.BadgeInfo,
	}
	switch {
	case m.Badges != nil:
		msg.Badges = core.NewBadgeSet(m.Badges...)
	case m.TwitchBadges != "" || m.TwitchBadgeInfo != "":
		msg.Badges, msg.BadgeInfo = core.ParseTwitchBadges(m.TwitchBadges, m.TwitchBadgeInfo)
	}
	return msg
}

type chatBatchRequest struct {
	Messages []chatMessageRequest `json:"messages"`
}
