package httpapi

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/streamstats/internal/core"
)

func TestParseFilter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	f, err := ParseFilter(url.Values{
		"channel_id": {"7"},
		"game_id":    {" g1 "},
		"start":      {"2h"},
		"end":        {"2024-03-01T11:30:00+01:00"},
	}, now)
	require.NoError(t, err)
	require.Equal(t, int64(7), *f.ChannelID)
	require.Nil(t, f.StreamID)
	require.Equal(t, "g1", *f.GameID)
	require.True(t, f.Start.Equal(now.Add(-2*time.Hour)))
	require.True(t, f.End.Equal(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)))

	f, err = ParseFilter(url.Values{"start": {"2024-02-29"}, "end": {"1709294400"}}, now)
	require.NoError(t, err)
	require.True(t, f.Start.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	require.True(t, f.End.Equal(now))

	f, err = ParseFilter(url.Values{}, now)
	require.NoError(t, err)
	require.Equal(t, core.Filter{}, f)

	for _, bad := range []url.Values{
		{"channel_id": {"0"}},
		{"stream_id": {"x"}},
		{"start": {"yesterday"}},
		{"start": {"1h"}, "end": {"2h"}},
	} {
		_, err := ParseFilter(bad, now)
		require.Error(t, err, bad.Encode())
		require.True(t, core.IsInvalidInput(err), bad.Encode())
	}
}

func TestParseListOptions(t *testing.T) {
	opts, err := ParseListOptions(url.Values{})
	require.NoError(t, err)
	require.Equal(t, defaultLimit, opts.Limit)
	require.False(t, opts.Ascending)

	opts, err = ParseListOptions(url.Values{
		"limit":    {"5000"},
		"order":    {"ASC"},
		"platform": {"yt,Twitch", "youtube"},
		"user_id":  {"a,b", "a"},
		"q":        {"  gg "},
	})
	require.NoError(t, err)
	require.Equal(t, maxLimit, opts.Limit)
	require.True(t, opts.Ascending)
	require.Equal(t, []string{core.PlatformYouTube, core.PlatformTwitch}, opts.Platforms)
	require.Equal(t, []string{"a", "b"}, opts.UserIDs)
	require.Equal(t, "gg", opts.Search)

	opts, err = ParseListOptions(url.Values{"platform": {"twitch,all"}})
	require.NoError(t, err)
	require.Nil(t, opts.Platforms)

	for _, bad := range []url.Values{
		{"limit": {"0"}},
		{"order": {"up"}},
		{"platform": {"kick"}},
	} {
		_, err := ParseListOptions(bad)
		require.True(t, core.IsInvalidInput(err), bad.Encode())
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs(url.Values{"channel_id": {"3, 1", "2"}}, "channel_id")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1, 2}, ids)

	ids, err = ParseIDs(url.Values{}, "channel_id")
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = ParseIDs(url.Values{"channel_id": {"1,-2"}}, "channel_id")
	require.True(t, core.IsInvalidInput(err))
}
