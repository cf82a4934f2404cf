package export

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/streamstats/internal/core"
)

func TestFormatQuotesAndBOM(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 34, 56, 0, time.FixedZone("CET", 3600))
	rows := []Row{
		{CollectedAt: ts, ChannelName: "alice", ViewerCount: core.Int64(100), Category: "Just Chatting", Title: `say "hi"; now`, ChatRate1Min: core.Int64(10)},
		{CollectedAt: ts.Add(time.Minute), ChannelName: "bob;co", Title: "line\nbreak"},
	}

	out, err := Format(rows, Options{Delimiter: ';', BOM: true})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "\ufeffcollected_at;channel_name;viewer_count;category;title;chat_rate_1min\n"))
	require.Contains(t, out, `2024-01-01T11:34:56Z;alice;100;Just Chatting;"say ""hi""; now";10`)
	require.Contains(t, out, "2024-01-01T11:35:56Z;\"bob;co\";;;\"line\nbreak\";\n")
}

func TestRoundTrip(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []Row{
		{CollectedAt: base, ChannelName: "alice", ViewerCount: core.Int64(100), Category: "g1", ChatRate1Min: core.Int64(10)},
		{CollectedAt: base.Add(time.Minute), ChannelName: "alice", ViewerCount: core.Int64(150), Category: "g,1", Title: "\"quoted\"", ChatRate1Min: core.Int64(15)},
		{CollectedAt: base.Add(2 * time.Minute), ChannelName: "alice"},
	}
	for _, delim := range []rune{',', '\t', '|'} {
		out, err := Format(rows, Options{Delimiter: delim, BOM: true})
		require.NoError(t, err)

		parsed, err := Parse(strings.NewReader(out), delim)
		require.NoError(t, err)
		require.Equal(t, rows, parsed)
	}
}

func TestEmptyExportHasHeaderOnly(t *testing.T) {
	out, err := Format(nil, Options{})
	require.NoError(t, err)
	require.Equal(t, strings.Join(Header, ",")+"\n", out)

	parsed, err := Parse(strings.NewReader(out), ',')
	require.NoError(t, err)
	require.Empty(t, parsed)
}

func TestInvalidDelimiter(t *testing.T) {
	_, err := Format(nil, Options{Delimiter: '"'})
	require.True(t, core.IsInvalidInput(err))

	_, err = ParseDelimiter("ab")
	require.True(t, core.IsInvalidInput(err))

	for in, want := range map[string]rune{"": ',', "tab": '\t', "semicolon": ';', "pipe": '|', ":": ':'} {
		got, err := ParseDelimiter(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
}
