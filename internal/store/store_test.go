package store

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/you/streamstats/internal/core"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func seedChannel(t *testing.T, s *Store, login string) int64 {
	t.Helper()
	id, err := s.UpsertChannel(context.Background(), core.Channel{
		Platform:    core.PlatformTwitch,
		ChannelID:   login,
		ChannelName: login,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	return id
}

func TestUpsertChannelKeepsPlatformUserID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertChannel(ctx, core.Channel{Platform: "Twitch", ChannelID: "alice", PlatformUserID: "111"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	again, err := s.UpsertChannel(ctx, core.Channel{Platform: "twitch", ChannelID: "alice", DisplayName: "Alice", PlatformUserID: "222"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again != id {
		t.Fatalf("expected same row id, got %d and %d", id, again)
	}
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if ch.PlatformUserID != "111" || ch.DisplayName != "Alice" {
		t.Fatalf("unexpected channel %+v", ch)
	}

	if err := s.DeleteChannel(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetChannel(ctx, id); !core.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteChannel(ctx, id); !core.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestUpsertStreamLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")

	id, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", Title: "first", Category: "g1", StartedAt: t0})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}
	again, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", Title: "renamed", StartedAt: t0})
	if err != nil {
		t.Fatalf("update stream: %v", err)
	}
	if again != id {
		t.Fatalf("expected same id, got %d vs %d", again, id)
	}
	st, err := s.GetStream(ctx, id)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if st.Title != "renamed" || st.Category != "g1" || !st.Live() {
		t.Fatalf("unexpected live stream %+v", st)
	}

	open, err := s.OpenStream(ctx, ch)
	if err != nil || open == nil || open.ID != id {
		t.Fatalf("open stream = %+v, %v", open, err)
	}

	if err := s.EndStream(ctx, id, t0.Add(time.Hour)); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := s.EndStream(ctx, id, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("ending twice must be a no-op: %v", err)
	}
	if _, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", Title: "late", StartedAt: t0}); err != nil {
		t.Fatalf("upsert ended stream: %v", err)
	}
	st, err = s.GetStream(ctx, id)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if st.Title != "renamed" || st.EndedAt == nil || !st.EndedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("ended stream was modified: %+v", st)
	}

	open, err = s.OpenStream(ctx, ch)
	if err != nil || open != nil {
		t.Fatalf("expected offline channel, got %+v, %v", open, err)
	}
	if err := s.EndStream(ctx, 9999, t0); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpsertStreamValidation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	cases := []core.Stream{
		{ChannelID: 0, StreamID: "s", StartedAt: t0},
		{ChannelID: 1, StreamID: " ", StartedAt: t0},
		{ChannelID: 1, StreamID: "s"},
		{ChannelID: 1, StreamID: "s", StartedAt: t0, EndedAt: core.Time(t0.Add(-time.Minute))},
	}
	for i, st := range cases {
		if _, err := s.UpsertStream(ctx, st); !core.IsInvalidInput(err) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestCloseOpenStreams(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")

	for _, sid := range []string{"a", "b"} {
		if _, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: sid, StartedAt: t0}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	n, err := s.CloseOpenStreams(ctx, ch, t0.Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("closed %d, err %v", n, err)
	}
	if open, _ := s.OpenStream(ctx, ch); open != nil {
		t.Fatalf("expected no open stream, got %+v", open)
	}
}

func TestUpsertGameCategory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertGameCategory(ctx, core.GameCategory{GameName: "nameless"}); !core.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := s.UpsertGameCategory(ctx, core.GameCategory{GameID: "g1", GameName: "Old", LastUpdated: t0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertGameCategory(ctx, core.GameCategory{GameID: "g1", GameName: "Chess", BoxArtURL: "https://img/chess.png", LastUpdated: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	g, err := s.GetGameCategory(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.GameName != "Chess" || g.BoxArtURL != "https://img/chess.png" || !g.LastUpdated.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected category %+v", g)
	}
	names, err := s.CategoryNames(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 1 || names["g1"] != "Chess" {
		t.Fatalf("unexpected names %v", names)
	}
	if _, err := s.GetGameCategory(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordSampleResolvesChannel(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")
	sid, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", StartedAt: t0})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	if _, err := s.RecordSample(ctx, core.Sample{StreamID: &sid, CollectedAt: t0, ViewerCount: core.Int64(10)}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if _, err := s.RecordSample(ctx, core.Sample{CollectedAt: t0}); !core.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := s.RecordSample(ctx, core.Sample{StreamID: core.Int64(404), CollectedAt: t0}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := s.QuerySamples(ctx, core.Filter{ChannelID: &ch}, false)
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(got) != 1 || got[0].ChannelID == nil || *got[0].ChannelID != ch {
		t.Fatalf("unexpected samples %+v", got)
	}
	if got[0].ChatRate1Min != nil {
		t.Fatalf("chat rate must be absent when not requested")
	}
}

func TestChatBatchLinksSessionAndFeedsChatRate(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")
	sid, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", StartedAt: t0})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	msgs := []core.ChatMessage{
		{ChannelID: ch, Timestamp: t0.Add(10 * time.Second), Platform: "twitch", UserID: "u1", UserName: "one", Badges: core.BadgeSet{}},
		{ChannelID: ch, Timestamp: t0.Add(30 * time.Second), Platform: "twitch", UserID: "u2", UserName: "two"},
		{ChannelID: ch, Timestamp: t0.Add(90 * time.Second), Platform: "twitch", UserID: "u1", UserName: "one", Badges: core.BadgeSet{"vip"}},
		{ChannelID: ch, Timestamp: t0.Add(-time.Hour), Platform: "twitch", UserID: "u3"},
	}
	if err := s.RecordChatMessagesBatch(ctx, msgs); err != nil {
		t.Fatalf("record batch: %v", err)
	}
	if _, err := s.RecordSample(ctx, core.Sample{StreamID: &sid, CollectedAt: t0.Add(time.Minute), ViewerCount: core.Int64(5)}); err != nil {
		t.Fatalf("record sample: %v", err)
	}

	list, err := s.ListChatMessages(ctx, core.Filter{ChannelID: &ch}, ListOptions{Ascending: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(list))
	}
	if list[0].StreamID != nil {
		t.Fatalf("message before the session must stay unlinked")
	}
	if list[1].StreamID == nil || *list[1].StreamID != sid {
		t.Fatalf("expected message linked to session %d, got %v", sid, list[1].StreamID)
	}
	if list[1].Badges == nil || len(list[1].Badges) != 0 {
		t.Fatalf("known-empty badges must round trip, got %#v", list[1].Badges)
	}
	if list[2].Badges != nil {
		t.Fatalf("unknown badges must stay nil, got %#v", list[2].Badges)
	}
	if list[1].MessageType != core.MessageNormal {
		t.Fatalf("message type = %q", list[1].MessageType)
	}

	samples, err := s.QuerySamples(ctx, core.Filter{ChannelID: &ch}, true)
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(samples) != 1 || samples[0].ChatRate1Min == nil || *samples[0].ChatRate1Min != 2 {
		t.Fatalf("expected chat rate 2, got %+v", samples)
	}

	n, err := s.CountChatMessages(ctx, core.Filter{StreamID: &sid}, ListOptions{})
	if err != nil || n != 3 {
		t.Fatalf("count by stream = %d, %v", n, err)
	}
	n, err = s.ChatCountBetween(ctx, ch, t0, t0.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("count between = %d, %v", n, err)
	}
}

func TestChatBatchRejectsInvalidBeforeWriting(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")

	err := s.RecordChatMessagesBatch(ctx, []core.ChatMessage{
		{ChannelID: ch, Timestamp: t0, Platform: "twitch", UserID: "u1"},
		{ChannelID: ch, Timestamp: t0, Platform: "twitch"},
	})
	if !core.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	n, err := s.CountChatMessages(ctx, core.Filter{}, ListOptions{})
	if err != nil || n != 0 {
		t.Fatalf("expected nothing written, got %d (%v)", n, err)
	}
}

func TestChatBatchRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db, nil)

	insert := regexp.QuoteMeta("INSERT INTO chat_messages")
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insert)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.RecordChatMessagesBatch(context.Background(), []core.ChatMessage{
		{ChannelID: 1, Timestamp: t0, Platform: "twitch", UserID: "u1"},
		{ChannelID: 1, Timestamp: t0, Platform: "twitch", UserID: "u2"},
	})
	if !core.IsStorage(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueryFailuresSurfaceAsStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stream_stats ss")).WillReturnError(errors.New("database is locked"))
	_, err = s.QuerySamples(context.Background(), core.Filter{ChannelID: core.Int64(1)}, true)
	var se *core.StorageError
	if !errors.As(err, &se) || se.Op != "query samples" {
		t.Fatalf("expected storage error for query samples, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFilterBuilderBindsArguments(t *testing.T) {
	start := t0
	end := t0.Add(time.Hour)
	p := buildFilter(core.Filter{
		ChannelID: core.Int64(3),
		GameID:    core.String("509658"),
		Start:     &start,
		End:       &end,
	}, chatColumns)

	want := " WHERE cm.channel_id = ? AND cm.stream_id IN (SELECT id FROM streams WHERE category = ?) AND cm.timestamp >= ? AND cm.timestamp <= ?"
	if p.where() != want {
		t.Fatalf("where = %q", p.where())
	}
	wantArgs := []any{int64(3), "509658", start.UnixMilli(), end.UnixMilli()}
	if !reflect.DeepEqual(p.args, wantArgs) {
		t.Fatalf("args = %#v", p.args)
	}
	if (&predicates{}).where() != "" {
		t.Fatalf("empty predicates must render nothing")
	}
}

func TestTopChattersUseLatestKnownBadges(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")

	msgs := []core.ChatMessage{
		{ChannelID: ch, Timestamp: t0, Platform: "twitch", UserID: "u1", UserName: "old", Badges: core.BadgeSet{"subscriber"}},
		{ChannelID: ch, Timestamp: t0.Add(time.Minute), Platform: "twitch", UserID: "u1", UserName: "mid", Badges: core.BadgeSet{"moderator"}},
		{ChannelID: ch, Timestamp: t0.Add(2 * time.Minute), Platform: "twitch", UserID: "u1", UserName: "new"},
		{ChannelID: ch, Timestamp: t0, Platform: "twitch", UserID: "u2", UserName: "two"},
		{ChannelID: ch, Timestamp: t0, Platform: "twitch", UserID: "u0", UserName: "zero"},
	}
	if err := s.RecordChatMessagesBatch(ctx, msgs); err != nil {
		t.Fatalf("record: %v", err)
	}

	top, err := s.TopChatters(ctx, core.Filter{ChannelID: &ch}, 10)
	if err != nil {
		t.Fatalf("top chatters: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 chatters, got %d", len(top))
	}
	first := top[0]
	if first.UserID != "u1" || first.Messages != 3 || first.UserName != "new" {
		t.Fatalf("unexpected top chatter %+v", first)
	}
	if !reflect.DeepEqual(first.Badges, core.BadgeSet{"moderator"}) {
		t.Fatalf("badges = %v", first.Badges)
	}
	if !first.FirstSeen.Equal(t0) || !first.LastSeen.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("seen range %v..%v", first.FirstSeen, first.LastSeen)
	}
	if top[1].UserID != "u0" || top[2].UserID != "u2" {
		t.Fatalf("ties must break by user id, got %s, %s", top[1].UserID, top[2].UserID)
	}
	if top[1].Badges != nil {
		t.Fatalf("user without badges must report nil, got %#v", top[1].Badges)
	}
}

func TestGroupedChatQueries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "alice")
	if _, err := s.UpsertStream(ctx, core.Stream{ChannelID: ch, StreamID: "s1", Category: "g1", StartedAt: t0}); err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	var msgs []core.ChatMessage
	for i := 0; i < 3; i++ {
		msgs = append(msgs, core.ChatMessage{ChannelID: ch, Timestamp: t0.Add(time.Duration(i) * time.Minute), Platform: "twitch", UserID: "u1"})
	}
	msgs = append(msgs, core.ChatMessage{ChannelID: ch, Timestamp: t0.Add(7 * time.Minute), Platform: "twitch", UserID: "u2"})
	if err := s.RecordChatMessagesBatch(ctx, msgs); err != nil {
		t.Fatalf("record: %v", err)
	}

	buckets, err := s.ChatBuckets(ctx, core.Filter{ChannelID: &ch}, 5*time.Minute)
	if err != nil {
		t.Fatalf("chat buckets: %v", err)
	}
	want := []core.BucketCount{{Start: t0, Count: 3}, {Start: t0.Add(5 * time.Minute), Count: 1}}
	if !reflect.DeepEqual(buckets, want) {
		t.Fatalf("buckets = %+v", buckets)
	}

	byCat, err := s.ChatCountsByCategory(ctx, core.Filter{})
	if err != nil || byCat["g1"] != 4 {
		t.Fatalf("by category = %v, %v", byCat, err)
	}
	byDay, err := s.ChatCountsByChannelDay(ctx, core.Filter{})
	if err != nil || byDay[core.ChannelDay{ChannelID: ch, Day: "2024-01-01"}] != 4 {
		t.Fatalf("by day = %v, %v", byDay, err)
	}
	hours, err := s.ChatHourCounts(ctx, core.Filter{}, true)
	if err != nil {
		t.Fatalf("hour counts: %v", err)
	}
	// 2024-01-01 is a Monday.
	if len(hours) != 1 || hours[0] != (core.HourCount{DayOfWeek: 1, Hour: 12, Count: 4}) {
		t.Fatalf("hours = %+v", hours)
	}
	byGame, err := s.CountChatMessages(ctx, core.Filter{GameID: core.String("g1")}, ListOptions{})
	if err != nil || byGame != 4 {
		t.Fatalf("count by game = %d, %v", byGame, err)
	}
	activity, err := s.ChatterActivity(ctx, core.Filter{})
	if err != nil || len(activity) != 2 || activity[0].Messages != 3 || activity[0].Streams != 1 {
		t.Fatalf("activity = %+v, %v", activity, err)
	}
}
