package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/core"
)

// UpsertChannel registers a channel or refreshes its display metadata. The
// platform user id is write-once: a later login rename keeps the stored id.
func (s *Store) UpsertChannel(ctx context.Context, ch core.Channel) (int64, error) {
	ch.Platform = strings.ToLower(strings.TrimSpace(ch.Platform))
	ch.ChannelID = strings.TrimSpace(ch.ChannelID)
	if ch.Platform == "" {
		return 0, core.Invalid("platform", "required")
	}
	if ch.ChannelID == "" {
		return 0, core.Invalid("channel_id", "required")
	}
	if ch.PollInterval <= 0 {
		ch.PollInterval = 60
	}
	now := toMS(s.now())

	const q = `INSERT INTO channels (platform, channel_id, channel_name, display_name, platform_user_id,
  enabled, poll_interval, is_auto_discovered, discovered_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, channel_id) DO UPDATE SET
  channel_name = excluded.channel_name,
  display_name = excluded.display_name,
  platform_user_id = CASE WHEN channels.platform_user_id = '' THEN excluded.platform_user_id ELSE channels.platform_user_id END,
  enabled = excluded.enabled,
  poll_interval = excluded.poll_interval,
  updated_at = excluded.updated_at
RETURNING id;`

	var id int64
	err := s.db.QueryRowContext(ctx, q,
		ch.Platform, ch.ChannelID, ch.ChannelName, ch.DisplayName, ch.PlatformUserID,
		boolInt(ch.Enabled), ch.PollInterval, boolInt(ch.IsAutoDiscovered), nullMS(ch.DiscoveredAt),
		now, now,
	).Scan(&id)
	if err != nil {
		return 0, core.NewStorageError("upsert channel", err)
	}
	return id, nil
}

// DeleteChannel removes the registry row only. Streams, samples and chat
// keep their channel reference and read as belonging to an unnamed channel.
func (s *Store) DeleteChannel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?;`, id)
	if err != nil {
		return core.NewStorageError("delete channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "channel", ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

// UpsertStream records a broadcast session and returns its row id. While the
// session is open, title and category follow the latest observation and an
// end time closes it. An ended session is never modified again.
func (s *Store) UpsertStream(ctx context.Context, st core.Stream) (_ int64, err error) {
	st.StreamID = strings.TrimSpace(st.StreamID)
	if st.ChannelID <= 0 {
		return 0, core.Invalid("channel_id", "must be positive")
	}
	if st.StreamID == "" {
		return 0, core.Invalid("stream_id", "required")
	}
	if st.StartedAt.IsZero() {
		return 0, core.Invalid("started_at", "required")
	}
	if st.EndedAt != nil && st.EndedAt.Before(st.StartedAt) {
		return 0, core.Invalid("ended_at", "before started_at")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, core.NewStorageError("upsert stream", errors.Wrap(err, "begin"))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `INSERT INTO streams (channel_id, stream_id, title, category, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id, stream_id) DO UPDATE SET
  title = COALESCE(excluded.title, streams.title),
  category = COALESCE(excluded.category, streams.category),
  ended_at = excluded.ended_at
WHERE streams.ended_at IS NULL;`
	if _, err = tx.ExecContext(ctx, upsert, st.ChannelID, st.StreamID,
		nullIfEmpty(st.Title), nullIfEmpty(st.Category), toMS(st.StartedAt), nullMS(st.EndedAt)); err != nil {
		return 0, core.NewStorageError("upsert stream", err)
	}

	var id int64
	if err = tx.QueryRowContext(ctx, `SELECT id FROM streams WHERE channel_id = ? AND stream_id = ?;`,
		st.ChannelID, st.StreamID).Scan(&id); err != nil {
		return 0, core.NewStorageError("upsert stream", errors.Wrap(err, "read id"))
	}
	if err = tx.Commit(); err != nil {
		return 0, core.NewStorageError("upsert stream", errors.Wrap(err, "commit"))
	}
	return id, nil
}

// EndStream closes one session. Ending an already ended session is a no-op.
func (s *Store) EndStream(ctx context.Context, id int64, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET ended_at = ? WHERE id = ? AND ended_at IS NULL AND started_at <= ?;`,
		toMS(endedAt), id, toMS(endedAt))
	if err != nil {
		return core.NewStorageError("end stream", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var (
		started int64
		ended   sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT started_at, ended_at FROM streams WHERE id = ?;`, id).Scan(&started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Entity: "stream", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return core.NewStorageError("end stream", err)
	}
	if !ended.Valid && toMS(endedAt) < started {
		return core.Invalid("ended_at", "before started_at")
	}
	return nil
}

// CloseOpenStreams ends every open session of a channel, used when the
// channel is observed offline. It returns the number of sessions closed.
func (s *Store) CloseOpenStreams(ctx context.Context, channelID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET ended_at = MAX(started_at, ?) WHERE channel_id = ? AND ended_at IS NULL;`,
		toMS(at), channelID)
	if err != nil {
		return 0, core.NewStorageError("close open streams", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordSample appends one poll observation. A sample needs a stream or a
// channel reference; the channel is resolved from the stream when missing.
func (s *Store) RecordSample(ctx context.Context, smp core.Sample) (int64, error) {
	if smp.StreamID == nil && smp.ChannelID == nil {
		return 0, core.Invalid("stream_ref", "stream or channel required")
	}
	if smp.CollectedAt.IsZero() {
		return 0, core.Invalid("collected_at", "required")
	}
	if smp.ViewerCount != nil && *smp.ViewerCount < 0 {
		return 0, core.Invalid("viewer_count", "negative")
	}

	channelID := nullInt(smp.ChannelID)
	if !channelID.Valid {
		err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM streams WHERE id = ?;`, *smp.StreamID).Scan(&channelID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &core.NotFoundError{Entity: "stream", ID: strconv.FormatInt(*smp.StreamID, 10)}
		}
		if err != nil {
			return 0, core.NewStorageError("record sample", errors.Wrap(err, "resolve channel"))
		}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO stream_stats
  (stream_id, channel_id, collected_at, viewer_count, category, title, follower_count)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
		nullInt(smp.StreamID), channelID, toMS(smp.CollectedAt), nullInt(smp.ViewerCount),
		nullString(smp.Category), nullString(smp.Title), nullInt(smp.FollowerCount))
	if err != nil {
		return 0, core.NewStorageError("record sample", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, core.NewStorageError("record sample", errors.Wrap(err, "last insert id"))
	}
	return id, nil
}

const insertChatSQL = `INSERT INTO chat_messages
  (channel_id, stream_id, timestamp, platform, user_id, user_name, display_name, message, message_type, badges, badge_info)
VALUES (?, COALESCE(?, (
  SELECT id FROM streams
  WHERE channel_id = ? AND started_at <= ? AND (ended_at IS NULL OR ended_at >= ?)
  ORDER BY started_at DESC, id DESC LIMIT 1
)), ?, ?, ?, ?, ?, ?, ?, ?, ?);`

// RecordChatMessagesBatch writes all messages in one transaction or none.
// Messages without a stream reference are linked to the channel's session
// covering their timestamp, if any.
func (s *Store) RecordChatMessagesBatch(ctx context.Context, msgs []core.ChatMessage) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	for i := range msgs {
		if verr := msgs[i].Validate(); verr != nil {
			return errors.WithMessagef(verr, "message %d", i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewStorageError("record chat batch", errors.Wrap(err, "begin"))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertChatSQL)
	if err != nil {
		return core.NewStorageError("record chat batch", errors.Wrap(err, "prepare"))
	}
	defer stmt.Close()

	for i, m := range msgs {
		ts := toMS(m.Timestamp)
		var badges sql.NullString
		if raw, ok := core.EncodeBadges(m.Badges); ok {
			badges = sql.NullString{String: raw, Valid: true}
		}
		msgType := m.MessageType
		if msgType == "" {
			msgType = core.MessageNormal
		}
		if _, err = stmt.ExecContext(ctx,
			m.ChannelID, nullInt(m.StreamID), m.ChannelID, ts, ts,
			ts, strings.ToLower(m.Platform), m.UserID, m.UserName, m.DisplayName, m.Message, msgType,
			badges, nullIfEmpty(m.BadgeInfo),
		); err != nil {
			return core.NewStorageError("record chat batch", errors.Wrapf(err, "insert message %d", i))
		}
	}

	if err = tx.Commit(); err != nil {
		return core.NewStorageError("record chat batch", errors.Wrap(err, "commit"))
	}
	return nil
}

// UpsertGameCategory caches the display metadata of a category id.
func (s *Store) UpsertGameCategory(ctx context.Context, g core.GameCategory) error {
	if strings.TrimSpace(g.GameID) == "" {
		return core.Invalid("game_id", "required")
	}
	updated := g.LastUpdated
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO game_categories (game_id, game_name, box_art_url, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT(game_id) DO UPDATE SET
  game_name = excluded.game_name,
  box_art_url = excluded.box_art_url,
  last_updated = excluded.last_updated;`,
		g.GameID, g.GameName, g.BoxArtURL, toMS(updated))
	return core.NewStorageError("upsert game category", err)
}

func nullIfEmpty(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
