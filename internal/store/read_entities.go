package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/core"
)

const channelColumns = `id, platform, channel_id, channel_name, display_name, platform_user_id,
  enabled, poll_interval, is_auto_discovered, discovered_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (core.Channel, error) {
	var (
		ch               core.Channel
		enabled, auto    int
		discovered       sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&ch.ID, &ch.Platform, &ch.ChannelID, &ch.ChannelName, &ch.DisplayName, &ch.PlatformUserID,
		&enabled, &ch.PollInterval, &auto, &discovered, &created, &updated); err != nil {
		return core.Channel{}, err
	}
	ch.Enabled = enabled != 0
	ch.IsAutoDiscovered = auto != 0
	ch.DiscoveredAt = ptrTime(discovered)
	ch.CreatedAt = fromMS(created)
	ch.UpdatedAt = fromMS(updated)
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id int64) (core.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?;`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Channel{}, &core.NotFoundError{Entity: "channel", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return core.Channel{}, core.NewStorageError("get channel", err)
	}
	return ch, nil
}

// ListChannels returns every registered channel ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]core.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id;`)
	if err != nil {
		return nil, core.NewStorageError("list channels", err)
	}
	defer rows.Close()

	var out []core.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, core.NewStorageError("list channels", errors.Wrap(err, "scan"))
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("list channels", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ChannelNames maps channel row ids to display names, falling back to the
// login when no display name is set.
func (s *Store) ChannelNames(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, CASE WHEN display_name <> '' THEN display_name ELSE channel_name END FROM channels;`)
	if err != nil {
		return nil, core.NewStorageError("channel names", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, core.NewStorageError("channel names", errors.Wrap(err, "scan"))
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("channel names", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// CategoryNames maps cached game ids to display names.
func (s *Store) CategoryNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id, game_name FROM game_categories;`)
	if err != nil {
		return nil, core.NewStorageError("category names", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, core.NewStorageError("category names", errors.Wrap(err, "scan"))
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("category names", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

func (s *Store) GetGameCategory(ctx context.Context, id string) (core.GameCategory, error) {
	var (
		g       core.GameCategory
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT game_id, game_name, box_art_url, last_updated FROM game_categories WHERE game_id = ?;`, id,
	).Scan(&g.GameID, &g.GameName, &g.BoxArtURL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return core.GameCategory{}, &core.NotFoundError{Entity: "game category", ID: id}
	}
	if err != nil {
		return core.GameCategory{}, core.NewStorageError("get game category", err)
	}
	g.LastUpdated = fromMS(updated)
	return g, nil
}

const streamColumns = `id, channel_id, stream_id, COALESCE(title, ''), COALESCE(category, ''), started_at, ended_at`

func scanStream(r rowScanner) (core.Stream, error) {
	var (
		st      core.Stream
		started int64
		ended   sql.NullInt64
	)
	if err := r.Scan(&st.ID, &st.ChannelID, &st.StreamID, &st.Title, &st.Category, &started, &ended); err != nil {
		return core.Stream{}, err
	}
	st.StartedAt = fromMS(started)
	st.EndedAt = ptrTime(ended)
	return st, nil
}

func (s *Store) GetStream(ctx context.Context, id int64) (core.Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Stream{}, &core.NotFoundError{Entity: "stream", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return core.Stream{}, core.NewStorageError("get stream", err)
	}
	return st, nil
}

// OpenStream returns the channel's most recent open session, or nil when the
// channel is offline.
func (s *Store) OpenStream(ctx context.Context, channelID int64) (*core.Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams
WHERE channel_id = ? AND ended_at IS NULL
ORDER BY started_at DESC, id DESC LIMIT 1;`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStorageError("open stream", err)
	}
	return &st, nil
}

// ListStreams returns sessions matching the channel, stream and time filter,
// where the time bounds apply to started_at.
func (s *Store) ListStreams(ctx context.Context, f core.Filter) ([]core.Stream, error) {
	p := buildFilter(f, filterColumns{
		channel: "channel_id",
		stream:  "id",
		time:    "started_at",
		game:    "category = ?",
	})
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams`+p.where()+` ORDER BY started_at, id;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("list streams", err)
	}
	defer rows.Close()

	var out []core.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, core.NewStorageError("list streams", errors.Wrap(err, "scan"))
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("list streams", errors.Wrap(err, "iterate"))
	}
	return out, nil
}
