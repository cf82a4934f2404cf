package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/core"
)

const defaultListLimit = 100

// ListOptions page through raw chat messages.
type ListOptions struct {
	Limit     int
	Ascending bool
	UserIDs   []string
	Platforms []string
	Search    string // case-insensitive substring of the message text
}

func chatListFilter(f core.Filter, opts ListOptions) *predicates {
	p := buildFilter(f, chatColumns)
	if len(opts.Platforms) > 0 {
		vals := make([]any, 0, len(opts.Platforms))
		for _, v := range opts.Platforms {
			vals = append(vals, strings.ToLower(v))
		}
		p.in("cm.platform", vals)
	}
	if len(opts.UserIDs) > 0 {
		vals := make([]any, 0, len(opts.UserIDs))
		for _, v := range opts.UserIDs {
			vals = append(vals, v)
		}
		p.in("cm.user_id", vals)
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		p.add("LOWER(cm.message) LIKE '%' || ? || '%'", strings.ToLower(s))
	}
	return p
}

// CountChatMessages counts messages matching the filter and options.
func (s *Store) CountChatMessages(ctx context.Context, f core.Filter, opts ListOptions) (int64, error) {
	p := chatListFilter(f, opts)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages cm`+p.where()+`;`, p.args...).Scan(&n); err != nil {
		return 0, core.NewStorageError("count chat messages", err)
	}
	return n, nil
}

// ListChatMessages returns matching messages, newest first unless
// opts.Ascending is set.
func (s *Store) ListChatMessages(ctx context.Context, f core.Filter, opts ListOptions) ([]core.ChatMessage, error) {
	p := chatListFilter(f, opts)

	var b strings.Builder
	b.WriteString(`SELECT cm.id, cm.channel_id, cm.stream_id, cm.timestamp, cm.platform, cm.user_id, cm.user_name,
  cm.display_name, cm.message, cm.message_type, cm.badges, cm.badge_info FROM chat_messages cm`)
	b.WriteString(p.where())
	if opts.Ascending {
		b.WriteString(" ORDER BY cm.timestamp ASC, cm.id ASC")
	} else {
		b.WriteString(" ORDER BY cm.timestamp DESC, cm.id DESC")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	b.WriteString(" LIMIT ?;")
	args := append(p.args, limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, core.NewStorageError("list chat messages", err)
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var (
			m         core.ChatMessage
			streamID  sql.NullInt64
			ts        int64
			badges    sql.NullString
			badgeInfo sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &streamID, &ts, &m.Platform, &m.UserID, &m.UserName,
			&m.DisplayName, &m.Message, &m.MessageType, &badges, &badgeInfo); err != nil {
			return nil, core.NewStorageError("list chat messages", errors.Wrap(err, "scan"))
		}
		m.StreamID = ptrInt(streamID)
		m.Timestamp = fromMS(ts)
		m.Badges = decodeNullBadges(badges)
		m.BadgeInfo = badgeInfo.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("list chat messages", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

func decodeNullBadges(v sql.NullString) core.BadgeSet {
	if !v.Valid {
		return nil
	}
	return core.DecodeBadges(v.String)
}

// ChatCountBetween counts a channel's messages in [from, to).
func (s *Store) ChatCountBetween(ctx context.Context, channelID int64, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages
WHERE channel_id = ? AND timestamp >= ? AND timestamp < ?;`, channelID, toMS(from), toMS(to)).Scan(&n)
	if err != nil {
		return 0, core.NewStorageError("chat count", err)
	}
	return n, nil
}

// ChatCountsByChannel counts matching messages per channel.
func (s *Store) ChatCountsByChannel(ctx context.Context, f core.Filter) (map[int64]int64, error) {
	p := buildFilter(f, chatColumns)
	rows, err := s.db.QueryContext(ctx,
		`SELECT cm.channel_id, COUNT(*) FROM chat_messages cm`+p.where()+` GROUP BY cm.channel_id;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("chat counts by channel", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, core.NewStorageError("chat counts by channel", errors.Wrap(err, "scan"))
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chat counts by channel", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ChatCountsByCategory attributes matching messages to the category of the
// session they were posted in. Messages outside any session are not counted.
func (s *Store) ChatCountsByCategory(ctx context.Context, f core.Filter) (map[string]int64, error) {
	p := buildFilter(f, chatColumns)
	p.add("st.category IS NOT NULL")
	rows, err := s.db.QueryContext(ctx, `SELECT st.category, COUNT(*)
FROM chat_messages cm JOIN streams st ON st.id = cm.stream_id`+p.where()+` GROUP BY st.category;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("chat counts by category", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			cat string
			n   int64
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, core.NewStorageError("chat counts by category", errors.Wrap(err, "scan"))
		}
		out[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chat counts by category", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ChatCountsByChannelDay counts matching messages per channel and UTC date.
func (s *Store) ChatCountsByChannelDay(ctx context.Context, f core.Filter) (map[core.ChannelDay]int64, error) {
	p := buildFilter(f, chatColumns)
	rows, err := s.db.QueryContext(ctx, `SELECT cm.channel_id, strftime('%Y-%m-%d', cm.timestamp / 1000, 'unixepoch') AS day, COUNT(*)
FROM chat_messages cm`+p.where()+` GROUP BY cm.channel_id, day;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("chat counts by day", err)
	}
	defer rows.Close()

	out := make(map[core.ChannelDay]int64)
	for rows.Next() {
		var (
			key core.ChannelDay
			n   int64
		)
		if err := rows.Scan(&key.ChannelID, &key.Day, &n); err != nil {
			return nil, core.NewStorageError("chat counts by day", errors.Wrap(err, "scan"))
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chat counts by day", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ChatBuckets counts matching messages per fixed-width bucket. Empty buckets
// are absent from the result.
func (s *Store) ChatBuckets(ctx context.Context, f core.Filter, width time.Duration) ([]core.BucketCount, error) {
	w := width.Milliseconds()
	if w <= 0 {
		return nil, core.Invalid("width", "must be positive")
	}
	p := buildFilter(f, chatColumns)
	query := `SELECT (cm.timestamp / ?) * ? AS bucket, COUNT(*)
FROM chat_messages cm` + p.where() + ` GROUP BY bucket ORDER BY bucket;`

	rows, err := s.db.QueryContext(ctx, query, append([]any{w, w}, p.args...)...)
	if err != nil {
		return nil, core.NewStorageError("chat buckets", err)
	}
	defer rows.Close()

	var out []core.BucketCount
	for rows.Next() {
		var start, n int64
		if err := rows.Scan(&start, &n); err != nil {
			return nil, core.NewStorageError("chat buckets", errors.Wrap(err, "scan"))
		}
		out = append(out, core.BucketCount{Start: fromMS(start), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chat buckets", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// BadgeCounts counts messages per (user, stored badge set).
func (s *Store) BadgeCounts(ctx context.Context, f core.Filter) ([]core.BadgeCount, error) {
	p := buildFilter(f, chatColumns)
	rows, err := s.db.QueryContext(ctx, `SELECT cm.user_id, cm.badges, COUNT(*)
FROM chat_messages cm`+p.where()+` GROUP BY cm.user_id, cm.badges ORDER BY cm.user_id;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("badge counts", err)
	}
	defer rows.Close()

	var out []core.BadgeCount
	for rows.Next() {
		var (
			bc     core.BadgeCount
			badges sql.NullString
		)
		if err := rows.Scan(&bc.UserID, &badges, &bc.Messages); err != nil {
			return nil, core.NewStorageError("badge counts", errors.Wrap(err, "scan"))
		}
		bc.Badges = decodeNullBadges(badges)
		out = append(out, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("badge counts", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// TopChatters ranks users by message count (ties by user id) and fills in
// each user's latest name and latest known badge set.
func (s *Store) TopChatters(ctx context.Context, f core.Filter, limit int) ([]core.ChatterSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	p := buildFilter(f, chatColumns)
	rows, err := s.db.QueryContext(ctx, `SELECT cm.user_id, COUNT(*) AS messages, COUNT(DISTINCT cm.stream_id),
  MIN(cm.timestamp), MAX(cm.timestamp)
FROM chat_messages cm`+p.where()+`
GROUP BY cm.user_id
ORDER BY messages DESC, cm.user_id ASC
LIMIT ?;`, append(p.args, limit)...)
	if err != nil {
		return nil, core.NewStorageError("top chatters", err)
	}

	var (
		out   []core.ChatterSummary
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			c           core.ChatterSummary
			first, last int64
		)
		if err := rows.Scan(&c.UserID, &c.Messages, &c.Streams, &first, &last); err != nil {
			rows.Close()
			return nil, core.NewStorageError("top chatters", errors.Wrap(err, "scan"))
		}
		c.FirstSeen = fromMS(first)
		c.LastSeen = fromMS(last)
		index[c.UserID] = len(out)
		out = append(out, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, core.NewStorageError("top chatters", errors.Wrap(err, "iterate"))
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := s.fillChatterIdentity(ctx, f, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

// fillChatterIdentity walks each ranked user's messages newest first: the
// first row gives the current name, the first non-null badges the badge set.
func (s *Store) fillChatterIdentity(ctx context.Context, f core.Filter, out []core.ChatterSummary, index map[string]int) error {
	p := buildFilter(f, chatColumns)
	ids := make([]any, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.UserID)
	}
	p.in("cm.user_id", ids)

	rows, err := s.db.QueryContext(ctx, `SELECT cm.user_id, cm.user_name, cm.display_name, cm.badges
FROM chat_messages cm`+p.where()+`
ORDER BY cm.user_id, cm.timestamp DESC, cm.id DESC;`, p.args...)
	if err != nil {
		return core.NewStorageError("top chatters identity", err)
	}
	defer rows.Close()

	named := make(map[string]bool, len(out))
	badged := make(map[string]bool, len(out))
	for rows.Next() {
		var (
			userID, userName, displayName string
			badges                        sql.NullString
		)
		if err := rows.Scan(&userID, &userName, &displayName, &badges); err != nil {
			return core.NewStorageError("top chatters identity", errors.Wrap(err, "scan"))
		}
		i, ok := index[userID]
		if !ok {
			continue
		}
		if !named[userID] {
			out[i].UserName = userName
			out[i].DisplayName = displayName
			named[userID] = true
		}
		if !badged[userID] && badges.Valid {
			out[i].Badges = core.DecodeBadges(badges.String)
			badged[userID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return core.NewStorageError("top chatters identity", errors.Wrap(err, "iterate"))
	}
	return nil
}

// ChatHourCounts counts matching messages by UTC hour of day, and by weekday
// too when byDay is set.
func (s *Store) ChatHourCounts(ctx context.Context, f core.Filter, byDay bool) ([]core.HourCount, error) {
	p := buildFilter(f, chatColumns)
	query := `SELECT ` + dayExpr("cm.timestamp", byDay) + ` AS dow, ` + hourExpr("cm.timestamp") + ` AS hour, COUNT(*)
FROM chat_messages cm` + p.where() + ` GROUP BY dow, hour ORDER BY dow, hour;`

	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, core.NewStorageError("chat hour counts", err)
	}
	defer rows.Close()

	var out []core.HourCount
	for rows.Next() {
		var h core.HourCount
		if err := rows.Scan(&h.DayOfWeek, &h.Hour, &h.Count); err != nil {
			return nil, core.NewStorageError("chat hour counts", errors.Wrap(err, "scan"))
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chat hour counts", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ChatterActivity reports, per user, message count and the number of
// distinct sessions the user posted in.
func (s *Store) ChatterActivity(ctx context.Context, f core.Filter) ([]core.ChatterActivity, error) {
	p := buildFilter(f, chatColumns)
	rows, err := s.db.QueryContext(ctx, `SELECT cm.user_id, COUNT(*), COUNT(DISTINCT cm.stream_id)
FROM chat_messages cm`+p.where()+` GROUP BY cm.user_id ORDER BY cm.user_id;`, p.args...)
	if err != nil {
		return nil, core.NewStorageError("chatter activity", err)
	}
	defer rows.Close()

	var out []core.ChatterActivity
	for rows.Next() {
		var a core.ChatterActivity
		if err := rows.Scan(&a.UserID, &a.Messages, &a.Streams); err != nil {
			return nil, core.NewStorageError("chatter activity", errors.Wrap(err, "scan"))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("chatter activity", errors.Wrap(err, "iterate"))
	}
	return out, nil
}
