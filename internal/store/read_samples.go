package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/core"
)

// chatRateExpr counts the channel's chat messages in the minute before a
// sample. Samples without a channel get NULL rather than a misleading zero.
const chatRateExpr = `CASE WHEN ss.channel_id IS NULL THEN NULL ELSE (
  SELECT COUNT(*) FROM chat_messages cm
  WHERE cm.channel_id = ss.channel_id
    AND cm.timestamp >= ss.collected_at - 60000
    AND cm.timestamp < ss.collected_at
) END`

const sampleSelect = `SELECT ss.id, ss.stream_id, ss.channel_id, ss.collected_at, ss.viewer_count,
  ss.category, ss.title, ss.follower_count`

// QuerySamples returns samples matching f ordered by collection time. With
// withChatRate set, each sample carries its derived one-minute chat rate.
func (s *Store) QuerySamples(ctx context.Context, f core.Filter, withChatRate bool) ([]core.Sample, error) {
	p := buildFilter(f, sampleColumns)
	query := sampleSelect
	if withChatRate {
		query += ", " + chatRateExpr
	} else {
		query += ", NULL"
	}
	query += " FROM stream_stats ss" + p.where() + " ORDER BY ss.collected_at, ss.id;"

	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, core.NewStorageError("query samples", err)
	}
	defer rows.Close()

	var out []core.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, core.NewStorageError("query samples", errors.Wrap(err, "scan"))
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("query samples", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

func scanSample(r rowScanner) (core.Sample, error) {
	var (
		smp                          core.Sample
		streamID, channelID          sql.NullInt64
		collected                    int64
		viewers, followers, chatRate sql.NullInt64
		category, title              sql.NullString
	)
	if err := r.Scan(&smp.ID, &streamID, &channelID, &collected, &viewers,
		&category, &title, &followers, &chatRate); err != nil {
		return core.Sample{}, err
	}
	smp.StreamID = ptrInt(streamID)
	smp.ChannelID = ptrInt(channelID)
	smp.CollectedAt = fromMS(collected)
	smp.ViewerCount = ptrInt(viewers)
	smp.Category = ptrString(category)
	smp.Title = ptrString(title)
	smp.FollowerCount = ptrInt(followers)
	smp.ChatRate1Min = ptrInt(chatRate)
	return smp, nil
}

// LatestSample returns the newest sample of a channel, or nil if it has none.
func (s *Store) LatestSample(ctx context.Context, channelID int64) (*core.Sample, error) {
	row := s.db.QueryRowContext(ctx, sampleSelect+", "+chatRateExpr+` FROM stream_stats ss
WHERE ss.channel_id = ?
ORDER BY ss.collected_at DESC, ss.id DESC LIMIT 1;`, channelID)
	smp, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStorageError("latest sample", err)
	}
	return &smp, nil
}

// RecentCategories returns up to n of the channel's most recent non-null
// sample categories, newest first.
func (s *Store) RecentCategories(ctx context.Context, channelID int64, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT category FROM stream_stats
WHERE channel_id = ? AND category IS NOT NULL
ORDER BY collected_at DESC, id DESC LIMIT ?;`, channelID, n)
	if err != nil {
		return nil, core.NewStorageError("recent categories", err)
	}
	defer rows.Close()

	out := make([]string, 0, n)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, core.NewStorageError("recent categories", errors.Wrap(err, "scan"))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("recent categories", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ViewerBuckets averages non-null viewer counts per fixed-width bucket.
func (s *Store) ViewerBuckets(ctx context.Context, f core.Filter, width time.Duration) ([]core.BucketAverage, error) {
	w := width.Milliseconds()
	if w <= 0 {
		return nil, core.Invalid("width", "must be positive")
	}
	p := buildFilter(f, sampleColumns)
	p.add("ss.viewer_count IS NOT NULL")
	query := `SELECT (ss.collected_at / ?) * ? AS bucket, AVG(ss.viewer_count)
FROM stream_stats ss` + p.where() + ` GROUP BY bucket ORDER BY bucket;`

	rows, err := s.db.QueryContext(ctx, query, append([]any{w, w}, p.args...)...)
	if err != nil {
		return nil, core.NewStorageError("viewer buckets", err)
	}
	defer rows.Close()

	var out []core.BucketAverage
	for rows.Next() {
		var (
			start int64
			avg   float64
		)
		if err := rows.Scan(&start, &avg); err != nil {
			return nil, core.NewStorageError("viewer buckets", errors.Wrap(err, "scan"))
		}
		out = append(out, core.BucketAverage{Start: fromMS(start), Average: avg})
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("viewer buckets", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// ViewerHourAverages averages viewer counts by UTC hour of day, and by
// weekday too when byDay is set.
func (s *Store) ViewerHourAverages(ctx context.Context, f core.Filter, byDay bool) ([]core.HourAverage, error) {
	p := buildFilter(f, sampleColumns)
	p.add("ss.viewer_count IS NOT NULL")
	query := `SELECT ` + dayExpr("ss.collected_at", byDay) + ` AS dow, ` + hourExpr("ss.collected_at") + ` AS hour,
  AVG(ss.viewer_count)
FROM stream_stats ss` + p.where() + ` GROUP BY dow, hour ORDER BY dow, hour;`

	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, core.NewStorageError("viewer hour averages", err)
	}
	defer rows.Close()

	var out []core.HourAverage
	for rows.Next() {
		var h core.HourAverage
		if err := rows.Scan(&h.DayOfWeek, &h.Hour, &h.Average); err != nil {
			return nil, core.NewStorageError("viewer hour averages", errors.Wrap(err, "scan"))
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("viewer hour averages", errors.Wrap(err, "iterate"))
	}
	return out, nil
}

// AvgStreamPeak is the mean over matching sessions of each session's peak
// viewer count. ok is false when no session has a viewer sample.
func (s *Store) AvgStreamPeak(ctx context.Context, f core.Filter) (avg float64, ok bool, err error) {
	p := buildFilter(f, sampleColumns)
	p.add("ss.stream_id IS NOT NULL")
	p.add("ss.viewer_count IS NOT NULL")
	query := `SELECT AVG(peak) FROM (
  SELECT MAX(ss.viewer_count) AS peak FROM stream_stats ss` + p.where() + ` GROUP BY ss.stream_id
);`
	var v sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, p.args...).Scan(&v); err != nil {
		return 0, false, core.NewStorageError("avg stream peak", err)
	}
	return v.Float64, v.Valid, nil
}

func hourExpr(col string) string {
	return "CAST(strftime('%H', " + col + " / 1000, 'unixepoch') AS INTEGER)"
}

func dayExpr(col string, byDay bool) string {
	if !byDay {
		return "-1"
	}
	return "CAST(strftime('%w', " + col + " / 1000, 'unixepoch') AS INTEGER)"
}
