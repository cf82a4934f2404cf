package httpapi

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ParseFilter reads channel_id, stream_id, game_id, start and end.
func ParseFilter(values url.Values, now time.Time) (core.Filter, error) {
	var f core.Filter
	var err error
	if f.ChannelID, err = optionalID(values, "channel_id"); err != nil {
		return core.Filter{}, err
	}
	if f.StreamID, err = optionalID(values, "stream_id"); err != nil {
		return core.Filter{}, err
	}
	if raw := strings.TrimSpace(values.Get("game_id")); raw != "" {
		f.GameID = &raw
	}
	if f.Start, err = optionalTime(values, "start", now); err != nil {
		return core.Filter{}, err
	}
	if f.End, err = optionalTime(values, "end", now); err != nil {
		return core.Filter{}, err
	}
	return f, f.Validate()
}

// ParseListOptions reads limit, order, platform, username and q for message
// listings.
func ParseListOptions(values url.Values) (store.ListOptions, error) {
	opts := store.ListOptions{Limit: defaultLimit}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.ListOptions{}, core.Invalid("limit", "must be a positive integer")
		}
		opts.Limit = min(n, maxLimit)
	}

	switch strings.ToLower(values.Get("order")) {
	case "", "desc":
	case "asc":
		opts.Ascending = true
	default:
		return store.ListOptions{}, core.Invalid("order", "must be asc or desc")
	}

	for _, part := range collect(values, "platform") {
		canonical, ok := normalizePlatform(part)
		if !ok {
			return store.ListOptions{}, core.Invalid("platform", "unknown platform "+strconv.Quote(part))
		}
		if canonical == "" {
			opts.Platforms = nil
			break
		}
		opts.Platforms = appendUnique(opts.Platforms, canonical)
	}

	for _, part := range collect(values, "user_id") {
		opts.UserIDs = appendUnique(opts.UserIDs, part)
	}
	opts.Search = strings.TrimSpace(values.Get("q"))
	return opts, nil
}

// ParseIDs reads a comma separated or repeated id list.
func ParseIDs(values url.Values, key string) ([]int64, error) {
	parts := collect(values, key)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n <= 0 {
			return nil, core.Invalid(key, "must be positive integers")
		}
		out = append(out, n)
	}
	return out, nil
}

// collect splits every value of key on commas and drops blanks.
func collect(values url.Values, key string) []string {
	var out []string
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func normalizePlatform(p string) (string, bool) {
	switch strings.ToLower(p) {
	case "twitch", "tw", "t":
		return core.PlatformTwitch, true
	case "youtube", "yt", "y":
		return core.PlatformYouTube, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

func optionalID(values url.Values, key string) (*int64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil, core.Invalid(key, "must be a positive integer")
	}
	return &n, nil
}

func optionalTime(values url.Values, key string, now time.Time) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw, now)
	if err != nil {
		return nil, core.Invalid(key, "want RFC3339, unix seconds or a duration ago")
	}
	return &t, nil
}

// parseTime accepts RFC3339, a YYYY-MM-DD date, unix seconds, or a Go
// duration meaning that long before now.
func parseTime(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d).UTC(), nil
}

func positiveInt(values url.Values, key string, def int) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, core.Invalid(key, "must be a positive integer")
	}
	return n, nil
}

func positiveFloat(values url.Values, key string, def float64) (float64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, core.Invalid(key, "must be a positive number")
	}
	return v, nil
}

func flag(values url.Values, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(values.Get(key)))
	return err == nil && v
}
