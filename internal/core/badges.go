package core

import (
	"encoding/json"
	"sort"
	"strings"
)

// Badge role tags that drive user segmentation.
const (
	BadgeBroadcaster = "broadcaster"
	BadgeModerator   = "moderator"
	BadgeVIP         = "vip"
	BadgeSubscriber  = "subscriber"
)

// BadgeSet is an unordered set of role tags. Encoding is the store's concern;
// the domain only sees normalized, deduplicated, lower-case names.
type BadgeSet []string

// NewBadgeSet normalizes names into a sorted set. A nil input stays nil so
// that "unknown" survives the round trip.
func NewBadgeSet(names ...string) BadgeSet {
	if names == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make(BadgeSet, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the set contains name.
func (b BadgeSet) Has(name string) bool {
	name = strings.ToLower(name)
	for _, v := range b {
		if v == name {
			return true
		}
	}
	return false
}

// Key is a stable identity for the set, used when grouping by badge set.
func (b BadgeSet) Key() string {
	return strings.Join(NewBadgeSet(b...), ",")
}

// EncodeBadges renders the set as a JSON array, or ok=false for an unknown set.
func EncodeBadges(b BadgeSet) (string, bool) {
	if b == nil {
		return "", false
	}
	norm := NewBadgeSet(b...)
	data, err := json.Marshal([]string(norm))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// DecodeBadges parses a JSON array. Legacy comma-separated text is accepted too.
func DecodeBadges(raw string) BadgeSet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return BadgeSet{}
	}
	var list []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return NewBadgeSet(list...)
		}
	}
	return NewBadgeSet(splitList(raw, ",")...)
}

// ParseTwitchBadges turns IRC tags ("subscriber/12,moderator/1" and the
// badge-info tag "subscriber/14") into a badge set plus the badge_info detail.
func ParseTwitchBadges(badgesTag, badgeInfoTag string) (BadgeSet, string) {
	parts := splitList(badgesTag, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		name := p
		if idx := strings.Index(p, "/"); idx != -1 {
			name = p[:idx]
		}
		names = append(names, name)
	}
	return NewBadgeSet(names...), strings.Join(splitList(badgeInfoTag, ","), ",")
}

func splitList(s, sep string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
