package core

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestParseTwitchBadges(t *testing.T) {
	set, info := ParseTwitchBadges("subscriber/12,Moderator/1,subscriber/0", "subscriber/14")
	want := BadgeSet{"moderator", "subscriber"}
	if !reflect.DeepEqual(set, want) {
		t.Fatalf("badges = %v, want %v", set, want)
	}
	if info != "subscriber/14" {
		t.Fatalf("badge info = %q", info)
	}

	empty, _ := ParseTwitchBadges("", "")
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected known-empty set, got %#v", empty)
	}
}

func TestBadgeEncodingRoundTrip(t *testing.T) {
	if _, ok := EncodeBadges(nil); ok {
		t.Fatalf("nil set must encode as unknown")
	}
	raw, ok := EncodeBadges(BadgeSet{"vip", "broadcaster", "vip"})
	if !ok || raw != `["broadcaster","vip"]` {
		t.Fatalf("encode = %q ok=%v", raw, ok)
	}
	if got := DecodeBadges(raw); !reflect.DeepEqual(got, BadgeSet{"broadcaster", "vip"}) {
		t.Fatalf("decode = %v", got)
	}
	if got := DecodeBadges("subscriber, moderator"); !reflect.DeepEqual(got, BadgeSet{"moderator", "subscriber"}) {
		t.Fatalf("legacy decode = %v", got)
	}
	if got := DecodeBadges(""); got == nil || len(got) != 0 {
		t.Fatalf("empty decode = %#v", got)
	}
}

func TestFilterValidate(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	cases := []struct {
		name    string
		filter  Filter
		invalid bool
	}{
		{name: "empty", filter: Filter{}},
		{name: "ordered", filter: Filter{Start: &start, End: Time(start.Add(time.Hour))}},
		{name: "same instant", filter: Filter{Start: &start, End: &start}},
		{name: "end before start", filter: Filter{Start: &start, End: &end}, invalid: true},
		{name: "zero channel", filter: Filter{ChannelID: Int64(0)}, invalid: true},
		{name: "empty game", filter: Filter{GameID: String("")}, invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.filter.Validate()
			if tc.invalid != IsInvalidInput(err) {
				t.Fatalf("Validate() = %v, invalid=%v", err, tc.invalid)
			}
		})
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	if NewStorageError("noop", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
	base := errors.New("disk I/O error")
	err := NewStorageError("query samples", base)
	if !IsStorage(err) || !errors.Is(err, base) {
		t.Fatalf("expected storage error wrapping base, got %v", err)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if again := NewStorageError("other", wrapped); again != wrapped {
		t.Fatalf("storage errors must not be double wrapped")
	}
	if IsNotFound(err) || IsInvalidInput(err) || IsComputation(err) {
		t.Fatalf("kind helpers must be exclusive")
	}
}
