package multiview

import (
	"time"

	"github.com/you/streamstats/internal/core"
)

// Thresholds tune the event detectors. They are loaded from the thresholds
// file and can be swapped at runtime.
type Thresholds struct {
	// Viewer spike: current >= ratio*baseline and current-baseline >= min delta.
	ViewerSpikeRatio    float64 `koanf:"viewer_spike_ratio" json:"viewer_spike_ratio"`
	ViewerSpikeMinDelta float64 `koanf:"viewer_spike_min_delta" json:"viewer_spike_min_delta"`

	// Chat spike: below ChatLowBaseline the ratio test is replaced by an
	// absolute floor of ChatLowBaselineMin messages.
	ChatSpikeRatio     float64 `koanf:"chat_spike_ratio" json:"chat_spike_ratio"`
	ChatLowBaseline    float64 `koanf:"chat_low_baseline" json:"chat_low_baseline"`
	ChatLowBaselineMin int64   `koanf:"chat_low_baseline_min" json:"chat_low_baseline_min"`

	// Baseline window is [now-BaselineFrom, now-BaselineTo].
	BaselineFrom time.Duration `koanf:"baseline_from" json:"baseline_from"`
	BaselineTo   time.Duration `koanf:"baseline_to" json:"baseline_to"`

	ChatWindow  time.Duration `koanf:"chat_window" json:"chat_window"`
	BurstWindow time.Duration `koanf:"burst_window" json:"burst_window"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ViewerSpikeRatio:    1.5,
		ViewerSpikeMinDelta: 100,
		ChatSpikeRatio:      2.0,
		ChatLowBaseline:     1.0,
		ChatLowBaselineMin:  2,
		BaselineFrom:        10 * time.Minute,
		BaselineTo:          2 * time.Minute,
		ChatWindow:          time.Minute,
		BurstWindow:         5 * time.Second,
	}
}

func (t Thresholds) Validate() error {
	switch {
	case t.ViewerSpikeRatio <= 0:
		return core.Invalid("viewer_spike_ratio", "must be positive")
	case t.ViewerSpikeMinDelta < 0:
		return core.Invalid("viewer_spike_min_delta", "must not be negative")
	case t.ChatSpikeRatio <= 0:
		return core.Invalid("chat_spike_ratio", "must be positive")
	case t.ChatLowBaseline < 0:
		return core.Invalid("chat_low_baseline", "must not be negative")
	case t.ChatLowBaselineMin < 0:
		return core.Invalid("chat_low_baseline_min", "must not be negative")
	case t.BaselineTo < 0 || t.BaselineFrom <= t.BaselineTo:
		return core.Invalid("baseline_from", "must be greater than baseline_to")
	case t.ChatWindow <= 0 || t.BurstWindow <= 0:
		return core.Invalid("chat_window", "must be positive")
	}
	return nil
}

// ViewerSpike reports whether current jumped over the baseline mean. ok is
// false for an empty baseline.
func (t Thresholds) ViewerSpike(current int64, baseline float64, ok bool) bool {
	if !ok {
		return false
	}
	cur := float64(current)
	return cur >= t.ViewerSpikeRatio*baseline && cur-baseline >= t.ViewerSpikeMinDelta
}

// ChatSpike reports whether the current one-minute chat count jumped over
// the baseline mean chat rate.
func (t Thresholds) ChatSpike(current int64, baseline float64, ok bool) bool {
	if !ok {
		return false
	}
	if baseline < t.ChatLowBaseline {
		return current >= t.ChatLowBaselineMin
	}
	return float64(current) >= t.ChatSpikeRatio*baseline
}

// CategoryChanged compares the two most recent categories, newest first.
func CategoryChanged(recent []string) bool {
	return len(recent) >= 2 && recent[0] != recent[1]
}
