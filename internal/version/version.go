// Package version carries build metadata set with -ldflags "-X".
package version

import (
	"fmt"
	"time"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// BuiltAt parses BuildTime, returning the zero time when unset or malformed.
func BuiltAt() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}
