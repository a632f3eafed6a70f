// Package timeutil centralizes the clock and timestamp sanity rules. All time
// comparisons in the engine go through an injected Clock so tests can advance
// time deterministically.
package timeutil

import (
	"fmt"
	"time"
)

// Clock returns the current time in milliseconds since the epoch.
type Clock func() int64

// SystemClock is the wall-clock implementation used outside tests.
func SystemClock() int64 {
	return time.Now().UnixMilli()
}

// MaxFutureSkew is how far into the future a reported sample timestamp may be
// before it is treated as missing.
const MaxFutureSkew = 60 * time.Second

// ValidTimestamp reports whether ts is positive and no further than
// MaxFutureSkew ahead of now.
func ValidTimestamp(ts, now int64) bool {
	return ts > 0 && ts <= now+MaxFutureSkew.Milliseconds()
}

// Sanitize substitutes now for a missing or out-of-range timestamp.
func Sanitize(ts, now int64) int64 {
	if ValidTimestamp(ts, now) {
		return ts
	}
	return now
}

// OlderThan reports whether ts lies more than age before now.
func OlderThan(ts, now int64, age time.Duration) bool {
	return now-ts > age.Milliseconds()
}

// FormatMillis renders a millisecond span as a human-readable duration.
func FormatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// ParseMillis parses a duration string ("30s", "5m") into milliseconds.
func ParseMillis(s string) (int64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d.Milliseconds(), nil
}
