package domain

import (
	"fmt"
	"time"
)

// Interval is a fixed sampling granularity applied uniformly across a run.
// The zero value is invalid; build one with ParseInterval.
type Interval struct {
	name string
	d    time.Duration
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval converts an exchange-style interval string (e.g. "5m", "1h")
// into an Interval.
func ParseInterval(s string) (Interval, error) {
	d, ok := intervalDurations[s]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval %q", s)
	}
	return Interval{name: s, d: d}, nil
}

// String returns the exchange-style name the interval was parsed from.
func (i Interval) String() string { return i.name }

// Duration returns the interval length.
func (i Interval) Duration() time.Duration { return i.d }

// IsZero reports whether the interval is the invalid zero value.
func (i Interval) IsZero() bool { return i.d == 0 }

// Aligned reports whether t is an exact multiple of the interval measured
// from the Unix epoch.
func (i Interval) Aligned(t time.Time) bool {
	return t.UnixMilli()%i.d.Milliseconds() == 0
}

// Truncate rounds t down to the nearest interval boundary from the Unix epoch.
func (i Interval) Truncate(t time.Time) time.Time {
	ms := i.d.Milliseconds()
	return time.UnixMilli(t.UnixMilli() / ms * ms).In(t.Location())
}
