package domain

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open range [Start, End) of wall-clock time, expressed
// at interval granularity.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow builds a window, rejecting empty or inverted ranges.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if !start.Before(end) {
		return TimeWindow{}, fmt.Errorf("window start %s must precede end %s", start, end)
	}
	return TimeWindow{Start: start, End: end}, nil
}

// Records returns the number of kline open times the window contains at the
// given interval, assuming both bounds are interval-aligned.
func (w TimeWindow) Records(interval Interval) int {
	return int(w.End.Sub(w.Start) / interval.Duration())
}

// Contains reports whether t falls inside the half-open range.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Split divides the window into contiguous sub-windows of at most maxRecords
// klines each. Sub-windows neither gap nor overlap and are returned in
// ascending order.
func (w TimeWindow) Split(interval Interval, maxRecords int) []TimeWindow {
	step := time.Duration(maxRecords) * interval.Duration()
	var out []TimeWindow
	for cur := w.Start; cur.Before(w.End); cur = cur.Add(step) {
		end := cur.Add(step)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, TimeWindow{Start: cur, End: end})
	}
	return out
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
