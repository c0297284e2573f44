package domain

import "time"

// SymbolStatus classifies how far a symbol got during a run.
type SymbolStatus string

const (
	// StatusComplete means every kline in the requested range is persisted.
	StatusComplete SymbolStatus = "complete"
	// StatusPartial means some sub-windows were persisted before a failure
	// or stop signal; the remainder is discoverable on the next run.
	StatusPartial SymbolStatus = "partial"
	// StatusNotStarted means no sub-window was persisted this run.
	StatusNotStarted SymbolStatus = "not_started"
)

// FailedWindow records a sub-window that exhausted its retry budget.
type FailedWindow struct {
	Window   TimeWindow
	Attempts int
	Err      string
}

// SymbolReport summarises one symbol's outcome.
type SymbolReport struct {
	Symbol        string
	Status        SymbolStatus
	Persisted     int // klines durably written this run
	FailedWindows []FailedWindow
}

// RunReport is the per-symbol completion state returned by a run.
type RunReport struct {
	Start    time.Time
	End      time.Time
	Interval Interval
	Symbols  map[string]*SymbolReport
}

// NewRunReport initialises a report covering the given range.
func NewRunReport(start, end time.Time, interval Interval) *RunReport {
	return &RunReport{
		Start:    start,
		End:      end,
		Interval: interval,
		Symbols:  make(map[string]*SymbolReport),
	}
}

// Failed reports whether any symbol ended the run incomplete.
func (r *RunReport) Failed() bool {
	for _, s := range r.Symbols {
		if s.Status != StatusComplete {
			return true
		}
	}
	return false
}
