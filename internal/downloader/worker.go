package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"
)

// fetchWindow retrieves and validates one sub-window's klines. The result is
// the complete, strictly ascending, interval-aligned sequence covering
// [w.Start, w.End) — anything less is an error. Detected gaps are re-fetched
// narrowly up to the gap retry budget before ErrDataGap surfaces.
func (s *Service) fetchWindow(ctx context.Context, symbol string, w domain.TimeWindow, interval domain.Interval) ([]*domain.Kline, error) {
	// Keyed by open time so duplicate and out-of-order records from
	// pagination overlaps collapse instead of failing the window.
	byOpen := make(map[int64]*domain.Kline, w.Records(interval))

	if err := s.fetchRange(ctx, symbol, interval, w, w.Start, w.End, byOpen); err != nil {
		return nil, err
	}
	if len(byOpen) == 0 {
		// An entirely empty window means the range precedes the symbol's
		// listing date; retrying cannot materialize history.
		return nil, fmt.Errorf("%w: %s %s", ports.ErrNoData, symbol, w)
	}

	refetches := 0
	for {
		gap, ok := firstGap(w, interval, byOpen)
		if !ok {
			break
		}
		if refetches >= s.cfg.GapRetries {
			return nil, fmt.Errorf("%w: %s missing %s after %d re-fetches", ports.ErrDataGap, symbol, gap, refetches)
		}
		refetches++
		s.logger.Warn(ctx, "Gap detected, re-fetching sub-range", map[string]interface{}{
			"symbol": symbol, "gap": gap.String(), "attempt": refetches,
		})
		if err := s.fetchRange(ctx, symbol, interval, w, gap.Start, gap.End, byOpen); err != nil {
			return nil, err
		}
	}

	out := make([]*domain.Kline, 0, w.Records(interval))
	for t := w.Start; t.Before(w.End); t = t.Add(interval.Duration()) {
		out = append(out, byOpen[t.UnixMilli()])
	}
	return out, nil
}

// fetchRange paginates over [start, end), acquiring rate budget per request,
// and merges validated records into byOpen. It stops early when the source
// returns a short or empty page (end of available data).
func (s *Service) fetchRange(ctx context.Context, symbol string, interval domain.Interval, w domain.TimeWindow, start, end time.Time, byOpen map[int64]*domain.Kline) error {
	from := start
	for from.Before(end) {
		if err := s.budget.Acquire(ctx, s.cfg.RequestCost); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		page, err := s.source.GetKlines(callCtx, symbol, interval, from, end, s.cfg.PageLimit)
		cancel()
		if err != nil {
			if errors.Is(err, ports.ErrRateLimited) {
				s.budget.ReportRateLimited()
			}
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for _, k := range page {
			if !interval.Aligned(k.OpenTime) {
				return fmt.Errorf("%w: open time %s not aligned to interval %s", ports.ErrMalformedResponse, k.OpenTime.Format(time.RFC3339Nano), interval)
			}
			if !w.Contains(k.OpenTime) {
				return fmt.Errorf("%w: open time %s outside window %s", ports.ErrMalformedResponse, k.OpenTime.Format(time.RFC3339), w)
			}
			byOpen[k.OpenTime.UnixMilli()] = k
		}

		next := page[len(page)-1].OpenTime.Add(interval.Duration())
		if !next.After(from) {
			return fmt.Errorf("%w: page for %s did not advance past %s", ports.ErrMalformedResponse, symbol, from.Format(time.RFC3339))
		}
		from = next

		if len(page) < s.cfg.PageLimit {
			return nil
		}
	}
	return nil
}

// firstGap returns the earliest contiguous run of missing open times in the
// window, or ok=false when the coverage is complete.
func firstGap(w domain.TimeWindow, interval domain.Interval, byOpen map[int64]*domain.Kline) (domain.TimeWindow, bool) {
	step := interval.Duration()
	var gapStart time.Time
	inGap := false
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		if _, ok := byOpen[t.UnixMilli()]; ok {
			if inGap {
				return domain.TimeWindow{Start: gapStart, End: t}, true
			}
			continue
		}
		if !inGap {
			gapStart = t
			inGap = true
		}
	}
	if inGap {
		return domain.TimeWindow{Start: gapStart, End: w.End}, true
	}
	return domain.TimeWindow{}, false
}
