// Package downloader coordinates bulk historical kline ingestion: it computes
// outstanding work per symbol from the checkpoint store, fetches page-sized
// sub-windows under a shared rate budget, persists them idempotently, and
// advances checkpoints so a multi-day job survives interruption without
// re-fetching or duplicating data.
package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"
)

// Config holds the dependencies and tuning knobs for the download service.
type Config struct {
	Source      ports.KlineSource
	Sink        ports.KlineRepository
	Checkpoints ports.CheckpointStore
	Budget      ports.RateBudget
	Logger      ports.Logger

	MaxConcurrency int           // symbols processed in parallel
	PageLimit      int           // max klines per upstream request, sizes sub-windows
	MaxAttempts    int           // attempts per sub-window before it is recorded failed
	InitialBackoff time.Duration // first retry delay
	MaxBackoff     time.Duration // retry delay cap
	RequestTimeout time.Duration // per network call
	RequestCost    int           // budget units debited per upstream request
	GapRetries     int           // worker-level re-fetch budget per detected gap
}

// Service is the ingestion orchestrator.
type Service struct {
	source      ports.KlineSource
	sink        ports.KlineRepository
	checkpoints ports.CheckpointStore
	budget      ports.RateBudget
	logger      ports.Logger
	cfg         Config
}

// New creates the download service, applying defaults for unset knobs.
func New(cfg Config) (*Service, error) {
	if cfg.Source == nil || cfg.Sink == nil || cfg.Checkpoints == nil || cfg.Budget == nil {
		return nil, fmt.Errorf("source, sink, checkpoints and budget are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for download service")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1500
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RequestCost <= 0 {
		cfg.RequestCost = 1
	}
	if cfg.GapRetries <= 0 {
		cfg.GapRetries = 3
	}

	return &Service{
		source:      cfg.Source,
		sink:        cfg.Sink,
		checkpoints: cfg.Checkpoints,
		budget:      cfg.Budget,
		logger:      cfg.Logger,
		cfg:         cfg,
	}, nil
}

// Run ingests [start, end) at the given interval for every symbol and returns
// a per-symbol completion report. One symbol's permanent failure never aborts
// the others; failed windows stay outstanding for the next invocation. The
// returned error is non-nil only for invalid arguments or checkpoint load
// failure — per-symbol outcomes live in the report.
func (s *Service) Run(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (*domain.RunReport, error) {
	if interval.IsZero() {
		return nil, fmt.Errorf("interval is required")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}

	alignedStart, alignedEnd := interval.Truncate(start), interval.Truncate(end)
	if !alignedStart.Equal(start) || !alignedEnd.Equal(end) {
		s.logger.Warn(ctx, "Range truncated to interval boundaries", map[string]interface{}{
			"start": alignedStart.Format(time.RFC3339), "end": alignedEnd.Format(time.RFC3339),
		})
	}
	if !alignedStart.Before(alignedEnd) {
		return nil, fmt.Errorf("start %s must precede end %s at interval %s", start, end, interval)
	}

	checkpoints, err := s.checkpoints.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	s.logger.Info(ctx, "Starting ingestion run", map[string]interface{}{
		"symbols": len(symbols), "interval": interval.String(),
		"start": alignedStart.Format(time.RFC3339), "end": alignedEnd.Format(time.RFC3339),
		"concurrency": s.cfg.MaxConcurrency,
	})

	report := domain.NewRunReport(alignedStart, alignedEnd, interval)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			rep := s.runSymbol(ctx, symbol, alignedStart, alignedEnd, interval, checkpoints[symbol])
			mu.Lock()
			report.Symbols[symbol] = rep
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.logger.Info(ctx, "Ingestion run finished", map[string]interface{}{
		"symbols": len(symbols), "failed": report.Failed(),
	})
	return report, nil
}

// runSymbol processes one symbol's outstanding range strictly in ascending
// time order. The next sub-window is only dispatched after the prior one's
// checkpoint advance completed, so the checkpoint never moves out of order.
func (s *Service) runSymbol(ctx context.Context, symbol string, start, end time.Time, interval domain.Interval, checkpoint time.Time) *domain.SymbolReport {
	rep := &domain.SymbolReport{Symbol: symbol, Status: domain.StatusNotStarted}

	from := start
	if !checkpoint.IsZero() {
		if next := checkpoint.Add(interval.Duration()); next.After(from) {
			from = next
		}
	}
	if !from.Before(end) {
		// Checkpoint already covers the range.
		s.logger.Info(ctx, "Symbol already complete, skipping", map[string]interface{}{
			"symbol": symbol, "checkpoint": checkpoint.Format(time.RFC3339),
		})
		rep.Status = domain.StatusComplete
		return rep
	}

	outstanding := domain.TimeWindow{Start: from, End: end}
	windows := outstanding.Split(interval, s.cfg.PageLimit)
	s.logger.Debug(ctx, "Computed outstanding windows", map[string]interface{}{
		"symbol": symbol, "windows": len(windows), "from": from.Format(time.RFC3339),
	})

	for _, w := range windows {
		// Stop signal between sub-windows allows a clean, resumable halt.
		if ctx.Err() != nil {
			s.logger.Warn(ctx, "Run canceled, leaving symbol resumable", map[string]interface{}{
				"symbol": symbol, "nextWindow": w.String(),
			})
			break
		}

		attempts, err := s.processWindow(ctx, symbol, w, interval)
		if err != nil {
			// A stop signal mid-retry is a cancellation, not a window failure:
			// the window simply stays outstanding for the next run.
			if ctx.Err() != nil {
				s.logger.Warn(ctx, "Run canceled, leaving symbol resumable", map[string]interface{}{
					"symbol": symbol, "nextWindow": w.String(),
				})
				break
			}
			s.logger.Error(ctx, err, "Sub-window failed permanently", map[string]interface{}{
				"symbol": symbol, "window": w.String(), "attempts": attempts,
			})
			rep.FailedWindows = append(rep.FailedWindows, domain.FailedWindow{
				Window:   w,
				Attempts: attempts,
				Err:      err.Error(),
			})
			// The checkpoint cannot advance past a failed window, so the
			// symbol's remaining windows stay outstanding for the next run.
			break
		}
		rep.Persisted += w.Records(interval)
	}

	switch {
	case rep.Persisted > 0 && len(rep.FailedWindows) == 0 && ctx.Err() == nil:
		rep.Status = domain.StatusComplete
	case rep.Persisted > 0:
		rep.Status = domain.StatusPartial
	default:
		rep.Status = domain.StatusNotStarted
	}
	return rep
}

// processWindow fetches, persists and checkpoints one sub-window, retrying
// transient failures with exponential backoff and jitter up to the attempt
// cap. It returns the number of attempts made alongside the final error.
func (s *Service) processWindow(ctx context.Context, symbol string, w domain.TimeWindow, interval domain.Interval) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0 // bounded by the attempt cap, not wall clock

	attempts := 0
	op := func() error {
		attempts++

		klines, err := s.fetchWindow(ctx, symbol, w, interval)
		if err != nil {
			if !ports.IsTransient(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn(ctx, "Sub-window fetch failed, will retry", map[string]interface{}{
				"symbol": symbol, "window": w.String(), "attempt": attempts, "error": err.Error(),
			})
			return err
		}

		if err := s.sink.StoreKlines(ctx, klines); err != nil {
			// Persistence failures are transient: the fetch succeeded, so the
			// window is worth re-driving rather than discarding.
			s.logger.Warn(ctx, "Sub-window persist failed, will retry", map[string]interface{}{
				"symbol": symbol, "window": w.String(), "attempt": attempts, "error": err.Error(),
			})
			return err
		}

		// Advance only after successful persistence of the contiguous extension.
		newCheckpoint := w.End.Add(-interval.Duration())
		if err := s.checkpoints.Advance(ctx, symbol, newCheckpoint); err != nil {
			return err
		}

		s.budget.ReportSuccess()
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxAttempts-1)), ctx))
	return attempts, err
}
