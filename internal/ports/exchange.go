package ports

import (
	"context"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
)

// KlineSource is the narrow view of the upstream market-data API the
// downloader consumes: one time-bounded, page-limited query. Implementations
// must return klines ordered by open time ascending, with open times in
// [start, end).
type KlineSource interface {
	// GetKlines fetches at most limit klines for symbol/interval whose open
	// times fall within [start, end). A short or empty page signals the end
	// of available data for the range.
	GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]*domain.Kline, error)
}

// RateBudget bounds outbound request rate against the upstream API quota.
// One budget is shared by all fetch workers.
type RateBudget interface {
	// Acquire suspends the caller until cost units of budget are available,
	// then debits them. It returns early only if ctx is done.
	Acquire(ctx context.Context, cost int) error
	// ReportRateLimited signals an upstream too-many-requests response,
	// draining the budget and starting a cooldown.
	ReportRateLimited()
	// ReportSuccess signals a successful upstream call; a sustained success
	// streak resets the cooldown schedule to baseline.
	ReportSuccess()
}
