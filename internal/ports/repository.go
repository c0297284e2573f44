package ports

import (
	"context"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
)

// KlineRepository is the persistence layer the downloader writes into.
type KlineRepository interface {
	// StoreKlines persists a batch idempotently: a kline whose
	// (symbol, interval, open time) key already exists is overwritten in
	// place. The whole batch becomes visible atomically or not at all.
	StoreKlines(ctx context.Context, klines []*domain.Kline) error
}

// CheckpointStore is the durable, crash-safe record of ingestion progress
// per symbol. The orchestrator's per-symbol serialization guarantees a
// single logical writer per symbol; the store only guarantees atomicity of
// each write.
type CheckpointStore interface {
	// Load returns the mapping symbol -> last fully persisted open time.
	// A missing store yields an empty mapping, not an error.
	Load(ctx context.Context) (map[string]time.Time, error)
	// Advance durably records openTime for symbol if it is newer than the
	// current value, and is a no-op otherwise. Checkpoints never move
	// backwards except by deleting the store.
	Advance(ctx context.Context, symbol string, openTime time.Time) error
}
