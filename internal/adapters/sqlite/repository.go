package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.KlineRepository interface using SQLite.
// Writes are idempotent upserts keyed by (symbol, interval, open_time), and
// each batch is committed in a single transaction so reporting queries never
// observe a partially written sub-window.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/klines.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS klines (
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open_time INTEGER NOT NULL, -- Unix milliseconds
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		quote_volume REAL NOT NULL DEFAULT 0,
		trade_count INTEGER NOT NULL DEFAULT 0,
		taker_buy_volume REAL NOT NULL DEFAULT 0,
		taker_buy_quote_volume REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, interval, open_time)
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// StoreKlines persists a batch of klines in one transaction. Existing rows
// with the same (symbol, interval, open_time) key are replaced, so re-running
// an overlapping window after a resume is always safe.
func (r *Repository) StoreKlines(ctx context.Context, klines []*domain.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	const query = `
	INSERT OR REPLACE INTO klines (symbol, interval, open_time, close_time, open, high, low, close,
	                               volume, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ports.ErrStoreFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: failed to prepare insert: %w", ports.ErrStoreFailed, err)
	}
	defer stmt.Close()

	for _, k := range klines {
		_, err := stmt.ExecContext(ctx,
			k.Symbol, k.Interval.String(), k.OpenTime.UnixMilli(), k.CloseTime.UnixMilli(),
			k.Open, k.High, k.Low, k.Close,
			k.Volume, k.QuoteVolume, k.TradeCount, k.TakerBuyVolume, k.TakerBuyQuoteVolume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to insert kline %s@%s: %w", ports.ErrStoreFailed, k.Symbol, k.OpenTime.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit batch of %d klines: %w", ports.ErrStoreFailed, len(klines), err)
	}

	r.logger.Debug(ctx, "Kline batch persisted", map[string]interface{}{"count": len(klines), "symbol": klines[0].Symbol})
	return nil
}

// CountBySymbol returns the number of persisted klines for a symbol/interval pair.
func (r *Repository) CountBySymbol(ctx context.Context, symbol string, interval domain.Interval) (int, error) {
	const query = `SELECT COUNT(*) FROM klines WHERE symbol = ? AND interval = ?`
	var count int
	err := r.db.QueryRowContext(ctx, query, symbol, interval.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count klines for symbol %s: %w", symbol, err)
	}
	return count, nil
}

// OpenTimesBetween returns the persisted open times for a symbol/interval pair
// within [start, end), ascending. Reporting scripts use this to verify a
// completed symbol is gap-free.
func (r *Repository) OpenTimesBetween(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) ([]time.Time, error) {
	const query = `
	SELECT open_time FROM klines
	WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?
	ORDER BY open_time ASC`

	rows, err := r.db.QueryContext(ctx, query, symbol, interval.String(), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query open times for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	times := make([]time.Time, 0)
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("failed to scan open time for symbol %s: %w", symbol, err)
		}
		times = append(times, time.UnixMilli(ms).UTC())
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open time rows: %w", err)
	}
	return times, nil
}
