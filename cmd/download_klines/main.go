package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/config"
	"github.com/pythymcpyface/tradingbot-sub005/internal/adapters/binanceclient"
	"github.com/pythymcpyface/tradingbot-sub005/internal/adapters/checkpoint"
	"github.com/pythymcpyface/tradingbot-sub005/internal/adapters/logger"
	"github.com/pythymcpyface/tradingbot-sub005/internal/adapters/sqlite"
	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
	"github.com/pythymcpyface/tradingbot-sub005/internal/downloader"
	"github.com/pythymcpyface/tradingbot-sub005/internal/ratelimit"
)

func main() {
	var (
		symbolsFlag  = flag.String("symbols", "", "comma-separated trading symbols, e.g. BTCUSDT,ETHUSDT (required)")
		startFlag    = flag.String("start", "", "range start, RFC3339 or YYYY-MM-DD (required)")
		endFlag      = flag.String("end", "", "range end (exclusive), RFC3339 or YYYY-MM-DD (required)")
		intervalFlag = flag.String("interval", "5m", "kline interval, e.g. 1m, 5m, 1h, 1d")
	)
	flag.Parse()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "at least one symbol is required (-symbols)")
		flag.Usage()
		os.Exit(2)
	}
	start, err := parseTimeArg(*startFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		os.Exit(2)
	}
	end, err := parseTimeArg(*endFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		os.Exit(2)
	}
	interval, err := domain.ParseInterval(*intervalFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -interval: %v\n", err)
		os.Exit(2)
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	// Fail fast on connectivity before touching local state.
	if err := binanceClient.Ping(ctx); err != nil {
		log.Fatalf("FATAL: Exchange unreachable: %v", err)
	}

	// 4. Initialize Data Sink (SQLite)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize SQLite repository: %v", err)
	}
	defer repo.Close()

	// 5. Initialize Checkpoint Store
	checkpoints, err := checkpoint.NewFileStore(checkpoint.Config{
		Path:   cfg.CheckpointPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize checkpoint store: %v", err)
	}

	// 6. Initialize Rate Limiter
	budget, err := ratelimit.New(ratelimit.Config{
		Capacity:        cfg.RateCapacity,
		RefillPerSecond: cfg.RateRefillPerSec,
		BaseCooldown:    cfg.CooldownBase,
		MaxCooldown:     cfg.CooldownMax,
		SuccessReset:    cfg.SuccessReset,
		Logger:          appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize rate limiter: %v", err)
	}

	// 7. Run the downloader
	svc, err := downloader.New(downloader.Config{
		Source:         binanceClient,
		Sink:           repo,
		Checkpoints:    checkpoints,
		Budget:         budget,
		Logger:         appLogger,
		MaxConcurrency: cfg.MaxConcurrency,
		PageLimit:      cfg.PageLimit,
		MaxAttempts:    cfg.MaxAttempts,
		GapRetries:     cfg.GapRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RequestTimeout: cfg.RequestTimeout,
		RequestCost:    cfg.RequestCost,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize downloader: %v", err)
	}

	report, err := svc.Run(ctx, symbols, start, end, interval)
	if err != nil {
		log.Fatalf("FATAL: Run aborted: %v", err)
	}

	printReport(report, symbols)
	if report.Failed() {
		os.Exit(1)
	}
}

func printReport(report *domain.RunReport, symbols []string) {
	fmt.Printf("Ingestion %s -> %s @ %s\n",
		report.Start.Format(time.RFC3339), report.End.Format(time.RFC3339), report.Interval)
	for _, symbol := range symbols {
		rep, ok := report.Symbols[symbol]
		if !ok {
			continue
		}
		fmt.Printf("  %-12s %-12s persisted=%d\n", rep.Symbol, rep.Status, rep.Persisted)
		for _, fw := range rep.FailedWindows {
			fmt.Printf("    failed window %s after %d attempts: %s\n", fw.Window, fw.Attempts, fw.Err)
		}
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(strings.ToUpper(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTimeArg(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
