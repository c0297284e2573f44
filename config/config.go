package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pythymcpyface/tradingbot-sub005/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Binance API (optional: kline endpoints are public)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Storage
	DBPath         string
	CheckpointPath string

	// Download Parameters
	MaxConcurrency int // concurrent symbols
	PageLimit      int // klines per upstream request
	MaxAttempts    int // retries per sub-window
	GapRetries     int // narrower re-fetches per detected gap
	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Rate Limiting (request weight units)
	RateCapacity     int
	RateRefillPerSec float64
	RequestCost      int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
	SuccessReset     int

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", false)

	// Storage
	cfg.DBPath = getEnv("DB_PATH", "./data/klines.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.CheckpointPath = getEnv("CHECKPOINT_PATH", "./data/checkpoints.json")
	if cfg.CheckpointPath == "" {
		errs = append(errs, "CHECKPOINT_PATH must be set")
	}

	// Download Parameters
	cfg.MaxConcurrency = getEnvAsInt("MAX_CONCURRENCY", 4)
	if cfg.MaxConcurrency <= 0 {
		errs = append(errs, "MAX_CONCURRENCY must be positive")
	}
	cfg.PageLimit = getEnvAsInt("PAGE_LIMIT", 1500)
	if cfg.PageLimit <= 0 || cfg.PageLimit > 1500 {
		errs = append(errs, "PAGE_LIMIT must be between 1 and 1500")
	}
	cfg.MaxAttempts = getEnvAsInt("MAX_ATTEMPTS", 5)
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, "MAX_ATTEMPTS must be positive")
	}
	cfg.GapRetries = getEnvAsInt("GAP_RETRIES", 3)
	if cfg.GapRetries <= 0 {
		errs = append(errs, "GAP_RETRIES must be positive")
	}

	requestTimeoutSeconds := getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)
	if requestTimeoutSeconds <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	cfg.RequestTimeout = time.Duration(requestTimeoutSeconds) * time.Second

	initialBackoffMs := getEnvAsInt("INITIAL_BACKOFF_MS", 500)
	if initialBackoffMs <= 0 {
		errs = append(errs, "INITIAL_BACKOFF_MS must be positive")
	}
	cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond

	maxBackoffSeconds := getEnvAsInt("MAX_BACKOFF_SECONDS", 30)
	if maxBackoffSeconds <= 0 {
		errs = append(errs, "MAX_BACKOFF_SECONDS must be positive")
	}
	cfg.MaxBackoff = time.Duration(maxBackoffSeconds) * time.Second

	// Rate Limiting. Defaults stay well inside the futures API weight quota
	// (2400/min): 1200 weight capacity refilled at 20/s, 10 weight per
	// 1500-kline request.
	cfg.RateCapacity = getEnvAsInt("RATE_CAPACITY", 1200)
	if cfg.RateCapacity <= 0 {
		errs = append(errs, "RATE_CAPACITY must be positive")
	}
	cfg.RateRefillPerSec = getEnvAsFloat("RATE_REFILL_PER_SEC", 20.0)
	if cfg.RateRefillPerSec <= 0 {
		errs = append(errs, "RATE_REFILL_PER_SEC must be positive")
	}
	cfg.RequestCost = getEnvAsInt("REQUEST_COST", 10)
	if cfg.RequestCost <= 0 {
		errs = append(errs, "REQUEST_COST must be positive")
	}

	cooldownBaseSeconds := getEnvAsInt("COOLDOWN_BASE_SECONDS", 10)
	if cooldownBaseSeconds <= 0 {
		errs = append(errs, "COOLDOWN_BASE_SECONDS must be positive")
	}
	cfg.CooldownBase = time.Duration(cooldownBaseSeconds) * time.Second

	cooldownMaxSeconds := getEnvAsInt("COOLDOWN_MAX_SECONDS", 300)
	if cooldownMaxSeconds < cooldownBaseSeconds {
		errs = append(errs, "COOLDOWN_MAX_SECONDS must be at least COOLDOWN_BASE_SECONDS")
	}
	cfg.CooldownMax = time.Duration(cooldownMaxSeconds) * time.Second

	cfg.SuccessReset = getEnvAsInt("COOLDOWN_SUCCESS_RESET", 20)
	if cfg.SuccessReset <= 0 {
		errs = append(errs, "COOLDOWN_SUCCESS_RESET must be positive")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
