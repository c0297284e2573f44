package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"

	"golang.org/x/time/rate"
)

// Limiter implements ports.RateBudget as a continuously refilled token bucket
// with a cooldown gate. The bucket itself is golang.org/x/time/rate; the gate
// reacts to upstream too-many-requests signals by draining the bucket and
// pausing acquisition for a duration that doubles per consecutive signal,
// resetting to baseline after a sustained success streak.
type Limiter struct {
	bucket *rate.Limiter
	logger ports.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
	drainPending  bool // bucket must restart empty once the cooldown expires
	consecutive   int  // rate-limit signals since the last reset
	successes     int  // successes since the last signal

	baseCooldown time.Duration
	maxCooldown  time.Duration
	successReset int
}

// Config holds configuration for the rate limiter.
type Config struct {
	Capacity        int           // bucket capacity C
	RefillPerSecond float64       // refill rate R, tokens per second
	BaseCooldown    time.Duration // first cooldown after a rate-limit signal
	MaxCooldown     time.Duration // cap on the doubling cooldown
	SuccessReset    int           // successes needed to forget past signals
	Logger          ports.Logger
}

// New creates a rate limiter. The bucket starts full.
func New(cfg Config) (*Limiter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for rate limiter")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("rate limiter capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("rate limiter refill rate must be positive, got %f", cfg.RefillPerSecond)
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 10 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	if cfg.SuccessReset <= 0 {
		cfg.SuccessReset = 20
	}

	return &Limiter{
		bucket:       rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		logger:       cfg.Logger,
		baseCooldown: cfg.BaseCooldown,
		maxCooldown:  cfg.MaxCooldown,
		successReset: cfg.SuccessReset,
	}, nil
}

// Acquire suspends the caller until cost units of budget are available, then
// debits them. During a cooldown no budget is handed out at all: refill that
// accrues while paused is discarded, so the bucket restarts empty when the
// cooldown expires. Waiters are not strictly FIFO but none waits longer than
// the cooldown plus refill time.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost > l.bucket.Burst() {
		return fmt.Errorf("requested cost %d exceeds bucket capacity %d", cost, l.bucket.Burst())
	}

	for {
		if err := l.awaitCooldown(ctx); err != nil {
			return err
		}

		if err := l.bucket.WaitN(ctx, cost); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
			}
			return err
		}

		// A signal may have landed while we were blocked in WaitN. Tokens
		// handed out during a cooldown are void: forfeit them and re-wait.
		l.mu.Lock()
		paused := time.Now().Before(l.cooldownUntil)
		l.mu.Unlock()
		if !paused {
			return nil
		}
	}
}

// awaitCooldown blocks until no cooldown is active, then discards whatever
// refilled into the bucket while it was paused.
func (l *Limiter) awaitCooldown(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.cooldownUntil)
		if wait <= 0 {
			if l.drainPending {
				l.drainTokens(time.Now())
				l.drainPending = false
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		}
	}
}

// drainTokens empties the bucket. Must be called with l.mu held.
func (l *Limiter) drainTokens(now time.Time) {
	if tokens := int(l.bucket.TokensAt(now)); tokens > 0 {
		l.bucket.AllowN(now, tokens)
	}
}

// ReportRateLimited records an upstream too-many-requests signal: the bucket
// is drained and acquisition pauses for a cooldown that doubles with each
// consecutive signal, up to the configured cap.
func (l *Limiter) ReportRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successes = 0
	l.consecutive++

	d := l.baseCooldown
	for i := 1; i < l.consecutive && d < l.maxCooldown; i++ {
		d *= 2
	}
	if d > l.maxCooldown {
		d = l.maxCooldown
	}
	now := time.Now()
	l.cooldownUntil = now.Add(d)

	// Drop the budget currently in the bucket; drainPending makes the first
	// acquirer past the cooldown drop the refill that accrued during it.
	l.drainTokens(now)
	l.drainPending = true

	l.logger.Warn(context.Background(), "Upstream rate limit hit, entering cooldown", map[string]interface{}{
		"cooldown": d.String(), "consecutiveSignals": l.consecutive,
	})
}

// ReportSuccess records a successful upstream call. After a sustained streak
// the consecutive-signal counter resets, returning the cooldown schedule to
// baseline.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.consecutive == 0 {
		return
	}
	l.successes++
	if l.successes >= l.successReset {
		l.consecutive = 0
		l.successes = 0
	}
}
