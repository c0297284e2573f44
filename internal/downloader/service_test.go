package downloader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/domain"
	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type sourceCall struct {
	symbol     string
	start, end time.Time
	limit      int
}

// mockSource records every upstream query and delegates the response to fn,
// which receives the zero-based call index for scripted failure sequences.
type mockSource struct {
	mu    sync.Mutex
	calls []sourceCall
	fn    func(call int, symbol string, start, end time.Time, limit int) ([]*domain.Kline, error)
}

func (m *mockSource) GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]*domain.Kline, error) {
	m.mu.Lock()
	call := len(m.calls)
	m.calls = append(m.calls, sourceCall{symbol: symbol, start: start, end: end, limit: limit})
	fn := m.fn
	m.mu.Unlock()
	return fn(call, symbol, start, end, limit)
}

func (m *mockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSource) call(i int) sourceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// mockSink stores klines keyed the way the real repository does, so duplicate
// writes collapse and coverage is checkable.
type mockSink struct {
	mu      sync.Mutex
	stored  map[string]map[int64]*domain.Kline
	batches int
	onStore func(batch []*domain.Kline) error
}

func newMockSink() *mockSink {
	return &mockSink{stored: make(map[string]map[int64]*domain.Kline)}
}

func (m *mockSink) StoreKlines(ctx context.Context, klines []*domain.Kline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onStore != nil {
		if err := m.onStore(klines); err != nil {
			return err
		}
	}
	m.batches++
	for _, k := range klines {
		if m.stored[k.Symbol] == nil {
			m.stored[k.Symbol] = make(map[int64]*domain.Kline)
		}
		m.stored[k.Symbol][k.OpenTime.UnixMilli()] = k
	}
	return nil
}

func (m *mockSink) count(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored[symbol])
}

func (m *mockSink) openTimes(symbol string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, 0, len(m.stored[symbol]))
	for ms := range m.stored[symbol] {
		out = append(out, time.UnixMilli(ms).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// mockCheckpoints mirrors the real store's monotonic in-memory behaviour and
// records the order of applied advances per symbol.
type mockCheckpoints struct {
	mu       sync.Mutex
	state    map[string]time.Time
	advances map[string][]time.Time
	loadErr  error
}

func newMockCheckpoints() *mockCheckpoints {
	return &mockCheckpoints{
		state:    make(map[string]time.Time),
		advances: make(map[string][]time.Time),
	}
}

func (m *mockCheckpoints) Load(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]time.Time, len(m.state))
	for symbol, t := range m.state {
		out[symbol] = t
	}
	return out, nil
}

func (m *mockCheckpoints) Advance(ctx context.Context, symbol string, openTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.state[symbol]; ok && !openTime.After(cur) {
		return nil
	}
	m.state[symbol] = openTime
	m.advances[symbol] = append(m.advances[symbol], openTime)
	return nil
}

func (m *mockCheckpoints) current(symbol string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[symbol]
}

func (m *mockCheckpoints) advanceLog(symbol string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.advances[symbol]...)
}

type mockBudget struct {
	mu          sync.Mutex
	acquired    int
	rateLimited int
	successes   int
}

func (m *mockBudget) Acquire(ctx context.Context, cost int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
	return nil
}

func (m *mockBudget) ReportRateLimited() {
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
}

func (m *mockBudget) ReportSuccess() {
	m.mu.Lock()
	m.successes++
	m.mu.Unlock()
}

// --- Helpers ---

func mustInterval(t *testing.T, s string) domain.Interval {
	t.Helper()
	iv, err := domain.ParseInterval(s)
	require.NoError(t, err)
	return iv
}

// genKlines produces contiguous klines with open times in [start, end),
// capped at limit records.
func genKlines(symbol string, iv domain.Interval, start, end time.Time, limit int) []*domain.Kline {
	out := make([]*domain.Kline, 0)
	for t := start; t.Before(end) && len(out) < limit; t = t.Add(iv.Duration()) {
		out = append(out, &domain.Kline{
			Symbol:    symbol,
			Interval:  iv,
			OpenTime:  t,
			CloseTime: t.Add(iv.Duration() - time.Millisecond),
			Open:      100, High: 101, Low: 99, Close: 100.5,
			Volume: 10,
		})
	}
	return out
}

// servingSource answers every query from a synthetic complete history.
func servingSource(iv domain.Interval) *mockSource {
	src := &mockSource{}
	src.fn = func(_ int, symbol string, start, end time.Time, limit int) ([]*domain.Kline, error) {
		return genKlines(symbol, iv, start, end, limit), nil
	}
	return src
}

func newTestService(t *testing.T, src ports.KlineSource, sink ports.KlineRepository, cps ports.CheckpointStore, budget ports.RateBudget, tweak func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Source:      src,
		Sink:        sink,
		Checkpoints: cps,
		Budget:      budget,
		Logger:      &mockLogger{},
		// Keep retries fast; individual tests override what they exercise.
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func assertContiguous(t *testing.T, opens []time.Time, iv domain.Interval, start, end time.Time) {
	t.Helper()
	require.NotEmpty(t, opens)
	assert.True(t, opens[0].Equal(start), "first open time should be %s, got %s", start, opens[0])
	assert.True(t, opens[len(opens)-1].Equal(end.Add(-iv.Duration())), "last open time should be %s, got %s", end.Add(-iv.Duration()), opens[len(opens)-1])
	for i := 1; i < len(opens); i++ {
		require.Equal(t, iv.Duration(), opens[i].Sub(opens[i-1]), "gap between %s and %s", opens[i-1], opens[i])
	}
}

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	src, sink, cps, budget := &mockSource{}, newMockSink(), newMockCheckpoints(), &mockBudget{}

	_, err := New(Config{Sink: sink, Checkpoints: cps, Budget: budget, Logger: &mockLogger{}})
	assert.Error(t, err, "missing source")

	_, err = New(Config{Source: src, Sink: sink, Checkpoints: cps, Budget: budget})
	assert.Error(t, err, "missing logger")

	svc, err := New(Config{Source: src, Sink: sink, Checkpoints: cps, Budget: budget, Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.Equal(t, 4, svc.cfg.MaxConcurrency)
	assert.Equal(t, 1500, svc.cfg.PageLimit)
	assert.Equal(t, 5, svc.cfg.MaxAttempts)
}

func TestRun_ArgumentValidation(t *testing.T) {
	iv := mustInterval(t, "1h")
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, servingSource(iv), newMockSink(), newMockCheckpoints(), &mockBudget{}, nil)

	_, err := svc.Run(context.Background(), nil, day, day.Add(24*time.Hour), iv)
	assert.Error(t, err, "no symbols")

	_, err = svc.Run(context.Background(), []string{"BTCUSDT"}, day, day.Add(24*time.Hour), domain.Interval{})
	assert.Error(t, err, "zero interval")

	_, err = svc.Run(context.Background(), []string{"BTCUSDT"}, day, day, iv)
	assert.Error(t, err, "empty range")

	_, err = svc.Run(context.Background(), []string{"BTCUSDT"}, day.Add(time.Hour), day, iv)
	assert.Error(t, err, "inverted range")
}

func TestRun_FullRangeComplete(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	src := servingSource(iv)
	sink := newMockSink()
	cps := newMockCheckpoints()
	budget := &mockBudget{}
	svc := newTestService(t, src, sink, cps, budget, func(c *Config) { c.PageLimit = 10 })

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	require.NotNil(t, rep)
	assert.Equal(t, domain.StatusComplete, rep.Status)
	assert.Equal(t, 24, rep.Persisted)
	assert.Empty(t, rep.FailedWindows)
	assert.False(t, report.Failed())

	assert.Equal(t, 24, sink.count("BTCUSDT"))
	assertContiguous(t, sink.openTimes("BTCUSDT"), iv, start, end)

	// Checkpoint lands on the last persisted open time.
	assert.True(t, cps.current("BTCUSDT").Equal(end.Add(-iv.Duration())))
	assert.GreaterOrEqual(t, budget.acquired, 3, "one acquisition per sub-window at least")
}

func TestRun_CheckpointAdvancesInOrder(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	cps := newMockCheckpoints()
	svc := newTestService(t, servingSource(iv), newMockSink(), cps, &mockBudget{}, func(c *Config) { c.PageLimit = 10 })

	_, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	// Sub-windows of 10 records each: advances land on each window's last open.
	log := cps.advanceLog("BTCUSDT")
	require.Len(t, log, 3)
	assert.True(t, log[0].Equal(start.Add(9*time.Hour)))
	assert.True(t, log[1].Equal(start.Add(19*time.Hour)))
	assert.True(t, log[2].Equal(start.Add(23*time.Hour)))
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	src := servingSource(iv)
	sink := newMockSink()
	cps := newMockCheckpoints()
	cps.state["BTCUSDT"] = start.Add(11 * time.Hour)

	svc := newTestService(t, src, sink, cps, &mockBudget{}, nil)
	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusComplete, rep.Status)
	assert.Equal(t, 12, rep.Persisted, "only the range past the checkpoint is fetched")

	resumeFrom := start.Add(12 * time.Hour)
	for i := 0; i < src.callCount(); i++ {
		c := src.call(i)
		assert.False(t, c.start.Before(resumeFrom), "query at %s precedes the checkpoint", c.start)
	}
	assertContiguous(t, sink.openTimes("BTCUSDT"), iv, resumeFrom, end)
}

func TestRun_CompletedSymbolIsNoOp(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	src := servingSource(iv)
	sink := newMockSink()
	cps := newMockCheckpoints()
	svc := newTestService(t, src, sink, cps, &mockBudget{}, nil)

	_, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)
	callsAfterFirst := src.callCount()
	countAfterFirst := sink.count("BTCUSDT")

	// A second identical run finds the checkpoint covering the range.
	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, report.Symbols["BTCUSDT"].Status)
	assert.Equal(t, 0, report.Symbols["BTCUSDT"].Persisted)
	assert.Equal(t, callsAfterFirst, src.callCount(), "no upstream traffic on a completed range")
	assert.Equal(t, countAfterFirst, sink.count("BTCUSDT"))
}

func TestRun_PermanentFailureIsolatedPerSymbol(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	src := &mockSource{}
	src.fn = func(_ int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		if symbol == "NOPEUSDT" {
			return nil, fmt.Errorf("%w: unknown symbol", ports.ErrInvalidSymbol)
		}
		return genKlines(symbol, iv, s, e, limit), nil
	}
	sink := newMockSink()
	svc := newTestService(t, src, sink, newMockCheckpoints(), &mockBudget{}, nil)

	report, err := svc.Run(context.Background(), []string{"NOPEUSDT", "ETHUSDT"}, start, end, iv)
	require.NoError(t, err, "one symbol's failure must not abort the run")

	bad := report.Symbols["NOPEUSDT"]
	assert.Equal(t, domain.StatusNotStarted, bad.Status)
	require.Len(t, bad.FailedWindows, 1)
	assert.Equal(t, 1, bad.FailedWindows[0].Attempts, "permanent errors are not retried")

	good := report.Symbols["ETHUSDT"]
	assert.Equal(t, domain.StatusComplete, good.Status)
	assert.Equal(t, 6, good.Persisted)
	assert.True(t, report.Failed())
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	src := &mockSource{}
	src.fn = func(call int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		if call < 2 {
			return nil, fmt.Errorf("%w: connection reset", ports.ErrConnectionFailed)
		}
		return genKlines(symbol, iv, s, e, limit), nil
	}
	svc := newTestService(t, src, newMockSink(), newMockCheckpoints(), &mockBudget{}, nil)

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusComplete, rep.Status)
	assert.Equal(t, 6, rep.Persisted)
	assert.Equal(t, 3, src.callCount(), "two failures then success")
}

func TestRun_ExhaustsAttemptBudget(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	src := &mockSource{}
	src.fn = func(int, string, time.Time, time.Time, int) ([]*domain.Kline, error) {
		return nil, fmt.Errorf("%w: upstream deadline", ports.ErrTimeout)
	}
	svc := newTestService(t, src, newMockSink(), newMockCheckpoints(), &mockBudget{}, func(c *Config) { c.MaxAttempts = 3 })

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusNotStarted, rep.Status)
	require.Len(t, rep.FailedWindows, 1)
	assert.Equal(t, 3, rep.FailedWindows[0].Attempts)
	assert.Equal(t, 3, src.callCount())
	assert.True(t, report.Failed())
}

func TestRun_EmptyWindowIsPermanent(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	src := &mockSource{}
	src.fn = func(int, string, time.Time, time.Time, int) ([]*domain.Kline, error) {
		return nil, nil
	}
	svc := newTestService(t, src, newMockSink(), newMockCheckpoints(), &mockBudget{}, nil)

	report, err := svc.Run(context.Background(), []string{"PRELISTUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["PRELISTUSDT"]
	assert.Equal(t, domain.StatusNotStarted, rep.Status)
	require.Len(t, rep.FailedWindows, 1)
	assert.Equal(t, 1, rep.FailedWindows[0].Attempts, "missing history cannot be retried into existence")
	assert.Equal(t, 1, src.callCount())
}

func TestRun_RefetchesGaps(t *testing.T) {
	iv := mustInterval(t, "5m")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	missing := start.Add(25 * time.Minute)

	src := &mockSource{}
	src.fn = func(call int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		page := genKlines(symbol, iv, s, e, limit)
		if call == 0 {
			// Drop one record from the middle of the first response.
			filtered := page[:0]
			for _, k := range page {
				if !k.OpenTime.Equal(missing) {
					filtered = append(filtered, k)
				}
			}
			return filtered, nil
		}
		return page, nil
	}
	sink := newMockSink()
	svc := newTestService(t, src, sink, newMockCheckpoints(), &mockBudget{}, nil)

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusComplete, rep.Status)
	assert.Equal(t, 12, rep.Persisted)

	require.Equal(t, 2, src.callCount())
	gapCall := src.call(1)
	assert.True(t, gapCall.start.Equal(missing), "re-fetch targets the gap, not the whole window")
	assert.True(t, gapCall.end.Equal(missing.Add(iv.Duration())))
	assertContiguous(t, sink.openTimes("BTCUSDT"), iv, start, end)
}

func TestRun_GapRetryBudgetExhausted(t *testing.T) {
	iv := mustInterval(t, "5m")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	missing := start.Add(25 * time.Minute)

	src := &mockSource{}
	src.fn = func(_ int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		page := genKlines(symbol, iv, s, e, limit)
		filtered := page[:0]
		for _, k := range page {
			if !k.OpenTime.Equal(missing) {
				filtered = append(filtered, k)
			}
		}
		return filtered, nil
	}
	svc := newTestService(t, src, newMockSink(), newMockCheckpoints(), &mockBudget{}, func(c *Config) {
		c.GapRetries = 2
		c.MaxAttempts = 1
	})

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusNotStarted, rep.Status)
	require.Len(t, rep.FailedWindows, 1)
	assert.Contains(t, rep.FailedWindows[0].Err, "missing")
	assert.Equal(t, 3, src.callCount(), "initial fetch plus two gap re-fetches")
}

func TestRun_RateLimitSignalReachesBudget(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	src := &mockSource{}
	src.fn = func(call int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		if call == 0 {
			return nil, fmt.Errorf("%w: too many requests", ports.ErrRateLimited)
		}
		return genKlines(symbol, iv, s, e, limit), nil
	}
	budget := &mockBudget{}
	svc := newTestService(t, src, newMockSink(), newMockCheckpoints(), budget, nil)

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusComplete, report.Symbols["BTCUSDT"].Status)
	assert.Equal(t, 1, budget.rateLimited, "the throttle signal must reach the shared budget")
	assert.GreaterOrEqual(t, budget.successes, 1)
}

func TestRun_CancellationLeavesSymbolResumable(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := servingSource(iv)
	sink := newMockSink()
	sink.onStore = func([]*domain.Kline) error {
		cancel() // simulate an operator stop mid-run
		return nil
	}
	cps := newMockCheckpoints()
	svc := newTestService(t, src, sink, cps, &mockBudget{}, func(c *Config) { c.PageLimit = 6 })

	report, err := svc.Run(ctx, []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusPartial, rep.Status)
	assert.Equal(t, 6, rep.Persisted, "only the first sub-window completed")
	assert.Empty(t, rep.FailedWindows)
	assert.Equal(t, 1, src.callCount(), "no upstream traffic after the stop signal")
	assert.True(t, cps.current("BTCUSDT").Equal(start.Add(5*time.Hour)), "checkpoint holds the last persisted open time for the next run")
}

func TestRun_CancellationDuringRetryIsNotAFailure(t *testing.T) {
	iv := mustInterval(t, "1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First sub-window succeeds; the stop signal lands while the second is
	// mid-fetch, so its retry loop surfaces the context error.
	src := &mockSource{}
	src.fn = func(call int, symbol string, s, e time.Time, limit int) ([]*domain.Kline, error) {
		if call >= 1 {
			cancel()
			return nil, fmt.Errorf("%w: connection reset", ports.ErrConnectionFailed)
		}
		return genKlines(symbol, iv, s, e, limit), nil
	}
	cps := newMockCheckpoints()
	svc := newTestService(t, src, newMockSink(), cps, &mockBudget{}, func(c *Config) { c.PageLimit = 12 })

	report, err := svc.Run(ctx, []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["BTCUSDT"]
	assert.Equal(t, domain.StatusPartial, rep.Status)
	assert.Equal(t, 12, rep.Persisted)
	assert.Empty(t, rep.FailedWindows, "an operator stop must not be recorded as a window failure")
	assert.True(t, cps.current("BTCUSDT").Equal(start.Add(11*time.Hour)), "the interrupted window stays outstanding for the next run")
}

func TestRun_TruncatesUnalignedRange(t *testing.T) {
	iv := mustInterval(t, "1m")
	start := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 10, 30, 0, time.UTC)

	sink := newMockSink()
	svc := newTestService(t, servingSource(iv), sink, newMockCheckpoints(), &mockBudget{}, nil)

	report, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, end, iv)
	require.NoError(t, err)

	alignedStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	alignedEnd := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	assert.True(t, report.Start.Equal(alignedStart))
	assert.True(t, report.End.Equal(alignedEnd))
	assert.Equal(t, 10, report.Symbols["BTCUSDT"].Persisted)
	assertContiguous(t, sink.openTimes("BTCUSDT"), iv, alignedStart, alignedEnd)
}

// Interrupting a two-day 5m backfill at the end of day one and re-running it
// must fetch only day two, without duplicating day one's records.
func TestRun_ResumeAfterInterruption(t *testing.T) {
	iv := mustInterval(t, "5m")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	killedAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	src := servingSource(iv)
	sink := newMockSink()
	cps := newMockCheckpoints()
	cps.state["X"] = killedAt // first run persisted through midnight before dying

	svc := newTestService(t, src, sink, cps, &mockBudget{}, nil)
	report, err := svc.Run(context.Background(), []string{"X"}, start, end, iv)
	require.NoError(t, err)

	rep := report.Symbols["X"]
	assert.Equal(t, domain.StatusComplete, rep.Status)
	assert.Equal(t, 287, rep.Persisted, "one day of 5m klines minus the checkpointed record")

	resumeFrom := killedAt.Add(iv.Duration())
	require.GreaterOrEqual(t, src.callCount(), 1)
	assert.True(t, src.call(0).start.Equal(resumeFrom), "first query resumes immediately after the checkpoint")

	assertContiguous(t, sink.openTimes("X"), iv, resumeFrom, end)
	assert.True(t, cps.current("X").Equal(end.Add(-iv.Duration())))
}

func TestRun_CheckpointLoadFailureAborts(t *testing.T) {
	iv := mustInterval(t, "1h")
	cps := newMockCheckpoints()
	cps.loadErr = fmt.Errorf("%w: disk gone", ports.ErrCheckpointFailed)
	svc := newTestService(t, servingSource(iv), newMockSink(), cps, &mockBudget{}, nil)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Run(context.Background(), []string{"BTCUSDT"}, start, start.Add(time.Hour), iv)
	assert.ErrorIs(t, err, ports.ErrCheckpointFailed)
}
