// Package risk implements the volatility engine (C3), the risk scorer
// (C4), and the circuit breaker (C11's safety gate).
package risk

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kalshi-lip-mm/internal/quoting"
	"kalshi-lip-mm/pkg/types"
)

// minValidReturns is the floor below which a ticker's sigma is a sentinel
// zero and the ticker is excluded from percentile ranking (spec §4.3).
const minValidReturns = 8

// ewmaAlpha is the default smoothing factor for the volatility EWMA.
const ewmaAlpha = 0.3

// candleWindow and candlePeriod are the contract taken for the (otherwise
// undocumented) candlestick endpoint per spec §9 Open Questions.
const (
	candleWindow = 48 * time.Hour
	candlePeriod = 5 * time.Minute
)

// CandleFetcher is the subset of the exchange client the volatility engine
// needs — get_candles from spec §6.
type CandleFetcher interface {
	GetCandles(ctx context.Context, ticker string, startTS, endTS time.Time) ([]types.Candle, error)
}

// VolEntry is one ticker's cached volatility reading.
type VolEntry struct {
	Sigma      float64
	Percentile float64
}

// cacheSnapshot is the immutable payload swapped atomically by Cache.
type cacheSnapshot struct {
	entries       map[string]VolEntry
	lastRefreshTS time.Time
}

// Cache is the process-wide VolatilityCache of spec §3: refilled
// atomically on each refresh, read lock-free by reference swap.
type Cache struct {
	ptr atomic.Pointer[cacheSnapshot]
}

// NewCache returns an empty cache. Reads against it return (zero, false)
// until the first refresh completes.
func NewCache() *Cache {
	c := &Cache{}
	c.ptr.Store(&cacheSnapshot{entries: map[string]VolEntry{}})
	return c
}

// Get returns the cached entry for ticker, if present.
func (c *Cache) Get(ticker string) (VolEntry, bool) {
	snap := c.ptr.Load()
	e, ok := snap.entries[ticker]
	return e, ok
}

// LastRefresh returns the timestamp of the most recent completed refresh.
func (c *Cache) LastRefresh() time.Time {
	return c.ptr.Load().lastRefreshTS
}

// Engine runs periodic volatility refreshes over the tracked universe.
type Engine struct {
	client      CandleFetcher
	cache       *Cache
	alpha       float64
	concurrency int
	interval    time.Duration
	logger      *slog.Logger

	mu sync.Mutex // serializes concurrent Refresh calls' gate check
}

// NewEngine creates a volatility engine. concurrency bounds the worker
// pool used to fetch candles for every tracked ticker in parallel
// (spec §4.3's "N-worker pool", grounded on golang.org/x/sync/errgroup).
func NewEngine(client CandleFetcher, cache *Cache, interval time.Duration, concurrency int, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Engine{
		client:      client,
		cache:       cache,
		alpha:       ewmaAlpha,
		concurrency: concurrency,
		interval:    interval,
		logger:      logger.With("component", "volatility"),
	}
}

// Refresh recomputes sigma for every ticker in tickers and atomically
// swaps the cache, per spec §4.3. It is gated: a call arriving before
// `interval` has elapsed since the last successful refresh is a no-op.
// Failure of any single ticker's fetch does not abort the batch — that
// ticker is simply excluded from the percentile distribution.
func (e *Engine) Refresh(ctx context.Context, now time.Time, tickers []string) error {
	e.mu.Lock()
	last := e.cache.LastRefresh()
	if !last.IsZero() && now.Sub(last) < e.interval {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sigmas := make(map[string]float64, len(tickers))
	var sigmasMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			sigma, ok := e.computeSigma(gctx, ticker, now)
			if !ok {
				return nil
			}
			sigmasMu.Lock()
			sigmas[ticker] = sigma
			sigmasMu.Unlock()
			return nil
		})
	}
	// errgroup.Group with a context derived from ctx would cancel the whole
	// batch on the first ticker error; computeSigma swallows its own
	// errors and returns ok=false instead, so Wait never aborts the batch.
	_ = g.Wait()

	entries := buildPercentiles(sigmas)
	e.cache.ptr.Store(&cacheSnapshot{entries: entries, lastRefreshTS: now})

	e.logSummary(sigmas)
	return nil
}

func (e *Engine) computeSigma(ctx context.Context, ticker string, now time.Time) (float64, bool) {
	candles, err := e.client.GetCandles(ctx, ticker, now.Add(-candleWindow), now)
	if err != nil {
		e.logger.Warn("candle fetch failed, excluding from ranking", "ticker", ticker, "error", err)
		return 0, false
	}

	logits := make([]float64, 0, len(candles))
	for _, c := range candles {
		p := c.Close.ToFloat()
		if c.Close <= types.MinTick || c.Close >= types.MaxTick {
			continue
		}
		logits = append(logits, quoting.Logit(p))
	}

	if len(logits) < minValidReturns+1 {
		return 0, false
	}

	returns := make([]float64, 0, len(logits)-1)
	for i := 1; i < len(logits); i++ {
		r := logits[i] - logits[i-1]
		returns = append(returns, math.Abs(r))
	}
	if len(returns) < minValidReturns {
		return 0, false
	}

	sigma := quoting.EWMA(returns, e.alpha)
	return sigma, true
}

// buildPercentiles ranks sigmas and assigns each ticker a percentile in
// [0,1], with ties broken by first occurrence (spec §4.3/§3).
func buildPercentiles(sigmas map[string]float64) map[string]VolEntry {
	if len(sigmas) == 0 {
		return map[string]VolEntry{}
	}

	tickers := make([]string, 0, len(sigmas))
	for t := range sigmas {
		tickers = append(tickers, t)
	}
	sort.SliceStable(tickers, func(i, j int) bool {
		return sigmas[tickers[i]] < sigmas[tickers[j]]
	})

	entries := make(map[string]VolEntry, len(tickers))
	n := len(tickers)
	for rank, t := range tickers {
		var pct float64
		if n > 1 {
			pct = float64(rank) / float64(n-1)
		}
		entries[t] = VolEntry{Sigma: sigmas[t], Percentile: pct}
	}
	return entries
}

func (e *Engine) logSummary(sigmas map[string]float64) {
	if len(sigmas) == 0 {
		e.logger.Info("volatility refresh complete", "tickers", 0)
		return
	}

	vals := make([]float64, 0, len(sigmas))
	for _, v := range sigmas {
		vals = append(vals, v)
	}
	sort.Float64s(vals)

	type kv struct {
		ticker string
		sigma  float64
	}
	top := make([]kv, 0, len(sigmas))
	for t, v := range sigmas {
		top = append(top, kv{t, v})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].sigma > top[j].sigma })
	if len(top) > 5 {
		top = top[:5]
	}
	topTickers := make([]string, len(top))
	for i, kv := range top {
		topTickers[i] = kv.ticker
	}

	e.logger.Info("volatility refresh complete",
		"tickers", len(vals),
		"min", vals[0],
		"median", vals[len(vals)/2],
		"max", vals[len(vals)-1],
		"top5", topTickers,
	)
}
