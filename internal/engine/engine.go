// Package engine implements the main scheduler of spec §4.11/§5: a
// single-threaded per-tick driver over the tracked market set, fed by
// four background workers — the order-book stream, the fill stream, the
// discovery worker, and the volatility refresh pool.
//
// The scheduler goroutine drives every Machine through Tick. The fill
// stream only writes into per-ticker channels; the book stream writes
// into the lock-guarded Book and, for the reactive ask replace, also
// calls into the Machine under the market's mutex (see trackedMarket).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/exchange"
	"kalshi-lip-mm/internal/market"
	"kalshi-lip-mm/internal/quoting"
	"kalshi-lip-mm/internal/risk"
	"kalshi-lip-mm/internal/store"
	"kalshi-lip-mm/internal/strategy"
	"kalshi-lip-mm/pkg/types"
)

const fillQueueSize = 64

// trackedMarket bundles the per-ticker state the scheduler reads and
// writes every tick. Book and Inventory carry their own locks (spec §5).
// Machine carries none; mu serializes the two goroutines that touch it —
// the scheduler's Tick and the book dispatcher's reactive ask replace —
// so both the computation and the resulting OnPlaced/OnCancelled
// bookkeeping are mutually exclusive. The exchange round trip for an
// action itself runs outside mu.
type trackedMarket struct {
	market  types.Market
	book    *market.Book
	inv     *strategy.Inventory
	machine *strategy.Machine
	fillCh  chan types.FillEvent

	mu              sync.Mutex
	lastReactiveAsk time.Time
}

// Engine is the main scheduler and circuit breaker orchestrator (C11).
type Engine struct {
	cfg    config.Config
	client *exchange.Client

	bookFeed  *exchange.Feed
	fillFeed  *exchange.Feed
	discovery *market.Discovery

	volCache  *risk.Cache
	volEngine *risk.Engine
	breaker   *risk.Breaker
	monitor   *risk.Monitor
	store     *store.Store

	scoreCfg    risk.ScoreConfig
	strategyCfg strategy.Config

	logger *slog.Logger

	// marketsMu guards the ticker->trackedMarket routing table. Admission
	// and removal happen only on the scheduler goroutine; the two stream
	// dispatchers take the read lock to route an event to its Book or
	// fill channel.
	marketsMu sync.RWMutex
	tracked   map[string]*trackedMarket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subsystem from cfg. It does not start any goroutines —
// call Run to begin the scheduler loop and background workers.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(cfg, logger)
	bookFeed := exchange.NewOrderBookFeed(cfg.API.WSURL, logger)
	fillFeed := exchange.NewFillFeed(cfg.API.WSURL, logger)
	discovery := market.NewDiscovery(client, cfg.Discovery, logger)

	volCache := risk.NewCache()
	volEngine := risk.NewEngine(client, volCache, cfg.LIP.VolRefreshInterval, 8, logger)

	breaker := risk.NewBreaker(risk.BreakerConfig{
		MaxConsecutiveErrors:  cfg.Circuit.MaxConsecutiveErrors,
		PnLThreshold:          cfg.Circuit.PnLThreshold,
		MaxInventoryImbalance: cfg.Circuit.MaxInventoryImbalance,
	}, cfg.Store.DataDir, logger)
	if err := breaker.Load(); err != nil {
		return nil, err
	}
	monitor := risk.NewMonitor(cfg.Risk.MaxPosition, 60*time.Second, breaker, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		client:    client,
		bookFeed:  bookFeed,
		fillFeed:  fillFeed,
		discovery: discovery,
		volCache:  volCache,
		volEngine: volEngine,
		breaker:   breaker,
		monitor:   monitor,
		store:     st,
		logger:    logger.With("component", "engine"),
		scoreCfg: risk.ScoreConfig{
			TimeRiskK: cfg.LIP.TimeRiskK,
			VolGamma:  cfg.LIP.VolGamma,
		},
		strategyCfg: strategy.Config{
			Policy: quoting.PolicyConfig{
				RiskThreshold:       cfg.LIP.RiskThreshold,
				MediumRiskThreshold: cfg.LIP.MediumRiskThreshold,
				HighRiskThreshold:   cfg.LIP.HighRiskThreshold,
				InventoryFactor:     cfg.Risk.InventorySkewFactor,
				MaxPosition:         cfg.Risk.MaxPosition,
				MinQuoteWidthCents:  cfg.Loop.MinQuoteWidthCents,
			},
			LIPDiscountFactor:   cfg.LIP.DiscountFactor,
			LIPEnabled:          cfg.LIP.Enabled,
			ImproveCooldown:     time.Duration(cfg.Loop.ImproveCooldownSeconds) * time.Second,
			ImproveOncePerTouch: cfg.Loop.ImproveOncePerTouch,
			StaleBookTimeout:    cfg.Loop.StaleBookTimeout,
		},
		tracked: make(map[string]*trackedMarket),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Run starts all background workers and blocks running the main scheduler
// loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.bookFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("order book feed exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.fillFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("fill feed exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.discovery.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchBookEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchFillEvents()
	}()

	e.schedulerLoop()
}

// Stop cancels every background worker, cancels all resting orders as a
// best-effort safety net, persists final inventory, and waits up to 5s
// for everything to exit (spec §5's shutdown discipline).
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), e.cfg.Loop.StaleBookTimeout)
	defer cancelCancel()
	e.cancelAllLiveOrders(cancelCtx)

	e.marketsMu.RLock()
	for ticker, tm := range e.tracked {
		if err := e.store.SavePosition(ticker, tm.inv.Snapshot()); err != nil {
			e.logger.Error("failed to save position on shutdown", "ticker", ticker, "error", err)
		}
	}
	e.marketsMu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn("shutdown timed out waiting for workers")
	}

	e.bookFeed.Close()
	e.fillFeed.Close()
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// schedulerLoop is the single-threaded main loop of spec §4.11.
func (e *Engine) schedulerLoop() {
	ticker := time.NewTicker(e.cfg.Loop.DT)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	now := time.Now()
	breakerOpen := e.breaker.IsOpen()

	if !breakerOpen {
		e.admitFromDiscovery(now)
		e.maybeRefreshVolatility(now)
	}

	e.marketsMu.RLock()
	tickers := make([]string, 0, len(e.tracked))
	for t := range e.tracked {
		tickers = append(tickers, t)
	}
	e.marketsMu.RUnlock()

	for _, ticker := range tickers {
		e.marketsMu.RLock()
		tm, ok := e.tracked[ticker]
		e.marketsMu.RUnlock()
		if !ok {
			continue
		}
		e.tickMarket(now, ticker, tm, breakerOpen)
	}
}

func (e *Engine) tickMarket(now time.Time, ticker string, tm *trackedMarket, breakerOpen bool) {
	tm.mu.Lock()
	e.drainFills(tm)

	preTick := map[types.Side]types.LiveOrder{}
	if o, ok := tm.machine.LiveOrder(types.Buy); ok {
		preTick[types.Buy] = o
	}
	if o, ok := tm.machine.LiveOrder(types.Sell); ok {
		preTick[types.Sell] = o
	}

	riskScore := risk.Score(e.scoreCfg, e.volCache, tm.market, now)
	actions := tm.machine.Tick(now, tm.market, tm.book, tm.inv, riskScore, breakerOpen, e.strategyCfg)
	tm.mu.Unlock()

	for _, action := range actions {
		e.executeAction(tm, action, preTick)
	}

	e.monitor.Report(risk.PositionReport{
		Ticker:      ticker,
		Inventory:   tm.inv.Position(),
		RealizedPnL: tm.inv.RealizedPnL(),
		Timestamp:   now,
	})

	for _, action := range actions {
		if action.Kind == types.ActionUntrack {
			e.untrack(ticker)
			return
		}
	}
}

func (e *Engine) drainFills(tm *trackedMarket) {
	for {
		select {
		case fill := <-tm.fillCh:
			tm.inv.OnFill(fill)
			tm.machine.OnFill(fill)
		default:
			return
		}
	}
}

// executeAction carries out one Action against the exchange client,
// feeding the result back into the circuit breaker per spec §7's error
// policy.
func (e *Engine) executeAction(tm *trackedMarket, action types.Action, preTick map[types.Side]types.LiveOrder) {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	// correlationID ties the place/cancel log lines for this action back
	// to a single dispatch, since the exchange's own order ID isn't known
	// until PlaceOrder returns.
	correlationID := uuid.New().String()
	logger := e.logger.With("corr_id", correlationID, "ticker", action.Ticker, "reason", action.Reason)

	switch action.Kind {
	case types.ActionCancel:
		order, ok := preTick[action.Side]
		if !ok {
			return
		}
		if err := e.client.CancelOrder(ctx, order.OrderID); err != nil {
			e.recordError(err)
			logger.Warn("cancel failed", "side", action.Side, "error", err)
			return
		}
		e.recordSuccess()
		tm.mu.Lock()
		tm.machine.OnCancelled(action.Side)
		tm.mu.Unlock()

	case types.ActionPlace:
		orderID, err := e.client.PlaceOrder(ctx, types.OrderRequest{
			Ticker: action.Ticker,
			Side:   action.Side,
			Price:  action.Price,
			Size:   action.Size,
			TIF:    types.GTC,
		})
		if err != nil {
			e.recordPlaceError(logger, err)
			return
		}
		e.recordSuccess()
		tm.mu.Lock()
		tm.machine.OnPlaced(action.Side, types.LiveOrder{
			OrderID:       orderID,
			Side:          action.Side,
			Price:         action.Price,
			RemainingSize: action.Size,
			SubmitTS:      time.Now(),
		})
		tm.mu.Unlock()

	case types.ActionCashOut:
		_, err := e.client.PlaceOrder(ctx, types.OrderRequest{
			Ticker: action.Ticker,
			Side:   action.Side,
			Price:  action.Price,
			Size:   action.Size,
			TIF:    types.IOC,
		})
		if err != nil {
			e.recordPlaceError(logger, err)
			return
		}
		e.recordSuccess()

	case types.ActionUntrack, types.ActionNoOp:
		// No exchange call required.
	}
}

func (e *Engine) recordSuccess() {
	e.breaker.RecordAPIResult(true)
}

func (e *Engine) recordError(err error) {
	kind := exchange.KindOf(err)
	if exchange.TripsBreakerImmediately(kind) {
		e.breaker.TripImmediately(err.Error())
		return
	}
	if exchange.CountsAsConsecutiveError(kind) {
		e.breaker.RecordAPIResult(false)
	}
}

// recordPlaceError applies spec §7's OrderRejected carve-out: a rejected
// order is logged but never counts toward the breaker.
func (e *Engine) recordPlaceError(logger *slog.Logger, err error) {
	kind := exchange.KindOf(err)
	if kind == exchange.KindOrderRejected {
		logger.Warn("order rejected", "error", err)
		return
	}
	e.recordError(err)
	logger.Warn("place order failed", "error", err)
}

// admitFromDiscovery takes the oldest queued discovery result, if any, and
// starts tracking new markets up to MaxMarketsWithOrders (spec §4.10,
// §4.11 step 2).
func (e *Engine) admitFromDiscovery(now time.Time) {
	select {
	case markets := <-e.discovery.Results():
		e.marketsMu.RLock()
		slots := e.cfg.Loop.MaxMarketsWithOrders - len(e.tracked)
		e.marketsMu.RUnlock()
		if slots <= 0 {
			return
		}
		for _, m := range markets {
			if slots <= 0 {
				break
			}
			e.marketsMu.RLock()
			_, already := e.tracked[m.Ticker]
			e.marketsMu.RUnlock()
			if already {
				continue
			}
			if e.strategyCfg.Policy.RiskThreshold > 0 {
				score := risk.Score(e.scoreCfg, e.volCache, m, now)
				if score > e.strategyCfg.Policy.RiskThreshold {
					continue
				}
			}
			e.track(m)
			slots--
		}
	default:
	}
}

func (e *Engine) maybeRefreshVolatility(now time.Time) {
	if now.Sub(e.volCache.LastRefresh()) < e.cfg.LIP.VolRefreshInterval {
		return
	}
	e.marketsMu.RLock()
	tickers := make([]string, 0, len(e.tracked))
	for t := range e.tracked {
		tickers = append(tickers, t)
	}
	e.marketsMu.RUnlock()
	if len(tickers) == 0 {
		return
	}
	// Non-blocking: runs on its own goroutine, the next tick sees the
	// updated cache once Refresh completes (spec §4.11 step 3).
	go func() {
		if err := e.volEngine.Refresh(e.ctx, now, tickers); err != nil {
			e.logger.Error("volatility refresh failed", "error", err)
		}
	}()
}

func (e *Engine) track(m types.Market) {
	book := market.NewBook(m.Ticker)
	inv := strategy.NewInventory(m.Ticker)

	if snap, err := e.store.LoadPosition(m.Ticker); err == nil && snap != nil {
		inv.Restore(*snap)
	}

	flow := strategy.NewFlowTracker(
		time.Duration(e.cfg.Flow.WindowSeconds)*time.Second,
		e.cfg.Flow.ToxicityThreshold,
		time.Duration(e.cfg.Flow.CooldownSeconds)*time.Second,
		e.cfg.Flow.MaxWidthMultiple,
	)
	machine := strategy.NewMachine(m.Ticker, flow, e.logger)

	initCtx, initCancel := context.WithTimeout(e.ctx, 10*time.Second)
	if resp, err := e.client.GetOrderBook(initCtx, m.Ticker); err == nil {
		book.ApplySnapshot(types.SideYes, resp.YesBids, 0)
		book.ApplySnapshot(types.SideNo, resp.NoBids, 0)
	} else {
		e.logger.Warn("initial book fetch failed", "ticker", m.Ticker, "error", err)
	}
	initCancel()

	tm := &trackedMarket{
		market:  m,
		book:    book,
		inv:     inv,
		machine: machine,
		fillCh:  make(chan types.FillEvent, fillQueueSize),
	}

	e.marketsMu.Lock()
	e.tracked[m.Ticker] = tm
	e.marketsMu.Unlock()

	if err := e.bookFeed.Subscribe([]string{m.Ticker}); err != nil {
		e.logger.Warn("subscribe book feed failed", "ticker", m.Ticker, "error", err)
	}
	if err := e.fillFeed.Subscribe([]string{m.Ticker}); err != nil {
		e.logger.Warn("subscribe fill feed failed", "ticker", m.Ticker, "error", err)
	}

	e.logger.Info("market tracked", "ticker", m.Ticker, "lip_target", m.LIPTarget)
}

func (e *Engine) untrack(ticker string) {
	e.marketsMu.Lock()
	tm, ok := e.tracked[ticker]
	if ok {
		delete(e.tracked, ticker)
	}
	e.marketsMu.Unlock()
	if !ok {
		return
	}

	if err := e.bookFeed.Unsubscribe([]string{ticker}); err != nil {
		e.logger.Warn("unsubscribe book feed failed", "ticker", ticker, "error", err)
	}
	if err := e.fillFeed.Unsubscribe([]string{ticker}); err != nil {
		e.logger.Warn("unsubscribe fill feed failed", "ticker", ticker, "error", err)
	}
	e.monitor.RemoveMarket(ticker)

	if err := e.store.SavePosition(ticker, tm.inv.Snapshot()); err != nil {
		e.logger.Error("failed to save position on untrack", "ticker", ticker, "error", err)
	}

	e.logger.Info("market untracked", "ticker", ticker)
}

// cancelAllLiveOrders is the shutdown-time safety net of spec §5: best
// effort, failures logged but never block exit.
func (e *Engine) cancelAllLiveOrders(ctx context.Context) {
	e.marketsMu.RLock()
	defer e.marketsMu.RUnlock()

	for ticker, tm := range e.tracked {
		for _, side := range []types.Side{types.Buy, types.Sell} {
			tm.mu.Lock()
			order, ok := tm.machine.LiveOrder(side)
			tm.mu.Unlock()
			if !ok {
				continue
			}
			if err := e.client.CancelOrder(ctx, order.OrderID); err != nil {
				e.logger.Error("shutdown cancel failed", "ticker", ticker, "side", side, "error", err)
			}
		}
	}
}

func (e *Engine) dispatchBookEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.bookFeed.BookEvents():
			e.routeBookEvent(evt)
		}
	}
}

func (e *Engine) routeBookEvent(evt types.BookEvent) {
	e.marketsMu.RLock()
	tm, ok := e.tracked[evt.Ticker]
	e.marketsMu.RUnlock()
	if !ok {
		return
	}

	prevTouch := tm.book.Touch()

	switch evt.Type {
	case types.EventSnapshot:
		tm.book.ApplySnapshot(evt.Side, evt.Levels, evt.Seq)
	case types.EventDelta:
		if needsResync := tm.book.ApplyDelta(evt.Side, evt.Price, evt.Delta, evt.Seq); needsResync {
			e.resyncBook(tm, evt.Side)
		}
	}

	newTouch := tm.book.Touch()
	if newTouch.YesBid == prevTouch.YesBid && newTouch.HaveYesBid == prevTouch.HaveYesBid {
		return
	}

	select {
	case <-e.ctx.Done():
		return
	default:
	}

	e.reactiveAskUpdate(tm, newTouch)
}

// reactiveAskUpdate is the C9-triggered reactive sell replace of spec
// §4.7: an order-book event that moved the best bid recomputes the ask
// and, subject to a per-market cooldown, replaces the live sell order.
// It runs on the book dispatcher's goroutine, not the scheduler's, so
// the brief touch of Machine state is guarded by tm.mu; the exchange
// round trip itself runs unlocked.
func (e *Engine) reactiveAskUpdate(tm *trackedMarket, touch market.TouchSnapshot) {
	now := time.Now()
	cooldown := time.Duration(e.cfg.Loop.OrderbookUpdateCooldownMs) * time.Millisecond

	tm.mu.Lock()
	if now.Sub(tm.lastReactiveAsk) < cooldown {
		tm.mu.Unlock()
		return
	}

	preTick := map[types.Side]types.LiveOrder{}
	if o, ok := tm.machine.LiveOrder(types.Sell); ok {
		preTick[types.Sell] = o
	}

	riskScore := risk.Score(e.scoreCfg, e.volCache, tm.market, now)
	actions := tm.machine.ReactiveAskUpdate(now, tm.market, tm.book, tm.inv, riskScore, touch, e.strategyCfg)
	if len(actions) > 0 {
		tm.lastReactiveAsk = now
	}
	tm.mu.Unlock()

	for _, action := range actions {
		e.executeAction(tm, action, preTick)
	}
}

// resyncBook requests a fresh snapshot for one side after a sequence gap
// (spec §4.2, §4.9).
func (e *Engine) resyncBook(tm *trackedMarket, side types.BookSide) {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	resp, err := e.client.GetOrderBook(ctx, tm.market.Ticker)
	if err != nil {
		e.logger.Warn("resync fetch failed", "ticker", tm.market.Ticker, "side", side, "error", err)
		return
	}
	if side == types.SideYes {
		tm.book.ApplySnapshot(types.SideYes, resp.YesBids, 0)
	} else {
		tm.book.ApplySnapshot(types.SideNo, resp.NoBids, 0)
	}
}

func (e *Engine) dispatchFillEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case fill := <-e.fillFeed.FillEvents():
			e.routeFillEvent(fill)
		}
	}
}

func (e *Engine) routeFillEvent(fill types.FillEvent) {
	e.marketsMu.RLock()
	tm, ok := e.tracked[fill.Ticker]
	e.marketsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case tm.fillCh <- fill:
	default:
		e.logger.Warn("fill channel full", "ticker", fill.Ticker)
	}
}
