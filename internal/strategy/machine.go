package strategy

import (
	"log/slog"
	"time"

	"kalshi-lip-mm/internal/market"
	"kalshi-lip-mm/internal/quoting"
	"kalshi-lip-mm/pkg/types"
)

// State is one node of the per-market lifecycle: idle -> tracked ->
// quoting <-> blocked -> exiting -> closed (spec §4.7, C7).
type State string

const (
	StateIdle    State = "idle"
	StateTracked State = "tracked"
	StateQuoting State = "quoting"
	StateBlocked State = "blocked"
	StateExiting State = "exiting"
	StateClosed  State = "closed"
)

// Config bundles the per-tick tunables the state machine needs. These
// come from config.Config but are flattened here so Machine has no
// dependency on the config package.
type Config struct {
	Policy              quoting.PolicyConfig
	LIPDiscountFactor   float64
	LIPEnabled          bool
	ImproveCooldown     time.Duration
	ImproveOncePerTouch bool
	StaleBookTimeout    time.Duration
}

// Machine is the per-market state machine. Machine carries no internal
// lock of its own: the engine serializes every call into a given
// Machine — normally from the scheduler loop's Tick, and briefly from
// the book-stream dispatcher's ReactiveAskUpdate — behind one per-market
// mutex (spec §5).
type Machine struct {
	ticker string
	state  State

	liveOrders map[types.Side]types.LiveOrder // at most one resting order per side

	lastImproveTS     map[types.Side]time.Time
	improvedThisTouch map[types.Side]bool
	lastTouch         market.TouchSnapshot

	// blockedOnTouch is set when extreme_price drives the machine into
	// blocked; it pins the touch seen at block time so the machine stays
	// blocked until that touch actually moves (spec §4.7), rather than
	// unblocking on the next tick like a circuit-breaker block does.
	blockedOnTouch *market.TouchSnapshot

	flow *FlowTracker

	logger *slog.Logger
}

// NewMachine creates a state machine for ticker, starting in `tracked` —
// discovery has already filtered out markets the engine shouldn't track,
// so there is no separate idle-to-tracked transition to drive.
func NewMachine(ticker string, flow *FlowTracker, logger *slog.Logger) *Machine {
	return &Machine{
		ticker:            ticker,
		state:             StateTracked,
		liveOrders:        make(map[types.Side]types.LiveOrder),
		lastImproveTS:     make(map[types.Side]time.Time),
		improvedThisTouch: make(map[types.Side]bool),
		flow:              flow,
		logger:            logger.With("component", "strategy", "ticker", ticker),
	}
}

// OnFill feeds a confirmed fill into the local toxicity detector. The
// engine calls this when it drains the market's fill queue at the start
// of each scheduler tick, before Tick runs.
func (m *Machine) OnFill(fill types.FillEvent) {
	if m.flow != nil {
		m.flow.AddFill(fill)
	}
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State { return m.state }

// LiveOrder returns the order this machine believes is resting on side,
// if any.
func (m *Machine) LiveOrder(side types.Side) (types.LiveOrder, bool) {
	o, ok := m.liveOrders[side]
	return o, ok
}

// OnPlaced records that a Place action succeeded and an order is now
// resting. The engine calls this after a successful exchange response.
func (m *Machine) OnPlaced(side types.Side, order types.LiveOrder) {
	m.liveOrders[side] = order
}

// OnCancelled drops the bookkeeping for a side once its cancel is
// confirmed.
func (m *Machine) OnCancelled(side types.Side) {
	delete(m.liveOrders, side)
}

// Tick evaluates one scheduler pass for this market and returns the
// actions the engine should execute. The book's touch is snapshotted once
// up front; the band builder reads the book's level lists separately.
func (m *Machine) Tick(now time.Time, mkt types.Market, book *market.Book, inventory *Inventory, riskScore float64, breakerOpen bool, cfg Config) []types.Action {
	if breakerOpen {
		return m.enterBlocked("circuit breaker open")
	}

	touch := book.Touch()

	if m.state == StateBlocked {
		if m.blockedOnTouch != nil && touch == *m.blockedOnTouch {
			return nil
		}
		m.blockedOnTouch = nil
		m.state = StateTracked
	}

	if book.IsStale(cfg.StaleBookTimeout) {
		return m.cancelAll("book stale")
	}

	res, err := quoting.DetectResolution(touch.YesBid, touch.NoBid, touch.HaveYesBid, touch.HaveNoBid)
	if err != nil {
		m.logger.Warn("inconsistent book, skipping tick", "error", err)
		return nil
	}
	if res != quoting.ResolutionNone {
		return m.handleResolution(res, touch, inventory)
	}

	if m.state == StateExiting {
		// Entered either via a prior skip("lip_target_met") with non-zero
		// inventory, or via a resolution that has since reverted to
		// ResolutionNone — either way the market keeps reducing until flat
		// rather than resuming normal quoting.
		m.trackTouch(touch)
		return m.handleExiting(now, mkt, book, touch, inventory, riskScore, cfg)
	}

	if !touch.HaveYesBid || !touch.HaveNoBid {
		return m.cancelAll("one-sided book")
	}

	preState := m.state
	m.trackTouch(touch)
	actions := m.updateQuotes(now, mkt, book, touch, inventory, riskScore, cfg)
	if m.state == preState && (len(actions) > 0 || len(m.liveOrders) > 0) {
		m.state = StateQuoting
	}
	return actions
}

func (m *Machine) enterBlocked(reason string) []types.Action {
	if m.state == StateBlocked {
		return nil
	}
	m.state = StateBlocked
	m.blockedOnTouch = nil
	return m.cancelAllInternal(reason)
}

// handleExiting implements the reduce-only exiting state of spec §4.7:
// only the side that reduces inventory is allowed to quote (ask for
// positive inventory, bid for negative); the opposing side's live
// order, if any, is canceled. Reaching flat closes the market.
func (m *Machine) handleExiting(now time.Time, mkt types.Market, book *market.Book, touch market.TouchSnapshot, inventory *Inventory, riskScore float64, cfg Config) []types.Action {
	pos := inventory.Position()
	if pos == 0 {
		actions := m.cancelAllInternal("exiting: flat")
		m.state = StateClosed
		actions = append(actions, types.Action{
			Kind:   types.ActionUntrack,
			Ticker: m.ticker,
			Reason: "exiting complete",
		})
		return actions
	}

	allowed, suppressed := types.Sell, types.Buy
	if pos < 0 {
		allowed, suppressed = types.Buy, types.Sell
	}

	var actions []types.Action
	if order, ok := m.liveOrders[suppressed]; ok {
		delete(m.liveOrders, suppressed)
		actions = append(actions, types.Action{
			Kind:   types.ActionCancel,
			Ticker: m.ticker,
			Side:   suppressed,
			Price:  order.Price,
			Reason: "exiting: reduce only",
		})
	}

	if !touch.HaveYesBid || !touch.HaveNoBid {
		return actions
	}

	discount := cfg.LIPDiscountFactor
	if !cfg.LIPEnabled {
		discount = 1.0
	}

	var band []quoting.BandLevel
	var ok bool
	var best types.Ticks
	if allowed == types.Sell {
		band, ok = quoting.BuildQualifyingBand(book.NoBidLevels(), mkt.LIPTarget, discount)
		best = touch.YesAsk
	} else {
		band, ok = quoting.BuildQualifyingBand(book.YesBidLevels(), mkt.LIPTarget, discount)
		best = touch.YesBid
	}
	if !ok {
		return append(actions, m.reconcileSide(now, allowed, quoting.LevelDecision{Skip: types.SkipBookTooThin}, cfg)...)
	}

	decision := quoting.ChooseLevel(cfg.Policy, band, mkt.LIPTarget, band[0].Size, riskScore, allowed, pos, best)
	actions = append(actions, m.reconcileSide(now, allowed, decision, cfg)...)
	return actions
}

func (m *Machine) cancelAll(reason string) []types.Action {
	return m.cancelAllInternal(reason)
}

func (m *Machine) cancelAllInternal(reason string) []types.Action {
	var actions []types.Action
	for side, order := range m.liveOrders {
		actions = append(actions, types.Action{
			Kind:   types.ActionCancel,
			Ticker: m.ticker,
			Side:   side,
			Price:  order.Price,
			Reason: reason,
		})
	}
	return actions
}

// handleResolution drives the exiting state: cancel any resting quotes
// and issue a cash-out order, then transition to closed once inventory
// is flat and nothing is resting (spec §4.6).
func (m *Machine) handleResolution(res quoting.Resolution, touch market.TouchSnapshot, inventory *Inventory) []types.Action {
	m.state = StateExiting

	actions := m.cancelAllInternal("market resolved")

	pos := inventory.Position()
	if cashOut, ok := quoting.CashOutAction(m.ticker, res, pos, touch.YesBid, touch.YesAsk); ok {
		actions = append(actions, cashOut)
		return actions
	}

	if len(m.liveOrders) == 0 {
		m.state = StateClosed
		actions = append(actions, types.Action{
			Kind:   types.ActionUntrack,
			Ticker: m.ticker,
			Reason: "resolved and flat",
		})
	}
	return actions
}

// updateQuotes is the core per-tick quoting logic (spec §4.5): build the
// qualifying band on each side, choose a level, apply the minimum quote
// width, and reconcile against what is currently resting.
func (m *Machine) updateQuotes(now time.Time, mkt types.Market, book *market.Book, touch market.TouchSnapshot, inventory *Inventory, riskScore float64, cfg Config) []types.Action {
	discount := cfg.LIPDiscountFactor
	if !cfg.LIPEnabled {
		discount = 1.0
	}

	bidBand, bidOk := quoting.BuildQualifyingBand(book.YesBidLevels(), mkt.LIPTarget, discount)
	askBand, askOk := quoting.BuildQualifyingBand(book.NoBidLevels(), mkt.LIPTarget, discount)
	if !bidOk || !askOk {
		return m.cancelAllInternal("book too thin for qualifying band")
	}

	pos := inventory.Position()
	bidDecision := quoting.ChooseLevel(cfg.Policy, bidBand, mkt.LIPTarget, bidBand[0].Size, riskScore, types.Buy, pos, touch.YesBid)
	askDecision := quoting.ChooseLevel(cfg.Policy, askBand, mkt.LIPTarget, askBand[0].Size, riskScore, types.Sell, pos, touch.YesAsk)

	if actions, transitioned := m.trackedTransition(touch, bidDecision, askDecision, pos); transitioned {
		return actions
	}

	if bidDecision.Skip == types.SkipNone && askDecision.Skip == types.SkipNone {
		minWidth := cfg.Policy.MinQuoteWidthCents
		if m.flow != nil {
			minWidth = int(float64(minWidth) * m.flow.WidthMultiplier())
		}
		bidDecision.Price, askDecision.Price = quoting.ApplyMinQuoteWidth(bidDecision.Price, askDecision.Price, minWidth)
	}

	var actions []types.Action
	actions = append(actions, m.reconcileSide(now, types.Buy, bidDecision, cfg)...)
	actions = append(actions, m.reconcileSide(now, types.Sell, askDecision, cfg)...)
	return actions
}

// trackedTransition drives the named tracked-state transitions of spec
// §4.7 that are market-wide rather than per-side: skip("extreme_price")
// blocks the whole market until the touch itself moves; skip("risk") or
// skip("lip_target_met") with flat inventory closes and untracks the
// market; skip("lip_target_met") with open inventory hands off to the
// reduce-only exiting state. The second return value reports whether a
// transition fired, so the caller knows whether to fall through to the
// ordinary per-side reconcile (which still applies to a bare
// skip("risk")/skip("inventory_cap") with open inventory, or to
// skip("book_too_thin")).
func (m *Machine) trackedTransition(touch market.TouchSnapshot, bid, ask quoting.LevelDecision, pos int) ([]types.Action, bool) {
	if bid.Skip == types.SkipExtremePrice || ask.Skip == types.SkipExtremePrice {
		actions := m.cancelAllInternal("extreme_price")
		m.state = StateBlocked
		blocked := touch
		m.blockedOnTouch = &blocked
		return actions, true
	}

	if (bid.Skip == types.SkipRisk || ask.Skip == types.SkipRisk) && pos == 0 {
		actions := m.cancelAllInternal("risk")
		m.state = StateClosed
		actions = append(actions, types.Action{
			Kind:   types.ActionUntrack,
			Ticker: m.ticker,
			Reason: "risk",
		})
		return actions, true
	}

	if bid.Skip == types.SkipLIPTargetMet || ask.Skip == types.SkipLIPTargetMet {
		actions := m.cancelAllInternal("lip_target_met")
		if pos == 0 {
			m.state = StateClosed
			actions = append(actions, types.Action{
				Kind:   types.ActionUntrack,
				Ticker: m.ticker,
				Reason: "lip_target_met",
			})
		} else {
			m.state = StateExiting
		}
		return actions, true
	}

	return nil, false
}

// ReactiveAskUpdate implements the C9-triggered reactive sell replace of
// spec §4.7: called by the engine off an order-book event (not a tick)
// when the best bid has moved and inventory is positive. It only ever
// replaces an already-resting ask — the buy side and the initial quote
// stay tick-driven. The engine is responsible for the per-market
// cooldown gate before calling this.
func (m *Machine) ReactiveAskUpdate(now time.Time, mkt types.Market, book *market.Book, inventory *Inventory, riskScore float64, touch market.TouchSnapshot, cfg Config) []types.Action {
	if m.state != StateQuoting {
		return nil
	}
	if inventory.Position() <= 0 {
		return nil
	}
	current, haveOrder := m.liveOrders[types.Sell]
	if !haveOrder {
		return nil
	}
	if !touch.HaveYesBid || !touch.HaveNoBid {
		return nil
	}

	discount := cfg.LIPDiscountFactor
	if !cfg.LIPEnabled {
		discount = 1.0
	}
	askBand, ok := quoting.BuildQualifyingBand(book.NoBidLevels(), mkt.LIPTarget, discount)
	if !ok {
		return nil
	}

	decision := quoting.ChooseLevel(cfg.Policy, askBand, mkt.LIPTarget, askBand[0].Size, riskScore, types.Sell, inventory.Position(), touch.YesAsk)
	if decision.Skip != types.SkipNone || decision.Price == current.Price {
		return nil
	}

	delete(m.liveOrders, types.Sell)
	return []types.Action{
		{Kind: types.ActionCancel, Ticker: m.ticker, Side: types.Sell, Price: current.Price, Reason: "reactive ask update"},
		{Kind: types.ActionPlace, Ticker: m.ticker, Side: types.Sell, Price: decision.Price, Size: decision.Size, Reason: "reactive ask update"},
	}
}

// reconcileSide diffs one side's desired level against the resting order,
// applying the improvement cooldown / once-per-touch gate of spec §4.5's
// Open Question on requote frequency.
func (m *Machine) reconcileSide(now time.Time, side types.Side, decision quoting.LevelDecision, cfg Config) []types.Action {
	current, haveOrder := m.liveOrders[side]

	if decision.Skip != types.SkipNone {
		if !haveOrder {
			return nil
		}
		delete(m.liveOrders, side)
		return []types.Action{{
			Kind:   types.ActionCancel,
			Ticker: m.ticker,
			Side:   side,
			Price:  current.Price,
			Reason: string(decision.Skip),
		}}
	}

	if !haveOrder {
		m.lastImproveTS[side] = now
		return []types.Action{{
			Kind:   types.ActionPlace,
			Ticker: m.ticker,
			Side:   side,
			Price:  decision.Price,
			Size:   decision.Size,
			Reason: "initial quote",
		}}
	}

	if current.Price == decision.Price {
		return nil
	}

	improving := isImprovement(side, current.Price, decision.Price)
	if improving {
		if cfg.ImproveOncePerTouch && m.improvedThisTouch[side] {
			return nil
		}
		if now.Sub(m.lastImproveTS[side]) < cfg.ImproveCooldown {
			return nil
		}
		m.improvedThisTouch[side] = true
	}
	m.lastImproveTS[side] = now

	delete(m.liveOrders, side)
	return []types.Action{
		{Kind: types.ActionCancel, Ticker: m.ticker, Side: side, Price: current.Price, Reason: "requote"},
		{Kind: types.ActionPlace, Ticker: m.ticker, Side: side, Price: decision.Price, Size: decision.Size, Reason: "requote"},
	}
}

// isImprovement reports whether moving from oldPrice to newPrice makes
// this side's quote more aggressive (closer to the market).
func isImprovement(side types.Side, oldPrice, newPrice types.Ticks) bool {
	if side == types.Buy {
		return newPrice > oldPrice
	}
	return newPrice < oldPrice
}

// trackTouch resets the once-per-touch gate whenever the touch itself
// moves, so a genuinely new touch earns a fresh improvement opportunity.
func (m *Machine) trackTouch(touch market.TouchSnapshot) {
	if touch != m.lastTouch {
		m.improvedThisTouch = make(map[types.Side]bool)
		m.lastTouch = touch
	}
}
