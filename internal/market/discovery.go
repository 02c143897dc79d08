package market

import (
	"context"
	"log/slog"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

// Discovery periodically polls get_valid_markets to find markets the
// engine should track (spec §4.10, C10). Unlike the teacher's Gamma
// scanner, there is no scoring pass here — get_valid_markets already
// returns the tradeable universe, so discovery's job is narrower:
// exclude toxic markets and hand the rest to the engine on a bounded
// channel.

// MarketSource is the subset of the exchange client discovery needs.
type MarketSource interface {
	GetValidMarkets(ctx context.Context) ([]types.MarketMeta, error)
}

// Discovery runs the polling loop and publishes the current tracked-market
// universe to the engine.
type Discovery struct {
	client   MarketSource
	interval time.Duration
	logger   *slog.Logger

	resultCh chan []types.Market
}

// NewDiscovery creates a discovery worker. cfg.QueueCapacity bounds the
// result channel (values <= 0 mean 1). Results queue up to that depth;
// once the channel is full, each new scan drops the oldest queued result
// (spec §4.10's overflow policy is drop-oldest, matching the teacher
// scanner's non-blocking-send pattern).
func NewDiscovery(client MarketSource, cfg config.DiscoveryConfig, logger *slog.Logger) *Discovery {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1
	}
	return &Discovery{
		client:   client,
		interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		logger:   logger.With("component", "discovery"),
		resultCh: make(chan []types.Market, capacity),
	}
}

// Results returns the channel the engine drains on each tick.
func (d *Discovery) Results() <-chan []types.Market {
	return d.resultCh
}

// Run starts the polling loop, scanning immediately then on each
// interval tick. Blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	d.scan(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Discovery) scan(ctx context.Context) {
	metas, err := d.client.GetValidMarkets(ctx)
	if err != nil {
		d.logger.Error("discovery scan failed", "error", err)
		return
	}

	markets := filterToxic(metas)

	d.logger.Info("discovery scan complete", "total", len(metas), "tracked", len(markets))

	select {
	case d.resultCh <- markets:
	default:
		// Queue full: drop the oldest queued result to make room for the
		// fresh one.
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- markets
	}
}

// filterToxic excludes markets flagged by the opaque toxicity signal
// (spec §4.10 Open Question, resolved here as: never track a toxic
// market, since the bot has no way to evaluate the signal itself).
func filterToxic(metas []types.MarketMeta) []types.Market {
	markets := make([]types.Market, 0, len(metas))
	for _, m := range metas {
		if m.ToxicityFlag {
			continue
		}
		markets = append(markets, types.Market{
			Ticker:       m.Ticker,
			CloseTime:    m.CloseTS,
			LIPTarget:    m.LIPTarget,
			ToxicityFlag: m.ToxicityFlag,
		})
	}
	return markets
}
