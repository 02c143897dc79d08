// Package exchange implements the REST and WebSocket clients for the
// abstract exchange interface of spec §6: place/cancel orders, read the
// order book and candles, discover the tradeable universe, and stream
// order-book and fill updates.
//
// Authentication and raw transport are treated as an external concern —
// the client assumes a bearer API key and HTTPS, and does not implement
// the exchange's signing scheme itself.
//
// Every request is rate-limited via per-category TokenBuckets and
// automatically retried on 5xx errors.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

// Client is the REST client for the exchange's trading and market-data
// endpoints.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry, mirroring
// the timeout/retry shape spec §5 requires of every blocking REST call.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.API.APIKeyID)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange_client"),
	}
}

// orderRequestWire is the REST payload for PlaceOrder.
type orderRequestWire struct {
	Ticker string `json:"ticker"`
	Side   string `json:"side"`
	Price  int    `json:"price"`
	Size   int    `json:"size"`
	TIF    string `json:"time_in_force"`
}

type orderResponseWire struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder submits a resting or IOC order. Returns the order ID assigned
// by the exchange.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if req.Price < types.MinTick || req.Price > types.MaxTick {
		return "", OrderRejected(fmt.Sprintf("price %d out of range", req.Price))
	}
	if req.Size <= 0 {
		return "", OrderRejected("size must be > 0")
	}

	if c.dryRun {
		c.logger.Info("dry-run place_order", "ticker", req.Ticker, "side", req.Side, "price", req.Price, "size", req.Size)
		return fmt.Sprintf("dry-run-%s-%s-%d", req.Ticker, req.Side, req.Price), nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", classifyCtxErr(err)
	}

	wire := orderRequestWire{
		Ticker: req.Ticker,
		Side:   string(req.Side),
		Price:  int(req.Price),
		Size:   req.Size,
		TIF:    string(req.TIF),
	}

	var result orderResponseWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(wire).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", classifyHTTPErr(err)
	}
	if err := statusToErr(resp); err != nil {
		return "", err
	}

	return result.OrderID, nil
}

// CancelOrder cancels a single resting order. A NotFound response is
// treated as success per spec §7.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("dry-run cancel_order", "order_id", orderID)
		return nil
	}

	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return classifyCtxErr(err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + orderID)
	if err != nil {
		return classifyHTTPErr(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return statusToErr(resp)
}

// GetOrderBook fetches the current order book for ticker.
func (c *Client) GetOrderBook(ctx context.Context, ticker string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, classifyCtxErr(err)
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ticker", ticker).
		SetResult(&result).
		Get("/orderbook")
	if err != nil {
		return nil, classifyHTTPErr(err)
	}
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCandles fetches 5-minute OHLC bars for ticker in [startTS, endTS].
func (c *Client) GetCandles(ctx context.Context, ticker string, startTS, endTS time.Time) ([]types.Candle, error) {
	if err := c.rl.Candles.Wait(ctx); err != nil {
		return nil, classifyCtxErr(err)
	}

	var result []types.Candle
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ticker":      ticker,
			"start_ts":    fmt.Sprintf("%d", startTS.Unix()),
			"end_ts":      fmt.Sprintf("%d", endTS.Unix()),
			"period":      "5m",
		}).
		SetResult(&result).
		Get("/candles")
	if err != nil {
		return nil, classifyHTTPErr(err)
	}
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	return result, nil
}

// GetValidMarkets fetches the current tradeable universe.
func (c *Client) GetValidMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return nil, classifyCtxErr(err)
	}

	var result []types.MarketMeta
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, classifyHTTPErr(err)
	}
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLIPTarget fetches the current LIP qualifying size for ticker.
func (c *Client) GetLIPTarget(ctx context.Context, ticker string) (int, error) {
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return 0, classifyCtxErr(err)
	}

	var result struct {
		Target int `json:"target"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ticker", ticker).
		SetResult(&result).
		Get("/lip_target")
	if err != nil {
		return 0, classifyHTTPErr(err)
	}
	if err := statusToErr(resp); err != nil {
		return 0, err
	}
	return result.Target, nil
}

func statusToErr(resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusTooManyRequests:
		return newErr(KindRateLimited, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	case http.StatusUnauthorized:
		return newErr(KindAuthExpired, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	case http.StatusNotFound:
		return newErr(KindNotFound, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return OrderRejected(resp.String())
	case http.StatusPaymentRequired:
		return newErr(KindInsufficientBalance, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	default:
		if resp.StatusCode() >= 500 {
			return newErr(KindTransportUnavailable, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
		}
		return newErr(KindInternal, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
}

func classifyHTTPErr(err error) error {
	if err == nil {
		return nil
	}
	return newErr(KindTransportTimeout, err)
}

func classifyCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return newErr(KindTransportTimeout, err)
	}
	return newErr(KindTransportUnavailable, err)
}
