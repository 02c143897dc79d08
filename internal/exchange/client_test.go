package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	orderID, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Ticker: "KXTEST-26JUL31-T50",
		Side:   types.Buy,
		Price:  45,
		Size:   10,
		TIF:    types.GTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID == "" {
		t.Error("expected non-empty order id")
	}
}

func TestPlaceOrderRejectsOutOfRangePrice(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Ticker: "KXTEST-26JUL31-T50",
		Side:   types.Buy,
		Price:  0,
		Size:   10,
		TIF:    types.GTC,
	})
	if KindOf(err) != KindOrderRejected {
		t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindOrderRejected)
	}
}

func TestPlaceOrderRejectsZeroSize(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Ticker: "KXTEST-26JUL31-T50",
		Side:   types.Buy,
		Price:  45,
		Size:   0,
		TIF:    types.GTC,
	})
	if KindOf(err) != KindOrderRejected {
		t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindOrderRejected)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{DryRun: true, API: config.APIConfig{BaseURL: "http://localhost"}}
	c := NewClient(cfg, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when config.DryRun is true")
	}
}

func TestStatusToErrClassification(t *testing.T) {
	t.Parallel()

	if KindOf(OrderRejected("bad price")) != KindOrderRejected {
		t.Error("OrderRejected should classify as KindOrderRejected")
	}
	if KindOf(newErr(KindRateLimited, nil)) != KindRateLimited {
		t.Error("expected rate limited classification")
	}
}
