// ws.go implements the two WebSocket feeds spec §6 names: the order-book
// stream (subscribe_orderbook) and the fill stream (subscribe_fills).
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to the current tracked ticker set on reconnect. A read
// deadline (90s) ensures silent server failures are detected within ~2
// missed pings. On any sequence gap the caller (internal/market.Book)
// is told to resync; this file only carries bytes off the wire.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kalshi-lip-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	bookBufferSize   = 256
	fillBufferSize   = 64
)

// Feed is a single reconnecting WebSocket connection carrying either
// order-book or fill events.
type Feed struct {
	url         string
	channelType string // "orderbook" or "fills"

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // tickers

	bookCh chan types.BookEvent
	fillCh chan types.FillEvent

	logger *slog.Logger
}

// NewOrderBookFeed creates the feed backing subscribe_orderbook.
func NewOrderBookFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		channelType: "orderbook",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan types.BookEvent, bookBufferSize),
		logger:      logger.With("component", "ws_orderbook"),
	}
}

// NewFillFeed creates the feed backing subscribe_fills.
func NewFillFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		channelType: "fills",
		subscribed:  make(map[string]bool),
		fillCh:      make(chan types.FillEvent, fillBufferSize),
		logger:      logger.With("component", "ws_fills"),
	}
}

// BookEvents returns a read-only channel of order-book events. Only
// populated on an orderbook feed.
func (f *Feed) BookEvents() <-chan types.BookEvent { return f.bookCh }

// FillEvents returns a read-only channel of fill events. Only populated
// on a fills feed.
func (f *Feed) FillEvents() <-chan types.FillEvent { return f.fillCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds tickers to the tracked set and requests a fresh
// subscription for them.
func (f *Feed) Subscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"operation": "subscribe",
		"tickers":   tickers,
	})
}

// Unsubscribe removes tickers from the tracked set.
func (f *Feed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"operation": "unsubscribe",
		"tickers":   tickers,
	})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(map[string]any{
		"operation": "subscribe",
		"channel":   f.channelType,
		"tickers":   tickers,
	})
}

// wireBookEvent mirrors the wire shape of subscribe_orderbook in spec §6:
// {type, ticker, side, price?, count?|delta?, seq}.
type wireBookEvent struct {
	Type   string            `json:"type"`
	Ticker string            `json:"ticker"`
	Side   string            `json:"side"`
	Seq    int64             `json:"seq"`
	Levels []types.PriceLevel `json:"levels,omitempty"`
	Price  int               `json:"price,omitempty"`
	Delta  int               `json:"delta,omitempty"`
}

// wireFillEvent mirrors subscribe_fills in spec §6.
type wireFillEvent struct {
	Ticker    string  `json:"ticker"`
	OrderID   string  `json:"order_id"`
	Side      string  `json:"side"`
	Price     int     `json:"price"`
	Size      int      `json:"size"`
	Timestamp int64    `json:"ts"`
	FillIndex int64    `json:"fill_index"`
}

func (f *Feed) dispatchMessage(data []byte) {
	if f.channelType == "orderbook" {
		var w wireBookEvent
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		evt := types.BookEvent{
			Type:   types.BookEventType(w.Type),
			Ticker: w.Ticker,
			Side:   types.BookSide(w.Side),
			Seq:    w.Seq,
			Levels: w.Levels,
			Price:  types.Ticks(w.Price),
			Delta:  w.Delta,
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "ticker", evt.Ticker)
		}
		return
	}

	var w wireFillEvent
	if err := json.Unmarshal(data, &w); err != nil {
		f.logger.Error("unmarshal fill event", "error", err)
		return
	}
	evt := types.FillEvent{
		Ticker:    w.Ticker,
		OrderID:   w.OrderID,
		Side:      types.Side(w.Side),
		Price:     types.Ticks(w.Price),
		Size:      w.Size,
		Timestamp: time.Unix(w.Timestamp, 0),
		FillIndex: w.FillIndex,
	}
	select {
	case f.fillCh <- evt:
	default:
		f.logger.Warn("fill channel full, dropping event", "ticker", evt.Ticker)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
