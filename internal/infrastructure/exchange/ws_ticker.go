package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vortexlab/tradengine/internal/domain"
	"go.uber.org/zap"
)

// TickHandler receives every ticker update. The engine wires this to
// the due-symbol queue so an update schedules the symbol for
// evaluation.
type TickHandler func(symbol string, price domain.MarketPrice)

// TickerStream maintains the public orderbook-top subscription and
// feeds both the adapter's price cache and the tick handler. It
// reconnects with a flat backoff until the context is cancelled.
type TickerStream struct {
	adapter *BybitAdapter
	wsURL   string
	symbols []string
	onTick  TickHandler
	logger  *zap.Logger
}

func NewTickerStream(adapter *BybitAdapter, wsURL string, symbols []string, onTick TickHandler, logger *zap.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &TickerStream{
		adapter: adapter,
		wsURL:   wsURL,
		symbols: symbols,
		onTick:  onTick,
		logger:  logger,
	}
}

// Run blocks until the context is cancelled.
func (t *TickerStream) Run(ctx context.Context) {
	for {
		if err := t.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("ticker stream disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (t *TickerStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]any, 0, len(t.symbols))
	for _, s := range t.symbols {
		args = append(args, "orderbook.1."+s)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}

	// Unblock ReadMessage when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleMessage(message)
	}
}

func (t *TickerStream) handleMessage(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol string     `json:"s"`
			Bids   [][]string `json:"b"`
			Asks   [][]string `json:"a"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return
	}
	if event.Data.Symbol == "" || len(event.Data.Bids) == 0 || len(event.Data.Asks) == 0 {
		return
	}
	if len(event.Data.Bids[0]) == 0 || len(event.Data.Asks[0]) == 0 {
		return
	}

	bid, _ := strconv.ParseFloat(event.Data.Bids[0][0], 64)
	ask, _ := strconv.ParseFloat(event.Data.Asks[0][0], 64)
	if bid <= 0 || ask <= 0 {
		return
	}
	price := domain.MarketPrice{Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}

	t.adapter.mu.Lock()
	t.adapter.prices[event.Data.Symbol] = cachedPrice{price: price, fetchedAt: time.Now()}
	t.adapter.mu.Unlock()

	if t.onTick != nil {
		t.onTick(event.Data.Symbol, price)
	}
}
