// Package binance maintains the combined trade stream feeding every
// market its latest traded price.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"moonride/internal/domain"
)

const (
	feedMaxRetries  = 10
	feedBaseDelay   = 1 * time.Second
	feedMaxDelay    = 60 * time.Second
	feedReadTimeout = 60 * time.Second
)

// combinedStreamMessage wraps every event on a combined stream.
type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeEvent is the subset of the trade stream payload the feed needs.
type tradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// Worker holds one combined-stream WebSocket connection and caches the
// most recent trade per instrument. Markets read the cache through
// Latest; the connection reconnects on its own with exponential backoff.
type Worker struct {
	baseURL string
	symbols []string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	latest    map[string]domain.PriceSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a price feed worker for the given instrument symbols.
func NewWorker(baseURL string, symbols []string) *Worker {
	return &Worker{
		baseURL: baseURL,
		symbols: symbols,
		latest:  make(map[string]domain.PriceSample),
	}
}

// Latest returns the most recent cached trade for a symbol.
func (w *Worker) Latest(symbol string) (domain.PriceSample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	sample, ok := w.latest[symbol]
	return sample, ok
}

// Connect starts the WebSocket connection with automatic reconnection
func (w *Worker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)

	return nil
}

// connectionLoop handles connection and reconnection with exponential backoff
func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Price feed panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Price feed connection loop stopped")
			return
		default:
		}

		err := w.connect(ctx)
		if err != nil {
			slog.Warn("Price feed connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := w.calculateBackoff(retryCount)
			retryCount++
			if retryCount > feedMaxRetries {
				slog.Error("Price feed max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// Connection successful, reset retry counter
		retryCount = 0

		w.readLoop(ctx)
	}
}

// calculateBackoff returns the delay for the current retry attempt
func (w *Worker) calculateBackoff(retryCount int) time.Duration {
	delay := feedBaseDelay * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > feedMaxDelay {
		delay = feedMaxDelay
	}
	return delay
}

// streamURL builds the combined stream endpoint, one trade stream per
// instrument (e.g. BTC -> btcusdt@trade).
func (w *Worker) streamURL() string {
	streams := make([]string, len(w.symbols))
	for i, symbol := range w.symbols {
		streams[i] = strings.ToLower(symbol) + "usdt@trade"
	}
	return w.baseURL + "?streams=" + strings.Join(streams, "/")
}

// connect establishes the WebSocket connection
func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	slog.Info("Price feed connected",
		slog.Int("symbols", len(w.symbols)),
	)

	return nil
}

// readLoop reads messages from WebSocket
func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Price feed read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		w.handleMessage(message)
	}
}

// handleMessage parses a combined-stream event and refreshes the cache.
func (w *Worker) handleMessage(message []byte) {
	var wrapper combinedStreamMessage
	if err := json.Unmarshal(message, &wrapper); err != nil {
		slog.Debug("Price feed message parse error", slog.Any("error", err))
		return
	}
	if wrapper.Data == nil {
		return
	}

	var trade tradeEvent
	if err := json.Unmarshal(wrapper.Data, &trade); err != nil {
		slog.Debug("Price feed trade parse error", slog.Any("error", err))
		return
	}
	if trade.EventType != "trade" {
		return
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		slog.Debug("Price feed bad price", slog.String("price", trade.Price))
		return
	}

	// "BTCUSDT" -> "BTC"
	symbol := strings.TrimSuffix(trade.Symbol, "USDT")

	w.mu.Lock()
	w.latest[symbol] = domain.PriceSample{
		Symbol: symbol,
		Price:  price,
		At:     time.UnixMilli(trade.TradeTime),
	}
	w.mu.Unlock()
}

// closeConnection safely closes the WebSocket connection
func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect closes the WebSocket connection
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	slog.Info("Price feed disconnected")
}

// IsConnected returns connection status
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
