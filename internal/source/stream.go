// stream.go implements the streaming crypto price feed.
//
// CryptoStream maintains a WebSocket connection to the exchange ticker
// channel, re-subscribes to all tracked symbols on reconnection, and
// publishes normalized quotes on a buffered channel. Auto-reconnect uses
// exponential backoff (1s → 30s max). A read deadline (90s) ensures
// silent server failures are detected within ~2 missed pings.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

var errNotConnected = errors.New("websocket not connected")

func isNotConnected(err error) bool { return errors.Is(err, errNotConnected) }

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	quoteBufferSize  = 256              // buffer for ticker events
)

// streamSubscribeMsg is the outgoing subscription frame.
type streamSubscribeMsg struct {
	Operation string   `json:"op"`
	Symbols   []string `json:"symbols"`
}

// streamTickerDTO is the incoming ticker event payload.
type streamTickerDTO struct {
	EventType string `json:"event_type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Volume    string `json:"volume_24h"`
	Timestamp int64  `json:"ts"` // epoch milliseconds
}

// CryptoStream manages the ticker WebSocket connection. It handles the
// connection lifecycle, subscription tracking, message routing, and
// automatic reconnection with exponential backoff.
type CryptoStream struct {
	name   string
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quoteCh chan types.PriceQuote

	logger *slog.Logger
}

// NewCryptoStream creates a streaming pricer for the given ticker endpoint.
func NewCryptoStream(name, wsURL string, logger *slog.Logger) *CryptoStream {
	if name == "" {
		name = "crypto_stream"
	}
	return &CryptoStream{
		name:       name,
		url:        wsURL,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan types.PriceQuote, quoteBufferSize),
		logger:     logger.With("component", "crypto_stream"),
	}
}

func (s *CryptoStream) Name() string { return s.name }

// Quotes returns a read-only channel of normalized ticker quotes.
func (s *CryptoStream) Quotes() <-chan types.PriceQuote { return s.quoteCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *CryptoStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the tracked set and, when connected, sends a
// subscription frame for them.
func (s *CryptoStream) Subscribe(symbols []string) error {
	s.subscribedMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subscribedMu.Unlock()

	err := s.writeJSON(streamSubscribeMsg{
		Operation: "subscribe",
		Symbols:   symbols,
	})
	if err != nil && !isNotConnected(err) {
		return err
	}
	// Not connected yet: the symbols are tracked and will be included in
	// the initial subscription once the connection is up.
	return nil
}

// Close gracefully closes the connection.
func (s *CryptoStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *CryptoStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// Send initial subscription
	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "source", s.name)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *CryptoStream) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	return s.writeJSON(streamSubscribeMsg{
		Operation: "subscribe",
		Symbols:   symbols,
	})
}

func (s *CryptoStream) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "ticker":
		var dto streamTickerDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			s.logger.Error("unmarshal ticker event", "error", err)
			return
		}
		quote, err := s.normalize(dto)
		if err != nil {
			s.logger.Warn("dropping malformed ticker", "symbol", dto.Symbol, "error", err)
			return
		}
		select {
		case s.quoteCh <- quote:
		default:
			s.logger.Warn("quote channel full, dropping event", "symbol", quote.Symbol)
		}

	case "subscribed", "pong", "heartbeat":
		// Informational events we don't need to process
		s.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *CryptoStream) normalize(dto streamTickerDTO) (types.PriceQuote, error) {
	if dto.Symbol == "" {
		return types.PriceQuote{}, fmt.Errorf("ticker without symbol")
	}
	price, err := parseDecimal(s.name, "price", dto.Price)
	if err != nil {
		return types.PriceQuote{}, err
	}
	if !price.IsPositive() {
		return types.PriceQuote{}, fmt.Errorf("non-positive price %s", dto.Price)
	}
	volume := decimal.Zero
	if dto.Volume != "" {
		volume, err = parseDecimal(s.name, "volume", dto.Volume)
		if err != nil {
			return types.PriceQuote{}, err
		}
	}
	ts := time.Now().UTC()
	if dto.Timestamp > 0 {
		ts = time.UnixMilli(dto.Timestamp).UTC()
	}
	return types.PriceQuote{
		Symbol:    dto.Symbol,
		Source:    s.name,
		Price:     price,
		Volume24h: volume,
		Timestamp: ts,
	}, nil
}

func (s *CryptoStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *CryptoStream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *CryptoStream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
