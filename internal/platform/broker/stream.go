package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/calebwestray/protectbot/internal/crypto"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// QuoteHandler is called for every last-trade quote received on the stream.
type QuoteHandler func(symbol string, price float64, at time.Time)

// streamCommand is the subscribe/unsubscribe message the quote feed accepts.
type streamCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// streamQuote is a quote message from the feed.
type streamQuote struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream is a websocket client for the broker's real-time quote feed. It
// manages the connection lifecycle, subscriptions, and dispatches quotes to
// registered handlers.
type Stream struct {
	wsURL string
	auth  *crypto.HMACAuth
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Symbols to restore on reconnect.
	subscribed map[string]struct{}

	handlerMu sync.RWMutex
	handlers  []QuoteHandler

	// done is closed when the stream is shut down.
	done chan struct{}
}

// NewStream creates a websocket quote stream client.
//
// wsURL is the feed endpoint, e.g. "wss://stream.broker.example.com/v1/quotes".
func NewStream(wsURL string, auth *crypto.HMACAuth) *Stream {
	return &Stream{
		wsURL:      wsURL,
		auth:       auth,
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Connect establishes the websocket connection and starts the read and ping
// loops. Previously subscribed symbols are re-subscribed.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("broker/stream: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	header := make(map[string][]string)
	for k, v := range s.auth.Headers("GET", "/v1/quotes", "") {
		header[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return fmt.Errorf("broker/stream: connect: %w", err)
	}

	s.conn = conn

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()

	// Restore subscriptions after reconnect.
	if len(s.subscribed) > 0 {
		if err := s.sendCommand(streamCommand{Type: "subscribe", Symbols: s.symbolsLocked()}); err != nil {
			return fmt.Errorf("broker/stream: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe starts streaming quotes for the given symbols.
func (s *Stream) Subscribe(ctx context.Context, symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("broker/stream: not connected")
	}

	if err := s.sendCommand(streamCommand{Type: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("broker/stream: subscribe: %w", err)
	}

	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}

	return nil
}

// Unsubscribe stops streaming quotes for the given symbols.
func (s *Stream) Unsubscribe(ctx context.Context, symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("broker/stream: not connected")
	}

	if err := s.sendCommand(streamCommand{Type: "unsubscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("broker/stream: unsubscribe: %w", err)
	}

	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}

	return nil
}

// OnQuote registers a handler called for every quote received.
func (s *Stream) OnQuote(handler QuoteHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Close shuts down the websocket connection and stops the read loop.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return s.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// symbolsLocked returns the subscribed symbols. Caller must hold s.mu.
func (s *Stream) symbolsLocked() []string {
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	return out
}

// sendCommand sends a JSON command over the websocket. Caller must hold s.mu.
func (s *Stream) sendCommand(cmd streamCommand) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages and dispatches quotes to handlers.
// On disconnect it attempts to reconnect with exponential backoff.
func (s *Stream) readLoop() {
	defer func() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		s.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw websocket message and dispatches quote
// messages. Unparseable or non-quote messages are silently dropped.
func (s *Stream) handleMessage(raw []byte) {
	var quote streamQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return
	}
	if quote.Type != "quote" || quote.Symbol == "" {
		return
	}

	at := quote.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		h(quote.Symbol, quote.Price, at)
	}
}

// reconnect re-establishes the websocket connection with exponential
// backoff. It blocks until successful or the stream is closed.
func (s *Stream) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-s.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
