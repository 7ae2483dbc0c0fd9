// Package ingest owns the market data feed: supervised WebSocket kline
// subscriptions and the dispatch chain that turns each closed bar into
// indicator snapshots and episode ticks.
package ingest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/logging"
)

// StreamConfig configures the kline stream supervisor.
type StreamConfig struct {
	URL              string   // base wss URL, e.g. wss://stream.example.com:9443
	Symbols          []string // upper-case symbols, e.g. ETHUSDT
	Interval         string   // default "1m"
	QueueSize        int      // closed-candle buffer, default 1000
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func (c *StreamConfig) defaults() {
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// klineEnvelope is one raw-stream message: a bare kline body under "k".
type klineEnvelope struct {
	Kline klinePayload `json:"k"`
}

// klinePayload is the exchange's kline body. Prices arrive as strings.
type klinePayload struct {
	OpenTime  int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Symbol    string  `json:"s"`
	Interval  string  `json:"i"`
	Open      float64 `json:"o,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Close     float64 `json:"c,string"`
	Volume    float64 `json:"v,string"`
	Trades    int64   `json:"n"`
	IsClosed  bool    `json:"x"`
}

func (k *klinePayload) candle() database.Candle {
	return database.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Trades:    k.Trades,
		IsClosed:  k.IsClosed,
	}
}

// Stream supervises one WebSocket connection per configured symbol. Closed
// candles are pushed to a bounded channel; when the channel is full the read
// loops block, pushing backpressure onto the network layer. Intermediate
// (still-open) updates are dropped at the source.
type Stream struct {
	mu sync.RWMutex

	cfg     StreamConfig
	logger  *logging.Logger
	bus     *events.Bus
	conns   map[string]*websocket.Conn
	running bool

	stopChan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	out      chan database.Candle
}

// NewStream creates an unstarted stream supervisor.
func NewStream(cfg StreamConfig, bus *events.Bus, logger *logging.Logger) *Stream {
	cfg.defaults()
	if logger == nil {
		logger = logging.WithComponent("ingest")
	}
	return &Stream{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		conns:    make(map[string]*websocket.Conn),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		out:      make(chan database.Candle, cfg.QueueSize),
	}
}

// Candles is the closed-bar output channel. It is closed when every
// supervisor has exited.
func (s *Stream) Candles() <-chan database.Candle {
	return s.out
}

// streamURL builds the raw per-symbol stream endpoint.
func (s *Stream) streamURL(symbol string) string {
	return fmt.Sprintf("%s/ws/%s@kline_%s", s.cfg.URL, strings.ToLower(symbol), s.cfg.Interval)
}

// Start launches one connect/reconnect loop per symbol.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if len(s.cfg.Symbols) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no symbols configured")
	}
	s.running = true
	s.mu.Unlock()

	for _, symbol := range s.cfg.Symbols {
		s.wg.Add(1)
		go s.supervise(symbol)
	}
	go func() {
		s.wg.Wait()
		close(s.done)
		close(s.out)
	}()
	return nil
}

// Stop shuts all supervisors down and waits up to 5s for them to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("stream did not stop within 5s")
	}
}

func (s *Stream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// supervise dials and re-dials one symbol's stream until stopped. Backoff
// doubles from MinBackoff to MaxBackoff with up to 500ms of jitter, and
// resets after a successful connect.
func (s *Stream) supervise(symbol string) {
	defer s.wg.Done()

	url := s.streamURL(symbol)
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	backoff := s.cfg.MinBackoff

	for s.isRunning() {
		s.logger.Info("connecting to kline stream", "symbol", symbol, "url", url)
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			wait := backoff + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
			s.logger.Warn("stream connect failed",
				"symbol", symbol, "error", err, "retry_in", wait.String())
			if !s.sleepStoppable(wait) {
				return
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}

		s.mu.Lock()
		s.conns[symbol] = conn
		s.mu.Unlock()
		backoff = s.cfg.MinBackoff

		s.logger.Info("kline stream connected", "symbol", symbol)
		s.publish(events.EventStreamConnected, symbol)

		s.readLoop(conn)
		conn.Close()

		s.mu.Lock()
		delete(s.conns, symbol)
		s.mu.Unlock()
		s.publish(events.EventStreamDisconnected, symbol)

		if !s.isRunning() {
			return
		}
		s.logger.Warn("kline stream disconnected, reconnecting", "symbol", symbol)
	}
}

// sleepStoppable waits d or until Stop, reporting whether to keep going.
func (s *Stream) sleepStoppable(d time.Duration) bool {
	select {
	case <-s.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

// readLoop consumes one connection until it errors. A ping keepalive runs
// alongside; missing pongs trip the read deadline and force a reconnect.
func (s *Stream) readLoop(conn *websocket.Conn) {
	pongWait := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.cfg.PingInterval)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.isRunning() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		s.handleMessage(message)
	}
}

// handleMessage parses one raw-stream message and enqueues the bar when it is
// a closed kline. The send blocks on a full queue so that a slow consumer
// stalls the read loop instead of losing bars.
func (s *Stream) handleMessage(message []byte) {
	var env klineEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn("unparseable stream message", "error", err)
		return
	}
	k := env.Kline
	if k.Symbol == "" || !k.IsClosed {
		return
	}

	select {
	case s.out <- k.candle():
	case <-s.stopChan:
	}
}

func (s *Stream) publish(eventType events.EventType, symbol string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type: eventType,
		Data: map[string]interface{}{"symbol": symbol, "interval": s.cfg.Interval},
	})
}
