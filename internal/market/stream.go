package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultStreamURL = "wss://stream.bybit.com/v5/public/linear"

// CandleHandler receives live kline updates. Updates for one topic arrive in
// order on the stream's reader goroutine; handlers must not block for long.
type CandleHandler func(symbol string, tf Timeframe, candle Candle)

// StreamOptions tune the supervised WebSocket connection.
type StreamOptions struct {
	URL                   string
	HandshakeTimeout      time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	BatchSize             int
	// OnConnect is called after every successful dial.
	OnConnect func()
	// OnReconnect is called before every reconnect attempt.
	OnReconnect func()
}

// Stream is a supervised kline subscription. Every registered topic is
// replayed after each reconnect.
type Stream struct {
	opts   StreamOptions
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]CandleHandler

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewStream constructs a stream; call Run to connect.
func NewStream(opts StreamOptions, logger zerolog.Logger) *Stream {
	if opts.URL == "" {
		opts.URL = defaultStreamURL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.InitialReconnectDelay <= 0 {
		opts.InitialReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Stream{
		opts:     opts,
		logger:   logger.With().Str("component", "bybit_stream").Logger(),
		handlers: make(map[string]CandleHandler),
	}
}

func klineTopic(symbol string, tf Timeframe) string {
	return "kline." + tf.Interval() + "." + symbol
}

// Subscribe registers a handler for symbol/tf. When the stream is connected
// the subscription is sent immediately, otherwise on the next connect.
func (s *Stream) Subscribe(symbol string, tf Timeframe, handler CandleHandler) {
	topic := klineTopic(symbol, tf)
	s.mu.Lock()
	s.handlers[topic] = handler
	s.mu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := s.send(conn, subscribeRequest{Op: "subscribe", Args: []string{topic}}); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("live subscribe failed; will replay on reconnect")
	}
}

// Topics returns the registered topics in sorted order.
func (s *Stream) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Run keeps a connection alive until ctx is cancelled, reconnecting with
// exponential backoff.
func (s *Stream) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialReconnectDelay
	policy.MaxInterval = s.opts.MaxReconnectDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("stream stopped")
			return nil
		}
		if connected {
			policy.Reset()
		}

		delay := policy.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")
		if s.opts.OnReconnect != nil {
			s.opts.OnReconnect()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type streamMessage struct {
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info().Str("url", s.opts.URL).Msg("stream connected")
	if s.opts.OnConnect != nil {
		s.opts.OnConnect()
	}

	topics := s.Topics()
	for i := 0; i < len(topics); i += s.opts.BatchSize {
		end := min(i+s.opts.BatchSize, len(topics))
		if err := s.send(conn, subscribeRequest{Op: "subscribe", Args: topics[i:end]}); err != nil {
			return true, fmt.Errorf("replay subscriptions: %w", err)
		}
	}
	s.logger.Debug().Int("topics", len(topics)).Msg("subscriptions replayed")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrs := make(chan error, 1)
	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			s.dispatch(payload)
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-connCtx.Done():
			s.connMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteTimeout))
			s.connMu.Unlock()
			return true, nil
		case err := <-readErrs:
			return true, fmt.Errorf("read stream: %w", err)
		case <-ping.C:
			if err := s.send(conn, subscribeRequest{Op: "ping"}); err != nil {
				return true, fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

// send serialises writes; gorilla connections allow one concurrent writer.
func (s *Stream) send(conn *websocket.Conn, req subscribeRequest) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(req)
}

func (s *Stream) dispatch(payload []byte) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("undecodable stream message")
		return
	}

	if msg.Topic == "" {
		if msg.Success != nil && !*msg.Success {
			s.logger.Warn().Str("op", msg.Op).Str("ret_msg", msg.RetMsg).Msg("stream request rejected")
		}
		return
	}

	symbol, tf, err := parseKlineTopic(msg.Topic)
	if err != nil {
		return
	}

	s.mu.RLock()
	handler := s.handlers[msg.Topic]
	s.mu.RUnlock()
	if handler == nil {
		return
	}

	var klines []wsKline
	if err := json.Unmarshal(msg.Data, &klines); err != nil || len(klines) == 0 {
		return
	}
	for _, k := range klines {
		candle, err := k.candle()
		if err != nil {
			s.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("malformed kline")
			continue
		}
		handler(symbol, tf, candle)
	}
}

func parseKlineTopic(topic string) (string, Timeframe, error) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 || parts[0] != "kline" {
		return "", "", errors.New("not a kline topic")
	}
	tf, ok := timeframeForInterval(parts[1])
	if !ok {
		return "", "", fmt.Errorf("unknown interval %q", parts[1])
	}
	return parts[2], tf, nil
}

func (k wsKline) candle() (Candle, error) {
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Candle{}, err
		}
		vals[i] = v
	}
	return Candle{
		Timestamp: k.Start,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Turnover:  parseFloatOrZero(k.Turnover),
	}, nil
}
