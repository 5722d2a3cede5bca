// Package engine decides when an RSI extreme warrants an alert and keeps the
// per-timeframe and composite suppression sets.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"overbought-alerts/internal/alerting"
	"overbought-alerts/internal/market"
	"overbought-alerts/internal/metrics"
	"overbought-alerts/internal/rsi"
	"overbought-alerts/internal/tracker"
	"overbought-alerts/internal/window"
)

// Config holds the trigger parameters.
type Config struct {
	Threshold   float64
	ResetMargin float64
	WatchMargin float64
	Period      int
	// Fast is the timeframe that drives composite alerts.
	Fast market.Timeframe
	// CompositePriority lists the slower timeframes tried as the second leg,
	// longest first.
	CompositePriority []market.Timeframe
	MinVolume24h      float64
	MinOpenInterest   float64
	Bias              string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         85,
		ResetMargin:       5,
		WatchMargin:       10,
		Period:            rsi.DefaultPeriod,
		Fast:              market.TF1m,
		CompositePriority: []market.Timeframe{market.TF4h, market.TF1h, market.TF15m},
		MinVolume24h:      5_000_000,
		MinOpenInterest:   2_000_000,
		Bias:              "SHORT",
	}
}

func (c Config) resetLevel() float64 { return c.Threshold - c.ResetMargin }

// MarketInfo supplies the on-demand metrics used for gating and enrichment.
type MarketInfo interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, bool)
	GetVolume24h(ctx context.Context, symbol string) (float64, bool)
	GetOpenInterest(ctx context.Context, symbol string) (float64, bool)
}

// Sink delivers alerts and reports whether delivery succeeded.
type Sink interface {
	SendSingleAlert(ctx context.Context, alert alerting.SingleAlert) bool
	SendCompositeAlert(ctx context.Context, alert alerting.CompositeAlert) bool
}

// Recorder stores delivered single-timeframe alerts for outcome tracking.
type Recorder interface {
	Record(symbol string, signal float64, timeframe string, entryPrice float64, fundingRate *float64) (tracker.Alert, error)
}

// Engine is safe for concurrent use. Evaluations of the same key are
// serialized; different keys proceed in parallel.
type Engine struct {
	cfg      Config
	windows  *window.Store
	market   MarketInfo
	sink     Sink
	recorder Recorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	calc     func(closes []float64, period int) (float64, bool)

	locksMu sync.Mutex
	locks   map[window.Key]*sync.Mutex

	mu         sync.Mutex
	last       map[window.Key]float64
	suppressed map[market.Timeframe]map[string]struct{}
	composite  map[string]market.Timeframe
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCalculator replaces the RSI function.
func WithCalculator(calc func(closes []float64, period int) (float64, bool)) Option {
	return func(e *Engine) { e.calc = calc }
}

// New constructs an engine over windows. recorder may be nil.
func New(cfg Config, windows *window.Store, info MarketInfo, sink Sink, recorder Recorder, logger zerolog.Logger, opts ...Option) *Engine {
	if cfg.Period < 1 {
		cfg.Period = rsi.DefaultPeriod
	}
	e := &Engine{
		cfg:        cfg,
		windows:    windows,
		market:     info,
		sink:       sink,
		recorder:   recorder,
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
		calc:       rsi.Calculate,
		locks:      make(map[window.Key]*sync.Mutex),
		last:       make(map[window.Key]float64),
		suppressed: make(map[market.Timeframe]map[string]struct{}),
		composite:  make(map[string]market.Timeframe),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine parameters.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) keyLock(key window.Key) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// compositeKey serializes composite evaluation per symbol.
func compositeKey(symbol string) window.Key {
	return window.Key{Symbol: symbol, Timeframe: "composite"}
}

// signal computes the current RSI of key's window.
func (e *Engine) signal(key window.Key) (float64, bool) {
	return e.calc(e.windows.Closes(key), e.cfg.Period)
}

// IsSuppressed reports whether key's symbol is in its timeframe's set.
func (e *Engine) IsSuppressed(key window.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSuppressedLocked(key)
}

// IsCompositeSuppressed reports composite membership and the paired leg.
func (e *Engine) IsCompositeSuppressed(symbol string) (market.Timeframe, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tf, ok := e.composite[symbol]
	return tf, ok
}

func (e *Engine) isSuppressedLocked(key window.Key) bool {
	_, ok := e.suppressed[key.Timeframe][key.Symbol]
	return ok
}

func (e *Engine) suppressLocked(key window.Key) {
	set, ok := e.suppressed[key.Timeframe]
	if !ok {
		set = make(map[string]struct{})
		e.suppressed[key.Timeframe] = set
	}
	set[key.Symbol] = struct{}{}
}

func (e *Engine) releaseLocked(key window.Key) {
	delete(e.suppressed[key.Timeframe], key.Symbol)
}

// liquid applies the volume and open-interest floors. Unavailable metrics
// do not block.
func (e *Engine) liquid(ctx context.Context, symbol string) bool {
	var (
		vol, oi     float64
		volOK, oiOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vol, volOK = e.market.GetVolume24h(gctx, symbol)
		return nil
	})
	g.Go(func() error {
		oi, oiOK = e.market.GetOpenInterest(gctx, symbol)
		return nil
	})
	_ = g.Wait()

	if volOK && vol < e.cfg.MinVolume24h {
		e.logger.Debug().Str("symbol", symbol).Float64("volume_24h", vol).Msg("below volume floor")
		return false
	}
	if oiOK && oi < e.cfg.MinOpenInterest {
		e.logger.Debug().Str("symbol", symbol).Float64("open_interest", oi).Msg("below open interest floor")
		return false
	}
	return true
}

func (e *Engine) fundingRate(ctx context.Context, symbol string) *float64 {
	rate, ok := e.market.GetFundingRate(ctx, symbol)
	if !ok {
		return nil
	}
	return &rate
}
