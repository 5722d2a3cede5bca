package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"overbought-alerts/internal/engine"
	"overbought-alerts/internal/market"
	"overbought-alerts/internal/metrics"
	"overbought-alerts/internal/scheduler"
	"overbought-alerts/internal/storage"
	"overbought-alerts/internal/tracker"
	"overbought-alerts/internal/window"
)

var (
	// ErrNoSymbols is returned when the exchange yields nothing to monitor.
	ErrNoSymbols = errors.New("service: no tradable symbols")
	// ErrLockHeld means another monitor owns the advisory lock.
	ErrLockHeld = errors.New("service: advisory lock held by another instance")
)

// Streamer is the live half of the market data feed.
type Streamer interface {
	Subscribe(symbol string, tf market.Timeframe, handler market.CandleHandler)
	Run(ctx context.Context) error
}

// Options configure the monitor loops.
type Options struct {
	Category          string
	Timeframes        []market.Timeframe
	Blacklist         []string
	Period            int
	BaseInterval      time.Duration
	RepollIntervals   map[market.Timeframe]time.Duration
	WarmupConcurrency int
	RepollConcurrency int
	Workers           int
	// Evaluators bounds concurrent trigger evaluations of live updates.
	Evaluators       int
	TrackingInterval time.Duration
	LockKey          int64
}

type job struct {
	key    window.Key
	candle market.Candle
}

// Monitor wires live updates, periodic re-polls and outcome tracking into
// the trigger engine.
type Monitor struct {
	opts    Options
	feed    market.Feed
	stream  Streamer
	windows *window.Store
	engine  *engine.Engine
	tracker *tracker.Tracker
	locker  storage.AdvisoryLocker
	metrics *metrics.Metrics
	health  *metrics.Health
	logger  zerolog.Logger
	now     func() time.Time

	blacklist map[string]struct{}
	shards    []chan job
	done      chan struct{}

	mu         sync.Mutex
	subscribed map[window.Key]bool

	evalSem *semaphore.Weighted
	evalWG  sync.WaitGroup
	evalMu  sync.Mutex
	// inflight holds keys with an evaluation queued or running; true means
	// another update arrived meanwhile and the key must be evaluated again.
	inflight map[window.Key]bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLocker enables single-instance execution through an advisory lock.
func WithLocker(l storage.AdvisoryLocker) Option {
	return func(m *Monitor) { m.locker = l }
}

// WithMetrics attaches collectors and the health tracker.
func WithMetrics(mt *metrics.Metrics, h *metrics.Health) Option {
	return func(m *Monitor) {
		m.metrics = mt
		m.health = h
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New constructs the monitor. trk may be nil to disable outcome tracking.
func New(opts Options, feed market.Feed, stream Streamer, windows *window.Store, eng *engine.Engine, trk *tracker.Tracker, logger zerolog.Logger, options ...Option) *Monitor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Evaluators < 1 {
		opts.Evaluators = 16
	}
	if opts.WarmupConcurrency < 1 {
		opts.WarmupConcurrency = 1
	}
	if opts.RepollConcurrency < 1 {
		opts.RepollConcurrency = 1
	}
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = 30 * time.Second
	}
	if opts.TrackingInterval <= 0 {
		opts.TrackingInterval = time.Minute
	}

	m := &Monitor{
		opts:       opts,
		feed:       feed,
		stream:     stream,
		windows:    windows,
		engine:     eng,
		tracker:    trk,
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        time.Now,
		blacklist:  make(map[string]struct{}, len(opts.Blacklist)),
		done:       make(chan struct{}),
		subscribed: make(map[window.Key]bool),
		evalSem:    semaphore.NewWeighted(int64(opts.Evaluators)),
		inflight:   make(map[window.Key]bool),
	}
	for _, sym := range opts.Blacklist {
		m.blacklist[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
	}
	m.shards = make([]chan job, opts.Workers)
	for i := range m.shards {
		m.shards[i] = make(chan job, 256)
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Monitor) blacklisted(symbol string) bool {
	_, ok := m.blacklist[symbol]
	return ok
}

func (m *Monitor) ready(n int) bool {
	return n >= m.opts.Period+1
}

// Init lists symbols, registers every pair, warms the windows and
// subscribes the pairs that have enough history.
func (m *Monitor) Init(ctx context.Context) error {
	symbols, err := m.feed.ListSymbols(ctx, m.opts.Category)
	if err != nil {
		return fmt.Errorf("list symbols: %w", err)
	}

	filtered := symbols[:0:0]
	for _, sym := range symbols {
		if sym == "" || m.blacklisted(sym) {
			continue
		}
		filtered = append(filtered, sym)
	}
	if len(filtered) == 0 {
		return ErrNoSymbols
	}
	m.logger.Info().Int("symbols", len(filtered)).Int("blacklisted", len(symbols)-len(filtered)).
		Msg("initialising windows")

	for _, sym := range filtered {
		for _, tf := range m.opts.Timeframes {
			m.windows.Register(window.Key{Symbol: sym, Timeframe: tf})
		}
	}
	m.metrics.SetMonitoredKeys(len(filtered) * len(m.opts.Timeframes))

	var initialized atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.WarmupConcurrency)
	for _, sym := range filtered {
		g.Go(func() error {
			anyReady := false
			for _, tf := range m.opts.Timeframes {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				key := window.Key{Symbol: sym, Timeframe: tf}
				candles := m.feed.GetCandles(gctx, sym, tf, m.windows.Capacity())
				if !m.ready(len(candles)) {
					continue
				}
				m.windows.ReplaceWindow(key, candles, m.now())
				m.subscribe(key)
				anyReady = true
			}
			if anyReady {
				if n := initialized.Add(1); n%50 == 0 {
					m.logger.Info().Int64("initialized", n).Int("total", len(filtered)).Msg("warm-up progress")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Info().Int64("initialized", initialized.Load()).Int("total", len(filtered)).Msg("symbols initialised for monitoring")
	if initialized.Load() == 0 {
		m.logger.Warn().Msg("no symbol had enough history; relying on periodic re-poll")
	}
	return nil
}

func (m *Monitor) subscribe(key window.Key) {
	m.mu.Lock()
	if m.subscribed[key] {
		m.mu.Unlock()
		return
	}
	m.subscribed[key] = true
	m.mu.Unlock()

	if m.stream != nil {
		m.stream.Subscribe(key.Symbol, key.Timeframe, m.onCandle)
	}
}

// Subscribed reports whether key has a live subscription.
func (m *Monitor) Subscribed(key window.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[key]
}

func shardFor(key window.Key, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Symbol))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Timeframe))
	return int(h.Sum32() % uint32(n))
}

// onCandle routes a live update to the key's shard so that updates for one
// key stay ordered.
func (m *Monitor) onCandle(symbol string, tf market.Timeframe, candle market.Candle) {
	if m.blacklisted(symbol) {
		return
	}
	m.health.SetLastCandle(m.now())
	key := window.Key{Symbol: symbol, Timeframe: tf}
	select {
	case m.shards[shardFor(key, len(m.shards))] <- job{key: key, candle: candle}:
	case <-m.done:
	}
}

func (m *Monitor) worker(ctx context.Context, jobs <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-jobs:
			m.handleLive(ctx, j)
		}
	}
}

func (m *Monitor) handleLive(ctx context.Context, j job) {
	res := m.windows.IngestLive(j.key, j.candle)
	m.metrics.LiveCandle(j.key.Timeframe.String(), res.String())
	if res == window.Stale || res == window.Unknown {
		m.logger.Debug().Str("symbol", j.key.Symbol).Str("timeframe", j.key.Timeframe.String()).
			Time("candle", j.candle.Time()).Str("result", res.String()).Msg("live candle ignored")
		return
	}
	m.scheduleEvaluate(ctx, j.key)
}

// scheduleEvaluate runs the trigger check off the shard goroutine so network
// calls for one key never hold up ingestion for the others. Updates that land
// while a key is already queued or running collapse into one re-run against
// the newest window.
func (m *Monitor) scheduleEvaluate(ctx context.Context, key window.Key) {
	m.evalMu.Lock()
	if _, busy := m.inflight[key]; busy {
		m.inflight[key] = true
		m.evalMu.Unlock()
		return
	}
	m.inflight[key] = false
	m.evalMu.Unlock()

	m.evalWG.Add(1)
	go func() {
		defer m.evalWG.Done()
		for {
			if err := m.evalSem.Acquire(ctx, 1); err != nil {
				m.evalMu.Lock()
				delete(m.inflight, key)
				m.evalMu.Unlock()
				return
			}
			m.engine.Evaluate(ctx, key)
			m.evalSem.Release(1)

			m.evalMu.Lock()
			if !m.inflight[key] {
				delete(m.inflight, key)
				m.evalMu.Unlock()
				return
			}
			m.inflight[key] = false
			m.evalMu.Unlock()
		}
	}()
}

// Run initialises the monitor and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		return ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	if err := m.Init(ctx); err != nil {
		return err
	}
	defer close(m.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range m.shards {
		g.Go(func() error { return m.worker(gctx, shard) })
	}
	if m.stream != nil {
		g.Go(func() error { return m.stream.Run(gctx) })
	}

	repoll := scheduler.New(scheduler.Options{Name: "repoll", Interval: m.opts.BaseInterval}, m.logger)
	g.Go(func() error { return ignoreCancel(repoll.Run(gctx, m.Repoll)) })

	if m.tracker != nil {
		tracking := scheduler.New(scheduler.Options{Name: "tracking", Interval: m.opts.TrackingInterval, Immediate: true}, m.logger)
		g.Go(func() error { return ignoreCancel(tracking.Run(gctx, m.TrackOutcomes)) })
	}

	m.logger.Info().Int("workers", len(m.shards)).Int("evaluators", m.opts.Evaluators).Dur("base_interval", m.opts.BaseInterval).Msg("monitor running")
	err = g.Wait()
	m.evalWG.Wait()
	m.logger.Info().Msg("monitor stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Monitor) repollInterval(tf market.Timeframe) time.Duration {
	if d, ok := m.opts.RepollIntervals[tf]; ok && d > 0 {
		return d
	}
	return m.opts.BaseInterval
}

// Repoll refreshes every window whose last poll is older than its
// timeframe's cadence and re-evaluates it.
func (m *Monitor) Repoll(ctx context.Context, _ time.Time) error {
	now := m.now()
	var checked atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.RepollConcurrency)
	for _, key := range m.windows.Keys() {
		if m.blacklisted(key.Symbol) {
			continue
		}
		if now.Sub(m.windows.LastCheckedAt(key)) <= m.repollInterval(key.Timeframe) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			candles := m.feed.GetCandles(gctx, key.Symbol, key.Timeframe, m.windows.Capacity())
			ok := m.ready(len(candles))
			m.metrics.RepollFetch(key.Timeframe.String(), ok)
			if !ok {
				return nil
			}
			m.windows.ReplaceWindow(key, candles, now)
			m.subscribe(key)
			m.engine.Evaluate(gctx, key)
			checked.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Debug().Int64("checked", checked.Load()).Msg("periodic check completed")
	return nil
}

// TrackOutcomes feeds the current price of every pending alert's symbol to
// the tracker, one request per symbol.
func (m *Monitor) TrackOutcomes(ctx context.Context, _ time.Time) error {
	if m.tracker == nil {
		return nil
	}
	pending := m.tracker.Pending()
	m.metrics.SetPendingAlerts(len(pending))
	if len(pending) == 0 {
		return nil
	}

	bySymbol := make(map[string][]string)
	for _, a := range pending {
		bySymbol[a.Symbol] = append(bySymbol[a.Symbol], a.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.RepollConcurrency)
	for symbol, ids := range bySymbol {
		g.Go(func() error {
			price, ok := m.feed.GetLastPrice(gctx, symbol)
			if !ok {
				m.logger.Debug().Str("symbol", symbol).Msg("no price for tracked alerts")
				return nil
			}
			for _, id := range ids {
				updated, ok := m.tracker.Observe(id, price)
				if ok && updated.Status != storage.StatusPending {
					m.metrics.TrackerOutcome(updated.Status)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.metrics.SetPendingAlerts(len(m.tracker.Pending()))
	return nil
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
