package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"overbought-alerts/internal/alerting"
	"overbought-alerts/internal/engine"
	"overbought-alerts/internal/market"
	"overbought-alerts/internal/storage"
	"overbought-alerts/internal/tracker"
	"overbought-alerts/internal/window"
)

type fakeFeed struct {
	mu       sync.Mutex
	symbols  []string
	history  map[string]int
	prices   map[string]float64
	calls    map[window.Key]int
	priceReq map[string]int
}

func newFakeFeed(symbols ...string) *fakeFeed {
	f := &fakeFeed{
		symbols:  symbols,
		history:  make(map[string]int),
		prices:   make(map[string]float64),
		calls:    make(map[window.Key]int),
		priceReq: make(map[string]int),
	}
	for _, s := range symbols {
		f.history[s] = 30
	}
	return f
}

func (f *fakeFeed) ListSymbols(context.Context, string) ([]string, error) {
	return f.symbols, nil
}

// GetCandles returns a strictly rising series, which reads as RSI 100.
func (f *fakeFeed) GetCandles(_ context.Context, symbol string, tf market.Timeframe, limit int) []market.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[window.Key{Symbol: symbol, Timeframe: tf}]++
	n := min(f.history[symbol], limit)
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Timestamp: int64(i+1) * 60_000, Close: 100 + float64(i)}
	}
	return out
}

func (f *fakeFeed) setHistory(symbol string, n int) {
	f.mu.Lock()
	f.history[symbol] = n
	f.mu.Unlock()
}

func (f *fakeFeed) callCount(key window.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeFeed) GetFundingRate(context.Context, string) (float64, bool) { return 0, false }
func (f *fakeFeed) GetVolume24h(context.Context, string) (float64, bool)   { return 1e9, true }
func (f *fakeFeed) GetOpenInterest(context.Context, string) (float64, bool) {
	return 1e9, true
}

func (f *fakeFeed) GetLastPrice(_ context.Context, symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceReq[symbol]++
	p, ok := f.prices[symbol]
	return p, ok
}

type fakeStream struct {
	mu     sync.Mutex
	topics map[window.Key]market.CandleHandler
}

func (s *fakeStream) Subscribe(symbol string, tf market.Timeframe, h market.CandleHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics == nil {
		s.topics = make(map[window.Key]market.CandleHandler)
	}
	s.topics[window.Key{Symbol: symbol, Timeframe: tf}] = h
}

func (s *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStream) has(key window.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[key]
	return ok
}

type countingSink struct {
	mu      sync.Mutex
	singles []alerting.SingleAlert
	// gates holds deliveries for a symbol until the channel is closed.
	gates map[string]chan struct{}
}

func (s *countingSink) SendSingleAlert(_ context.Context, a alerting.SingleAlert) bool {
	if gate, ok := s.gates[a.Symbol]; ok {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, a)
	return true
}

func (s *countingSink) SendCompositeAlert(context.Context, alerting.CompositeAlert) bool {
	return true
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.singles)
}

func (s *countingSink) countFor(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.singles {
		if a.Symbol == symbol {
			n++
		}
	}
	return n
}

type memStore struct{}

func (memStore) Load(context.Context) ([]storage.AlertRecord, error) { return nil, nil }
func (memStore) Save(context.Context, []storage.AlertRecord) error   { return nil }

type fixture struct {
	monitor *Monitor
	feed    *fakeFeed
	stream  *fakeStream
	sink    *countingSink
	windows *window.Store
	tracker *tracker.Tracker
	now     time.Time
}

func newFixture(t *testing.T, feed *fakeFeed, blacklist ...string) *fixture {
	t.Helper()
	fx := &fixture{
		feed:    feed,
		stream:  &fakeStream{},
		sink:    &countingSink{},
		windows: window.NewStore(30),
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.now }
	fx.tracker = tracker.New(context.Background(), memStore{}, tracker.Options{TargetPercent: -1, Now: clock}, zerolog.Nop())

	cfg := engine.DefaultConfig()
	cfg.Fast = market.TF1m
	cfg.CompositePriority = []market.Timeframe{market.TF1h}
	eng := engine.New(cfg, fx.windows, feed, fx.sink, fx.tracker, zerolog.Nop(), engine.WithClock(clock))

	fx.monitor = New(Options{
		Timeframes:      []market.Timeframe{market.TF1m, market.TF1h},
		Blacklist:       blacklist,
		Period:          14,
		BaseInterval:    30 * time.Second,
		RepollIntervals: map[market.Timeframe]time.Duration{market.TF1m: time.Minute, market.TF1h: 10 * time.Minute},
		Workers:         2,
	}, feed, fx.stream, fx.windows, eng, fx.tracker, zerolog.Nop(), WithClock(clock))
	return fx
}

func TestInitFailsWithoutSymbols(t *testing.T) {
	fx := newFixture(t, newFakeFeed())
	if err := fx.monitor.Init(context.Background()); !errors.Is(err, ErrNoSymbols) {
		t.Fatalf("expected ErrNoSymbols, got %v", err)
	}

	fx = newFixture(t, newFakeFeed("BTCUSDT"), "btcusdt")
	if err := fx.monitor.Init(context.Background()); !errors.Is(err, ErrNoSymbols) {
		t.Fatalf("expected ErrNoSymbols when everything is blacklisted, got %v", err)
	}
}

func TestInitWarmsAndSubscribesReadyKeys(t *testing.T) {
	feed := newFakeFeed("BTCUSDT", "NEWUSDT", "BADUSDT")
	feed.setHistory("NEWUSDT", 10)
	fx := newFixture(t, feed, "BADUSDT")

	if err := fx.monitor.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if got := len(fx.windows.Keys()); got != 4 {
		t.Fatalf("expected 4 registered keys, got %d", got)
	}
	btc := window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}
	fresh := window.Key{Symbol: "NEWUSDT", Timeframe: market.TF1m}
	if !fx.stream.has(btc) || !fx.monitor.Subscribed(btc) {
		t.Fatal("expected BTCUSDT to be subscribed")
	}
	if fx.stream.has(fresh) {
		t.Fatal("short history must not be subscribed")
	}
	if fx.feed.callCount(window.Key{Symbol: "BADUSDT", Timeframe: market.TF1m}) != 0 {
		t.Fatal("blacklisted symbol must not be fetched")
	}
	if !fx.windows.LastCheckedAt(fresh).IsZero() {
		t.Fatal("failed warm-up must not stamp the window")
	}
	if got := len(fx.windows.Closes(btc)); got != 30 {
		t.Fatalf("expected full window, got %d", got)
	}
	if fx.sink.count() != 0 {
		t.Fatal("warm-up must not evaluate")
	}
}

func TestRepollHonoursIntervalsAndEvaluates(t *testing.T) {
	feed := newFakeFeed("BTCUSDT", "NEWUSDT")
	feed.setHistory("NEWUSDT", 5)
	fx := newFixture(t, feed)
	if err := fx.monitor.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	btc1m := window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}
	btc1h := window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1h}
	fresh := window.Key{Symbol: "NEWUSDT", Timeframe: market.TF1m}

	// 30s later nothing ready is due; never-ready keys always are.
	fx.now = fx.now.Add(30 * time.Second)
	if err := fx.monitor.Repoll(context.Background(), fx.now); err != nil {
		t.Fatalf("repoll: %v", err)
	}
	if feed.callCount(btc1m) != 1 || feed.callCount(btc1h) != 1 {
		t.Fatal("ready keys polled before their interval")
	}
	if feed.callCount(fresh) != 2 {
		t.Fatalf("expected never-ready key to be polled again, got %d", feed.callCount(fresh))
	}

	feed.setHistory("NEWUSDT", 30)
	fx.now = fx.now.Add(2 * time.Minute)
	if err := fx.monitor.Repoll(context.Background(), fx.now); err != nil {
		t.Fatalf("repoll: %v", err)
	}
	if feed.callCount(btc1m) != 2 {
		t.Fatal("1m key should be due after its interval")
	}
	if feed.callCount(btc1h) != 1 {
		t.Fatal("1h key polled before its interval")
	}
	if !fx.stream.has(fresh) {
		t.Fatal("key that became ready should be subscribed")
	}
	// Rising closes put RSI at 100: BTC 1m plus both NEWUSDT windows.
	if got := fx.sink.count(); got != 3 {
		t.Fatalf("expected three alerts, got %d", got)
	}
	if got := len(fx.tracker.Pending()); got != 3 {
		t.Fatalf("expected alerts to be recorded, got %d", got)
	}
}

func TestHandleLiveSkipsStaleCandles(t *testing.T) {
	fx := newFixture(t, newFakeFeed("BTCUSDT"))
	if err := fx.monitor.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	key := window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}

	fx.monitor.handleLive(context.Background(), job{key: key, candle: market.Candle{Timestamp: 60_000, Close: 1}})
	fx.monitor.evalWG.Wait()
	if fx.sink.count() != 0 {
		t.Fatal("stale candle must not be evaluated")
	}
	if last, _ := fx.windows.LastClose(key); last != 129 {
		t.Fatalf("stale candle altered the window: %v", last)
	}

	fx.monitor.handleLive(context.Background(), job{key: key, candle: market.Candle{Timestamp: 31 * 60_000, Close: 200}})
	fx.monitor.evalWG.Wait()
	if fx.sink.count() != 1 {
		t.Fatalf("expected one alert after live append, got %d", fx.sink.count())
	}
}

func TestSlowDeliveryDoesNotBlockShard(t *testing.T) {
	fx := newFixture(t, newFakeFeed("SLOWUSDT", "BTCUSDT"))
	gate := make(chan struct{})
	fx.sink.gates = map[string]chan struct{}{"SLOWUSDT": gate}
	if err := fx.monitor.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs := make(chan job)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.monitor.worker(ctx, jobs)
	}()

	live := market.Candle{Timestamp: 31 * 60_000, Close: 200}
	for _, symbol := range []string{"SLOWUSDT", "BTCUSDT"} {
		select {
		case jobs <- job{key: window.Key{Symbol: symbol, Timeframe: market.TF1m}, candle: live}:
		case <-time.After(time.Second):
			t.Fatalf("shard stalled before accepting %s", symbol)
		}
	}

	deadline := time.Now().Add(time.Second)
	for fx.sink.countFor("BTCUSDT") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("BTCUSDT alert held up behind SLOWUSDT delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fx.sink.countFor("SLOWUSDT") != 0 {
		t.Fatal("SLOWUSDT delivery should still be gated")
	}

	close(gate)
	cancel()
	<-done
	fx.monitor.evalWG.Wait()
	if fx.sink.countFor("SLOWUSDT") != 1 {
		t.Fatalf("expected the gated alert after release, got %d", fx.sink.countFor("SLOWUSDT"))
	}
}

func TestUpdatesDuringEvaluationCollapse(t *testing.T) {
	fx := newFixture(t, newFakeFeed("BTCUSDT"))
	gate := make(chan struct{})
	fx.sink.gates = map[string]chan struct{}{"BTCUSDT": gate}
	if err := fx.monitor.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	key := window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}

	fx.monitor.handleLive(context.Background(), job{key: key, candle: market.Candle{Timestamp: 31 * 60_000, Close: 200}})
	for i := range 5 {
		fx.monitor.handleLive(context.Background(), job{key: key, candle: market.Candle{Timestamp: 31 * 60_000, Close: 201 + float64(i)}})
	}
	fx.monitor.evalMu.Lock()
	dirty, queued := fx.monitor.inflight[key]
	fx.monitor.evalMu.Unlock()
	if !queued || !dirty {
		t.Fatalf("expected one pending re-run, queued=%v dirty=%v", queued, dirty)
	}

	close(gate)
	fx.monitor.evalWG.Wait()
	if fx.sink.count() != 1 {
		t.Fatalf("suppression should absorb the re-run, got %d alerts", fx.sink.count())
	}
	fx.monitor.evalMu.Lock()
	left := len(fx.monitor.inflight)
	fx.monitor.evalMu.Unlock()
	if left != 0 {
		t.Fatalf("inflight not drained: %d", left)
	}
}

func TestShardForIsStable(t *testing.T) {
	key := window.Key{Symbol: "ETHUSDT", Timeframe: market.TF15m}
	first := shardFor(key, 8)
	for range 10 {
		if got := shardFor(key, 8); got != first {
			t.Fatalf("shard changed: %d vs %d", got, first)
		}
	}
	if first < 0 || first >= 8 {
		t.Fatalf("shard out of range: %d", first)
	}
}

func TestTrackOutcomesFetchesOncePerSymbol(t *testing.T) {
	feed := newFakeFeed("BTCUSDT")
	fx := newFixture(t, feed)
	for _, tf := range []string{"1m", "1h"} {
		if _, err := fx.tracker.Record("BTCUSDT", 90, tf, 100, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	feed.prices["BTCUSDT"] = 98.5

	if err := fx.monitor.TrackOutcomes(context.Background(), fx.now); err != nil {
		t.Fatalf("track: %v", err)
	}
	if feed.priceReq["BTCUSDT"] != 1 {
		t.Fatalf("expected one price request, got %d", feed.priceReq["BTCUSDT"])
	}
	if got := len(fx.tracker.ByStatus(storage.StatusSuccess)); got != 2 {
		t.Fatalf("expected both alerts to succeed, got %d", got)
	}
	if len(fx.tracker.Pending()) != 0 {
		t.Fatal("no pending alerts expected")
	}
}

type heldLock struct{}

func (heldLock) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestRunRespectsAdvisoryLock(t *testing.T) {
	feed := newFakeFeed("BTCUSDT")
	fx := newFixture(t, feed)
	fx.monitor.opts.LockKey = 42
	fx.monitor.locker = heldLock{}

	if err := fx.monitor.Run(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if feed.callCount(window.Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}) != 0 {
		t.Fatal("monitor must not start without the lock")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := newFixture(t, newFakeFeed("BTCUSDT"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.monitor.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
