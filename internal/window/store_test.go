package window

import (
	"sync"
	"testing"
	"time"

	"overbought-alerts/internal/market"
)

func candle(ts int64, closePrice float64) market.Candle {
	return market.Candle{Timestamp: ts, Open: closePrice, High: closePrice, Low: closePrice, Close: closePrice}
}

func TestIngestLiveAppendAmendStale(t *testing.T) {
	s := NewStore(5)
	key := Key{Symbol: "BTCUSDT", Timeframe: market.TF1m}
	s.Register(key)

	if got := s.IngestLive(key, candle(1000, 1)); got != Appended {
		t.Fatalf("expected append, got %s", got)
	}
	if got := s.IngestLive(key, candle(2000, 2)); got != Appended {
		t.Fatalf("expected append, got %s", got)
	}
	if got := s.IngestLive(key, candle(2000, 2.5)); got != Amended {
		t.Fatalf("expected amend, got %s", got)
	}
	if got := s.IngestLive(key, candle(1000, 9)); got != Stale {
		t.Fatalf("expected stale, got %s", got)
	}

	closes := s.Closes(key)
	if len(closes) != 2 || closes[0] != 1 || closes[1] != 2.5 {
		t.Fatalf("unexpected closes %v", closes)
	}
	if last, ok := s.LastClose(key); !ok || last != 2.5 {
		t.Fatalf("unexpected last close %v %v", last, ok)
	}
}

func TestIngestLiveUnknownKey(t *testing.T) {
	s := NewStore(3)
	if got := s.IngestLive(Key{Symbol: "X", Timeframe: market.TF1h}, candle(1, 1)); got != Unknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestFIFOEvictionAtCapacity(t *testing.T) {
	s := NewStore(3)
	key := Key{Symbol: "ETHUSDT", Timeframe: market.TF15m}
	s.Register(key)
	for i := int64(1); i <= 5; i++ {
		s.IngestLive(key, candle(i*1000, float64(i)))
	}

	snap := s.Snapshot(key)
	if len(snap) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(snap))
	}
	for i, want := range []int64{3000, 4000, 5000} {
		if snap[i].Timestamp != want {
			t.Fatalf("position %d: expected %d, got %d", i, want, snap[i].Timestamp)
		}
	}
}

func TestReplaceWindowKeepsNewest(t *testing.T) {
	s := NewStore(2)
	key := Key{Symbol: "SOLUSDT", Timeframe: market.TF4h}
	s.Register(key)
	s.IngestLive(key, candle(500, 7))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !s.ReplaceWindow(key, []market.Candle{candle(1000, 1), candle(2000, 2), candle(3000, 3)}, at) {
		t.Fatal("replace failed")
	}
	closes := s.Closes(key)
	if len(closes) != 2 || closes[0] != 2 || closes[1] != 3 {
		t.Fatalf("unexpected closes %v", closes)
	}
	if !s.LastCheckedAt(key).Equal(at) {
		t.Fatalf("last checked not stamped: %s", s.LastCheckedAt(key))
	}
}

func TestKeysSorted(t *testing.T) {
	s := NewStore(2)
	s.Register(Key{Symbol: "ETHUSDT", Timeframe: market.TF1m})
	s.Register(Key{Symbol: "BTCUSDT", Timeframe: market.TF4h})
	s.Register(Key{Symbol: "BTCUSDT", Timeframe: market.TF1h})
	s.Register(Key{Symbol: "BTCUSDT", Timeframe: market.TF1h})

	keys := s.Keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	if keys[0].Symbol != "BTCUSDT" || keys[2].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected order %v", keys)
	}
}

func TestConcurrentKeysIndependent(t *testing.T) {
	s := NewStore(50)
	keys := []Key{
		{Symbol: "A", Timeframe: market.TF1m},
		{Symbol: "B", Timeframe: market.TF1m},
		{Symbol: "C", Timeframe: market.TF1m},
	}
	for _, k := range keys {
		s.Register(k)
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			for i := int64(1); i <= 40; i++ {
				s.IngestLive(k, candle(i, float64(i)))
			}
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		if n := len(s.Closes(k)); n != 40 {
			t.Fatalf("%s: expected 40 closes, got %d", k, n)
		}
	}
}
