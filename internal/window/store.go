// Package window keeps the rolling candle window for every monitored
// (symbol, timeframe) pair.
package window

import (
	"sort"
	"sync"
	"time"

	"overbought-alerts/internal/market"
)

// Key identifies one monitored pair.
type Key struct {
	Symbol    string
	Timeframe market.Timeframe
}

func (k Key) String() string {
	return k.Symbol + "@" + k.Timeframe.String()
}

// IngestResult describes what a live candle did to the window.
type IngestResult int

const (
	Appended IngestResult = iota
	Amended
	Stale
	Unknown
)

func (r IngestResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Amended:
		return "amended"
	case Stale:
		return "stale"
	default:
		return "unknown_key"
	}
}

type entry struct {
	mu          sync.Mutex
	candles     *ring
	lastChecked time.Time
}

// Store owns every window. Each key has its own lock; the key table is
// guarded separately so keys never contend with each other.
type Store struct {
	capacity int

	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewStore creates a store whose windows hold at most capacity candles.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{capacity: capacity, entries: make(map[Key]*entry)}
}

// Capacity returns the per-window bound.
func (s *Store) Capacity() int { return s.capacity }

// Register creates an empty window for key. Registering twice is a no-op.
func (s *Store) Register(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return
	}
	s.entries[key] = &entry{candles: newRing(s.capacity)}
}

func (s *Store) get(key Key) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// IngestLive applies one streamed candle: append on a new period, amend the
// last element on the same period, reject anything older than the last.
func (s *Store) IngestLive(key Key, c market.Candle) IngestResult {
	e := s.get(key)
	if e == nil {
		return Unknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.candles.last()
	switch {
	case !ok || c.Timestamp > last.Timestamp:
		e.candles.push(c)
		return Appended
	case c.Timestamp == last.Timestamp:
		e.candles.setLast(c)
		return Amended
	default:
		return Stale
	}
}

// ReplaceWindow swaps the window for a freshly polled one, keeping the newest
// candles up to capacity, and stamps the last-checked time.
func (s *Store) ReplaceWindow(key Key, candles []market.Candle, at time.Time) bool {
	e := s.get(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(candles) > s.capacity {
		candles = candles[len(candles)-s.capacity:]
	}
	e.candles.reset()
	for _, c := range candles {
		e.candles.push(c)
	}
	e.lastChecked = at
	return true
}

// LastCheckedAt returns when the window was last refreshed from a poll.
func (s *Store) LastCheckedAt(key Key) time.Time {
	e := s.get(key)
	if e == nil {
		return time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChecked
}

// Closes returns the closing prices oldest to newest.
func (s *Store) Closes(key Key) []float64 {
	e := s.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, e.candles.len())
	for i := range out {
		out[i] = e.candles.at(i).Close
	}
	return out
}

// LastClose returns the newest close.
func (s *Store) LastClose(key Key) (float64, bool) {
	e := s.get(key)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.candles.last()
	return last.Close, ok
}

// Snapshot copies the window.
func (s *Store) Snapshot(key Key) []market.Candle {
	e := s.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candles.slice()
}

// Keys lists registered keys sorted by symbol then timeframe.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Timeframe < keys[j].Timeframe
	})
	return keys
}
