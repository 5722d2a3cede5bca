// Package tracker records delivered alerts and classifies how each one played
// out against a fixed price target.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"overbought-alerts/internal/numeric"
	"overbought-alerts/internal/storage"
)

// Alert is a tracked alert record.
type Alert = storage.AlertRecord

const saveTimeout = 5 * time.Second

// ErrInvalidEntry rejects alerts without a usable entry price.
var ErrInvalidEntry = errors.New("tracker: entry price must be positive")

// Options tune target and expiry.
type Options struct {
	// TargetPercent is the signed move that counts as success; -1 means a 1%
	// drop for the short bias.
	TargetPercent float64
	ExpiryWindow  time.Duration
	Now           func() time.Time
}

// Tracker owns the alert log. Every mutation is persisted synchronously.
type Tracker struct {
	store  storage.RecordStore
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	alerts []Alert
	index  map[string]int
	seq    uint64

	// saveMu orders writes; snapshots older than saved are dropped.
	saveMu sync.Mutex
	saved  uint64
}

// New loads the log from store. A load failure is logged and the tracker
// starts with an empty log.
func New(ctx context.Context, store storage.RecordStore, opts Options, logger zerolog.Logger) *Tracker {
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Tracker{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "tracker").Logger(),
		index:  make(map[string]int),
	}

	alerts, err := store.Load(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("could not load alert history; starting empty")
		alerts = nil
	}
	for _, a := range alerts {
		t.index[a.ID] = len(t.alerts)
		t.alerts = append(t.alerts, a)
	}
	t.logger.Info().Int("alerts", len(t.alerts)).Msg("alert history loaded")
	return t
}

// TargetPercent returns the configured target move.
func (t *Tracker) TargetPercent() float64 { return t.opts.TargetPercent }

// Record creates a pending alert and persists the log.
func (t *Tracker) Record(symbol string, signal float64, timeframe string, entryPrice float64, fundingRate *float64) (Alert, error) {
	if !(entryPrice > 0) || math.IsInf(entryPrice, 0) {
		return Alert{}, fmt.Errorf("%w: %v", ErrInvalidEntry, entryPrice)
	}

	now := t.opts.Now()
	ms := now.UnixMilli()
	price := numeric.Round(entryPrice, 8)
	alert := Alert{
		ID:           fmt.Sprintf("%s_%s_%d", symbol, timeframe, ms),
		Symbol:       symbol,
		RSI:          numeric.Round(signal, 2),
		Timeframe:    timeframe,
		Price:        price,
		TargetPrice:  numeric.Round(entryPrice*(1+t.opts.TargetPercent/100), 8),
		Timestamp:    ms,
		Date:         now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Status:       storage.StatusPending,
		MaxPrice:     price,
		MinPrice:     price,
		CurrentPrice: price,
		LastUpdate:   ms,
		MaxDropPrice: price,
	}
	if fundingRate != nil {
		v := numeric.Round(*fundingRate, 6)
		alert.FundingRate = &v
	}

	t.mu.Lock()
	for {
		if _, dup := t.index[alert.ID]; !dup {
			break
		}
		ms++
		alert.ID = symbol + "_" + timeframe + "_" + strconv.FormatInt(ms, 10)
	}
	t.index[alert.ID] = len(t.alerts)
	t.alerts = append(t.alerts, alert)
	seq, snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.persist(seq, snapshot)
	t.logger.Info().Str("id", alert.ID).Str("symbol", symbol).Str("timeframe", timeframe).
		Float64("entry", alert.Price).Float64("target", alert.TargetPrice).Msg("alert recorded")
	return alert.Clone(), nil
}

// Observe folds a price observation into the alert and returns the updated
// record. Unknown ids are ignored and report false.
func (t *Tracker) Observe(id string, currentPrice float64) (Alert, bool) {
	if !(currentPrice > 0) {
		return Alert{}, false
	}

	t.mu.Lock()
	i, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return Alert{}, false
	}
	a := &t.alerts[i]
	now := t.opts.Now()
	nowMs := now.UnixMilli()

	a.CurrentPrice = numeric.Round(currentPrice, 8)
	a.LastUpdate = nowMs
	if currentPrice > a.MaxPrice {
		a.MaxPrice = currentPrice
	}
	if currentPrice < a.MinPrice {
		a.MinPrice = currentPrice
	}

	drop := excursion(a.Price, currentPrice)
	if drop > a.MaxDropPercent {
		a.MaxDropPercent = numeric.Round(drop, 4)
		a.MaxDropPrice = currentPrice
		at := nowMs
		a.MaxDropAt = &at
	}

	if a.Status == storage.StatusPending && currentPrice <= a.TargetPrice {
		reached := true
		at := nowMs
		minutes := numeric.Round(float64(nowMs-a.Timestamp)/60000, 2)
		a.Status = storage.StatusSuccess
		a.TargetReached = &reached
		a.TargetReachedAt = &at
		a.TimeToTargetMinutes = &minutes
		t.logger.Info().Str("id", a.ID).Float64("minutes", minutes).Msg("alert reached target")
	}

	if a.Status == storage.StatusPending && now.Sub(a.CreatedAt()) >= t.opts.ExpiryWindow {
		reached := false
		final := numeric.Round(drop, 4)
		a.Status = storage.StatusExpired
		a.TargetReached = &reached
		a.FinalDropPercent = &final
		t.logger.Info().Str("id", a.ID).Float64("final_drop_pct", final).Msg("alert expired")
	}

	updated := a.Clone()
	seq, snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.persist(seq, snapshot)
	return updated, true
}

func excursion(entry, current float64) float64 {
	return (entry - current) / entry * 100
}

func (t *Tracker) snapshotLocked() (uint64, []Alert) {
	t.seq++
	out := make([]Alert, len(t.alerts))
	for i, a := range t.alerts {
		out[i] = a.Clone()
	}
	return t.seq, out
}

// persist writes with its own deadline so writes complete during shutdown.
// Snapshots reach the store in sequence order; one that lost the race to a
// newer snapshot is skipped.
func (t *Tracker) persist(seq uint64, alerts []Alert) {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if seq <= t.saved {
		return
	}
	t.saved = seq

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := t.store.Save(ctx, alerts); err != nil {
		t.logger.Error().Err(err).Msg("error saving alert history")
	}
}

func (t *Tracker) filter(keep func(Alert) bool) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Alert, 0)
	for _, a := range t.alerts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// All returns every alert in log order.
func (t *Tracker) All() []Alert {
	return t.filter(func(Alert) bool { return true })
}

// ByStatus returns alerts with the given status.
func (t *Tracker) ByStatus(status string) []Alert {
	return t.filter(func(a Alert) bool { return a.Status == status })
}

// BySymbol returns alerts for symbol.
func (t *Tracker) BySymbol(symbol string) []Alert {
	return t.filter(func(a Alert) bool { return a.Symbol == symbol })
}

// Pending returns alerts still being observed.
func (t *Tracker) Pending() []Alert {
	return t.ByStatus(storage.StatusPending)
}

// Recent returns up to n alerts, newest first.
func (t *Tracker) Recent(n int) []Alert {
	all := t.All()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}
