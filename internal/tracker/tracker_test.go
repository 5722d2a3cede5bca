package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"overbought-alerts/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	alerts  []Alert
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load(context.Context) ([]Alert, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.alerts, nil
}

func (m *memStore) Save(_ context.Context, alerts []Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.alerts = alerts
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTracker(t *testing.T, store storage.RecordStore, c *clock) *Tracker {
	t.Helper()
	return New(context.Background(), store, Options{TargetPercent: -1, ExpiryWindow: 24 * time.Hour, Now: c.Now}, zerolog.Nop())
}

func TestRecordComputesTarget(t *testing.T) {
	store := &memStore{}
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := newTracker(t, store, c)

	funding := 0.00012345678
	a, err := tr.Record("BTCUSDT", 88.456, "1h", 100, &funding)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if a.TargetPrice != 99 {
		t.Fatalf("expected target 99, got %v", a.TargetPrice)
	}
	if a.Status != storage.StatusPending || a.RSI != 88.46 {
		t.Fatalf("unexpected record %+v", a)
	}
	if a.FundingRate == nil || *a.FundingRate != 0.000123 {
		t.Fatalf("funding not rounded: %v", a.FundingRate)
	}
	if a.ID != "BTCUSDT_1h_1714557600000" {
		t.Fatalf("unexpected id %s", a.ID)
	}
	if store.saves != 1 || len(store.alerts) != 1 {
		t.Fatalf("record not persisted: saves=%d", store.saves)
	}
}

func TestRecordRejectsNonPositiveEntry(t *testing.T) {
	tr := newTracker(t, &memStore{}, &clock{now: time.Now()})
	if _, err := tr.Record("BTCUSDT", 90, "1m", 0, nil); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestObserveReachesTarget(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := newTracker(t, &memStore{}, c)
	a, _ := tr.Record("ETHUSDT", 90, "15m", 100, nil)

	c.now = c.now.Add(30 * time.Minute)
	tr.Observe(a.ID, 99)

	got := tr.BySymbol("ETHUSDT")[0]
	if got.Status != storage.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if got.TargetReached == nil || !*got.TargetReached || got.TargetReachedAt == nil {
		t.Fatal("target reached fields not set")
	}
	if *got.TargetReachedAt != c.now.UnixMilli() {
		t.Fatalf("unexpected reached time %d", *got.TargetReachedAt)
	}
	if got.TimeToTargetMinutes == nil || *got.TimeToTargetMinutes != 30 {
		t.Fatalf("unexpected time to target %v", got.TimeToTargetMinutes)
	}
	if got.MaxDropPercent != 1 || got.MaxDropPrice != 99 || got.MinPrice != 99 {
		t.Fatalf("excursion not tracked: %+v", got)
	}
}

func TestObserveExpiresAfterWindow(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := newTracker(t, &memStore{}, c)
	a, _ := tr.Record("SOLUSDT", 91, "4h", 100, nil)

	c.now = c.now.Add(2 * time.Hour)
	tr.Observe(a.ID, 99.5)
	if tr.Pending()[0].Status != storage.StatusPending {
		t.Fatal("alert should still be pending")
	}

	c.now = c.now.Add(23 * time.Hour)
	tr.Observe(a.ID, 100.5)

	got := tr.All()[0]
	if got.Status != storage.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if got.FinalDropPercent == nil || *got.FinalDropPercent != -0.5 {
		t.Fatalf("unexpected final drop %v", got.FinalDropPercent)
	}
	if got.TargetReached == nil || *got.TargetReached {
		t.Fatal("expired alert should have targetReached=false")
	}
	if got.MaxDropPercent != 0.5 || got.MaxPrice != 100.5 {
		t.Fatalf("running extremes wrong: %+v", got)
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := newTracker(t, &memStore{}, c)
	a, _ := tr.Record("XRPUSDT", 90, "1m", 100, nil)

	tr.Observe(a.ID, 98)
	c.now = c.now.Add(48 * time.Hour)
	tr.Observe(a.ID, 101)

	if got := tr.All()[0]; got.Status != storage.StatusSuccess || got.FinalDropPercent != nil {
		t.Fatalf("success must be terminal: %+v", got)
	}
}

func TestObserveUnknownIDIsNoop(t *testing.T) {
	store := &memStore{}
	tr := newTracker(t, store, &clock{now: time.Now()})
	tr.Observe("missing", 10)
	if store.saves != 0 {
		t.Fatalf("unexpected save on unknown id")
	}
}

func TestStatisticsEmpty(t *testing.T) {
	tr := newTracker(t, &memStore{}, &clock{now: time.Now()})
	s := tr.Statistics()
	if s.Total != 0 || s.SuccessRate != 0 || s.AvgTimeToTarget != 0 || s.AvgMaxDrop != 0 || s.BestDrop != 0 {
		t.Fatalf("expected zero stats, got %+v", s)
	}
	if s.TargetPercent != -1 {
		t.Fatalf("target percent missing: %v", s.TargetPercent)
	}
}

func TestStatisticsExcludesPending(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(t, &memStore{}, c)

	s1, _ := tr.Record("A", 90, "1m", 100, nil)
	s2, _ := tr.Record("B", 90, "1h", 100, nil)
	e1, _ := tr.Record("C", 90, "1h", 100, nil)
	tr.Record("D", 90, "15m", 100, nil)

	c.now = c.now.Add(10 * time.Minute)
	tr.Observe(s1.ID, 99)
	c.now = c.now.Add(10 * time.Minute)
	tr.Observe(s2.ID, 98)
	c.now = c.now.Add(25 * time.Hour)
	tr.Observe(e1.ID, 99.8)

	s := tr.Statistics()
	if s.Success != 2 || s.Expired != 1 || s.Pending != 1 || s.Total != 4 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.SuccessRate != 66.67 {
		t.Fatalf("expected 66.67, got %v", s.SuccessRate)
	}
	if s.AvgTimeToTarget != 15 {
		t.Fatalf("expected avg 15 minutes, got %v", s.AvgTimeToTarget)
	}
	if s.BestDrop != 2 || s.WorstDrop != 0.2 {
		t.Fatalf("unexpected best/worst %v/%v", s.BestDrop, s.WorstDrop)
	}

	byTF := tr.StatisticsByTimeframe([]string{"4h", "1h", "15m", "1m"})
	if len(byTF) != 3 || byTF[0].Timeframe != "1h" || byTF[0].SuccessRate != 50 {
		t.Fatalf("unexpected per-timeframe stats %+v", byTF)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(t, &memStore{}, c)
	for _, sym := range []string{"A", "B", "C"} {
		tr.Record(sym, 90, "1m", 10, nil)
		c.now = c.now.Add(time.Minute)
	}
	recent := tr.Recent(2)
	if len(recent) != 2 || recent[0].Symbol != "C" || recent[1].Symbol != "B" {
		t.Fatalf("unexpected order %+v", recent)
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	tr := newTracker(t, &memStore{loadErr: errors.New("corrupt")}, &clock{now: time.Now()})
	if len(tr.All()) != 0 {
		t.Fatal("expected empty log")
	}
	if _, err := tr.Record("A", 90, "1m", 10, nil); err != nil {
		t.Fatalf("tracker should keep working: %v", err)
	}
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	tr := newTracker(t, &memStore{saveErr: errors.New("disk full")}, &clock{now: time.Now()})
	if _, err := tr.Record("A", 90, "1m", 10, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(tr.Pending()) != 1 {
		t.Fatal("in-memory log lost after save failure")
	}
}

func TestPersistsThroughFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts_history.json")
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(t, storage.NewFileStore(path), c)
	a, _ := tr.Record("BTCUSDT", 90, "1h", 200, nil)
	tr.Observe(a.ID, 197)

	reloaded := newTracker(t, storage.NewFileStore(path), c)
	got := reloaded.All()
	if len(got) != 1 || got[0].Status != storage.StatusSuccess {
		t.Fatalf("unexpected reloaded log %+v", got)
	}
}

// gatedStore blocks the save numbered blockAt until release is closed.
type gatedStore struct {
	memStore
	calls   int
	blockAt int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, alerts []Alert) error {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == g.blockAt {
		close(g.entered)
		<-g.release
	}
	return g.memStore.Save(ctx, alerts)
}

func (g *gatedStore) last() []Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alerts
}

func TestConcurrentSavesKeepNewestSnapshot(t *testing.T) {
	store := &gatedStore{blockAt: 2, entered: make(chan struct{}), release: make(chan struct{})}
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(t, store, c)
	a, _ := tr.Record("BTCUSDT", 90, "1h", 100, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.Observe(a.ID, 99.5)
	}()
	<-store.entered

	go func() {
		defer wg.Done()
		tr.Observe(a.ID, 98)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.ByStatus(storage.StatusSuccess)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second observation never applied")
		}
		time.Sleep(time.Millisecond)
	}
	// give the newer snapshot a chance to reach the store first
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	saved := store.last()
	if len(saved) != 1 || saved[0].Status != storage.StatusSuccess {
		t.Fatalf("store holds a stale snapshot: %+v", saved)
	}
}
