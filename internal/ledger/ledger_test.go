package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/storage"
	boltstore "github.com/goodtune/timegate/internal/storage/bolt"
)

func testEconomy() config.EconomyConfig {
	return config.EconomyConfig{
		DivideRate:           3.0,
		FirstRunGrantSeconds: 0,
		TempGrantSeconds:     300,
		StreakBoundary:       time.Hour,
		StreakBonusSeconds:   600,
	}
}

func openTestCounters(t *testing.T) storage.CounterStore {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "test.bolt"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Counters()
}

func newTestLedger(t *testing.T, cfg config.EconomyConfig) (*Ledger, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	l, err := New(context.Background(), openTestCounters(t), clk, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return l, clk
}

func TestFirstRunSeedsBalanceOnce(t *testing.T) {
	cfg := testEconomy()
	cfg.FirstRunGrantSeconds = 10800

	counters := openTestCounters(t)
	clk := clock.NewMock()

	l, err := New(context.Background(), counters, clk, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := l.Snapshot().AvailableSeconds; got != 10800 {
		t.Errorf("AvailableSeconds = %v, want 10800", got)
	}

	// Spend a little, then restart against the same store: the seed
	// must not apply again.
	if err := l.StartSpending(); err != nil {
		t.Fatalf("StartSpending() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		l.Tick()
	}

	l2, err := New(context.Background(), counters, clk, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	if got := l2.Snapshot().AvailableSeconds; got != 10790 {
		t.Errorf("AvailableSeconds after restart = %v, want 10790", got)
	}
	if got := l2.Mode(); got != ModeSpending {
		t.Errorf("Mode after restart = %v, want spending", got)
	}
}

func TestBalanceInvariant(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())

	check := func(label string) {
		t.Helper()
		snap := l.Snapshot()
		if snap.AvailableSeconds != snap.AccumulatedSeconds/snap.Rate {
			t.Errorf("%s: available %v != accumulated %v / rate %v",
				label, snap.AvailableSeconds, snap.AccumulatedSeconds, snap.Rate)
		}
	}

	check("initial")
	if err := l.StartAccumulating(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 90; i++ {
		l.Tick()
	}
	check("after accumulating")
	if err := l.Grant(120); err != nil {
		t.Fatal(err)
	}
	check("after grant")
	if err := l.SetRate(2.0); err != nil {
		t.Fatal(err)
	}
	check("after rate change")
	if err := l.StartSpending(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		l.Tick()
	}
	check("after spending")
}

func TestAccumulationEarnRate(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	if err := l.StartAccumulating(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		l.Tick()
	}
	if got := l.Snapshot().AvailableSeconds; got != 10 {
		t.Errorf("AvailableSeconds = %v, want 10 (30 ticks at rate 3)", got)
	}
}

func TestStreakBonusAtBoundary(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	if err := l.StartAccumulating(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3599; i++ {
		l.Tick()
	}
	before := l.Snapshot().AvailableSeconds

	l.Tick() // crosses the one-hour streak boundary
	after := l.Snapshot().AvailableSeconds

	gained := after - before
	want := 1.0/3.0 + 600
	if diff := gained - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("boundary tick gained %v, want %v", gained, want)
	}

	// The second boundary pays out again after another full hour.
	for i := 0; i < 3600; i++ {
		l.Tick()
	}
	snap := l.Snapshot()
	wantTotal := 7200.0/3.0 + 2*600
	if diff := snap.AvailableSeconds - wantTotal; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("AvailableSeconds after two hours = %v, want %v", snap.AvailableSeconds, wantTotal)
	}
}

func TestStreakResetsOnModeChange(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	if err := l.StartAccumulating(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1800; i++ {
		l.Tick()
	}
	if got := l.Snapshot().StreakSeconds; got != 1800 {
		t.Fatalf("StreakSeconds = %v, want 1800", got)
	}

	if err := l.StartSpending(); err != nil {
		t.Fatal(err)
	}
	if err := l.StartAccumulating(); err != nil {
		t.Fatal(err)
	}
	if got := l.Snapshot().StreakSeconds; got != 0 {
		t.Errorf("StreakSeconds after mode change = %v, want 0", got)
	}
}

func TestDepletionFiresExactlyOnce(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	if err := l.SetAvailable(5); err != nil {
		t.Fatal(err)
	}
	var depletions int
	l.SetOnDepleted(func() { depletions++ })

	if err := l.StartSpending(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		l.Tick()
	}

	if depletions != 1 {
		t.Errorf("depletion fired %d times, want 1", depletions)
	}
	snap := l.Snapshot()
	if snap.Mode != ModeAccumulating {
		t.Errorf("Mode after depletion = %v, want accumulating", snap.Mode)
	}
	// Ticks past the depletion accumulate: 15 ticks at rate 3 = 5s.
	if snap.AvailableSeconds != 5 {
		t.Errorf("AvailableSeconds = %v, want 5", snap.AvailableSeconds)
	}
}

func TestStartSpendingGuards(t *testing.T) {
	t.Run("self foreground", func(t *testing.T) {
		l, _ := newTestLedger(t, testEconomy())
		if err := l.SetAvailable(100); err != nil {
			t.Fatal(err)
		}
		l.SetSelfForeground(func() bool { return true })
		if err := l.StartSpending(); !errors.Is(err, ErrSelfForeground) {
			t.Errorf("StartSpending() error = %v, want ErrSelfForeground", err)
		}
		if got := l.Mode(); got == ModeSpending {
			t.Error("ledger entered spending mode despite guard")
		}
	})

	t.Run("zero balance", func(t *testing.T) {
		l, _ := newTestLedger(t, testEconomy())
		if err := l.StartSpending(); !errors.Is(err, ErrNoBalance) {
			t.Errorf("StartSpending() error = %v, want ErrNoBalance", err)
		}
		if got := l.Mode(); got != ModeIdle {
			t.Errorf("Mode = %v, want idle", got)
		}
	})
}

func TestTempGrantOncePerDay(t *testing.T) {
	cfg := testEconomy()
	counters := openTestCounters(t)
	clk := clock.NewMock()
	l, err := New(context.Background(), counters, clk, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := l.TempGrant(ctx); err != nil {
		t.Fatalf("first TempGrant() error = %v", err)
	}
	if got := l.Snapshot().AvailableSeconds; got != 300 {
		t.Errorf("AvailableSeconds = %v, want 300", got)
	}

	if err := l.TempGrant(ctx); !errors.Is(err, ErrTempGrantUsed) {
		t.Errorf("same-day TempGrant() error = %v, want ErrTempGrantUsed", err)
	}

	clk.Add(26 * time.Hour)
	if err := l.TempGrant(ctx); err != nil {
		t.Errorf("next-day TempGrant() error = %v", err)
	}
	if got := l.Snapshot().AvailableSeconds; got != 600 {
		t.Errorf("AvailableSeconds = %v, want 600", got)
	}
}

func TestSpendingStartedAt(t *testing.T) {
	l, clk := newTestLedger(t, testEconomy())
	if err := l.SetAvailable(100); err != nil {
		t.Fatal(err)
	}

	if _, ok := l.SpendingStartedAt(); ok {
		t.Error("SpendingStartedAt reported an episode before one started")
	}

	clk.Add(time.Minute)
	started := clk.Now()
	if err := l.StartSpending(); err != nil {
		t.Fatal(err)
	}
	if at, ok := l.SpendingStartedAt(); !ok || !at.Equal(started) {
		t.Errorf("SpendingStartedAt() = %v, %v; want %v, true", at, ok, started)
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.SpendingStartedAt(); ok {
		t.Error("SpendingStartedAt reported an episode after stop")
	}
}

func TestSetRateShiftsAvailable(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	if err := l.SetAvailable(100); err != nil {
		t.Fatal(err)
	}
	if err := l.SetRate(6.0); err != nil {
		t.Fatal(err)
	}
	if got := l.Snapshot().AvailableSeconds; got != 50 {
		t.Errorf("AvailableSeconds = %v, want 50 after doubling the rate", got)
	}
	if err := l.SetRate(0); err == nil {
		t.Error("SetRate(0) should fail")
	}
}

func TestOnChangeNotifies(t *testing.T) {
	l, _ := newTestLedger(t, testEconomy())
	var last Snapshot
	var calls int
	l.SetOnChange(func(s Snapshot) { last = s; calls++ })

	if err := l.Grant(30); err != nil {
		t.Fatal(err)
	}
	if calls == 0 {
		t.Fatal("change callback never fired")
	}
	if last.AvailableSeconds != 30 {
		t.Errorf("snapshot AvailableSeconds = %v, want 30", last.AvailableSeconds)
	}
}
