package watchdog

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
)

func testInactivity() config.InactivityConfig {
	return config.InactivityConfig{
		CheckInterval: 30 * time.Second,
		Timeout:       5 * time.Minute,
	}
}

func newTestWatchdog(t *testing.T) (*Watchdog, *clock.Mock, *int) {
	t.Helper()
	fired := 0
	clk := clock.NewMock()
	w := New(testInactivity(), clk, func() { fired++ }, zerolog.Nop())
	return w, clk, &fired
}

func TestFiresAfterTimeout(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	w.StartEpisode()

	clk.Add(4 * time.Minute)
	if w.Check() {
		t.Fatal("fired before the timeout")
	}
	clk.Add(time.Minute)
	if !w.Check() {
		t.Fatal("did not fire at the timeout")
	}
	if *fired != 1 {
		t.Errorf("fired %d times, want 1", *fired)
	}
}

func TestFiresAtMostOncePerEpisode(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	w.StartEpisode()

	clk.Add(10 * time.Minute)
	w.Check()
	w.Check()
	clk.Add(10 * time.Minute)
	w.Check()

	if *fired != 1 {
		t.Errorf("fired %d times, want 1", *fired)
	}

	// A fresh episode arms it again.
	w.StartEpisode()
	clk.Add(10 * time.Minute)
	w.Check()
	if *fired != 2 {
		t.Errorf("fired %d times after restart, want 2", *fired)
	}
}

func TestTouchResetsTheClock(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	w.StartEpisode()

	clk.Add(4 * time.Minute)
	w.Touch(clk.Now())
	clk.Add(4 * time.Minute)
	if w.Check() {
		t.Fatal("fired despite recent activity")
	}
	clk.Add(2 * time.Minute)
	if !w.Check() {
		t.Fatal("did not fire after activity went quiet")
	}
	if *fired != 1 {
		t.Errorf("fired %d times, want 1", *fired)
	}
}

func TestStaleTouchIgnored(t *testing.T) {
	w, clk, _ := newTestWatchdog(t)
	w.StartEpisode()

	start := clk.Now()
	clk.Add(4 * time.Minute)
	w.Touch(clk.Now())
	// An out-of-order event from before the last activity must not
	// move the mark backwards.
	w.Touch(start)
	clk.Add(2 * time.Minute)
	if w.Check() {
		t.Error("fired because a stale touch rewound the activity mark")
	}
}

func TestStopDisarms(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	w.StartEpisode()
	w.StopEpisode()

	clk.Add(time.Hour)
	if w.Check() {
		t.Error("fired after the episode was stopped")
	}
	if *fired != 0 {
		t.Errorf("fired %d times, want 0", *fired)
	}
}

func TestCheckDefersWhileSpending(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	spending := true
	w.SetIdleCheck(func() bool { return !spending })
	w.StartEpisode()

	// Passive use like video playback produces no events, but the
	// ledger is still deducting: the episode is not abandoned.
	clk.Add(10 * time.Minute)
	if w.Check() {
		t.Fatal("fired with deduction still running")
	}
	if *fired != 0 {
		t.Errorf("fired %d times, want 0", *fired)
	}

	// Once deduction pauses, the inactivity clock starts fresh.
	spending = false
	if w.Check() {
		t.Fatal("fired immediately after the pause")
	}
	clk.Add(5 * time.Minute)
	if !w.Check() {
		t.Fatal("did not fire a full timeout after the pause")
	}
	if *fired != 1 {
		t.Errorf("fired %d times, want 1", *fired)
	}
}

func TestNoEpisodeNoFire(t *testing.T) {
	w, clk, fired := newTestWatchdog(t)
	clk.Add(time.Hour)
	if w.Check() || *fired != 0 {
		t.Error("fired without an episode")
	}
}
