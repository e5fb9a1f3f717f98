package classify

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
)

type recordSink struct {
	mu          sync.Mutex
	foregrounds []Foreground
	touches     int
	rechecks    int
}

func (s *recordSink) HandleForeground(fg Foreground) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foregrounds = append(s.foregrounds, fg)
}

func (s *recordSink) Touch(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
}

func (s *recordSink) RecheckCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rechecks++
}

func (s *recordSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.foregrounds), s.touches, s.rechecks
}

func testMonitor() config.MonitorConfig {
	return config.MonitorConfig{
		SelfPackage:       "org.goodtune.timegate",
		ExcludedPackages:  []string{"com.android.settings"},
		LauncherPackages:  []string{"com.android.launcher"},
		LauncherHomeClass: "com.android.launcher.Home",
		NoiseClasses:      []string{"android.widget.TextView"},
		HomeSuppression:   500 * time.Millisecond,
		ContentThrottle:   time.Second,
	}
}

func newTestClassifier(t *testing.T) (*Classifier, *recordSink, *clock.Mock) {
	t.Helper()
	sink := &recordSink{}
	clk := clock.NewMock()
	c := New(testMonitor(), clk, sink, zerolog.Nop())
	return c, sink, clk
}

func stateEvent(pkg, class string, at time.Time) Event {
	return Event{Kind: KindStateChanged, Package: pkg, Class: class, Time: at}
}

func TestClassifySignals(t *testing.T) {
	tests := []struct {
		name  string
		pkg   string
		class string
		want  Signal
	}{
		{"own control surface", "org.goodtune.timegate", "MainActivity", SignalSelf},
		{"denylisted package", "com.android.settings", "Settings", SignalExcluded},
		{"launcher home surface", "com.android.launcher", "com.android.launcher.Home", SignalHome},
		{"launcher recents surface", "com.android.launcher", "com.android.launcher.Recents", SignalExcluded},
		{"ordinary app", "com.example.game", "GameActivity", SignalApp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sink, clk := newTestClassifier(t)
			c.Handle(stateEvent(tt.pkg, tt.class, clk.Now()))
			if len(sink.foregrounds) != 1 {
				t.Fatalf("got %d foregrounds, want 1", len(sink.foregrounds))
			}
			if got := sink.foregrounds[0].Signal; got != tt.want {
				t.Errorf("Signal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuplicateStateDropped(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))

	fgs, touches, _ := sink.counts()
	if fgs != 1 {
		t.Errorf("got %d foregrounds, want 1", fgs)
	}
	// The duplicate still proves activity.
	if touches != 2 {
		t.Errorf("got %d touches, want 2", touches)
	}
}

func TestNoiseContentDropped(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))
	c.Handle(Event{Kind: KindContentChanged, Package: "com.example.game", Class: "android.widget.TextView", Time: clk.Now()})

	_, touches, rechecks := sink.counts()
	if touches != 1 {
		t.Errorf("got %d touches, want 1 (noise must not touch)", touches)
	}
	if rechecks != 0 {
		t.Errorf("got %d rechecks, want 0", rechecks)
	}
}

func TestScrollTouchesOnly(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(Event{Kind: KindScrolled, Package: "com.example.game", Time: clk.Now()})

	fgs, touches, rechecks := sink.counts()
	if fgs != 0 || rechecks != 0 {
		t.Errorf("scroll produced foregrounds=%d rechecks=%d, want 0/0", fgs, rechecks)
	}
	if touches != 1 {
		t.Errorf("got %d touches, want 1", touches)
	}
}

func TestHomeQuietWindow(t *testing.T) {
	t.Run("app inside window dropped", func(t *testing.T) {
		c, sink, clk := newTestClassifier(t)
		c.Handle(stateEvent("com.android.launcher", "com.android.launcher.Home", clk.Now()))
		c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now().Add(200*time.Millisecond)))

		fgs, _, _ := sink.counts()
		if fgs != 1 {
			t.Errorf("got %d foregrounds, want 1 (home only)", fgs)
		}
	})

	t.Run("app after window passes", func(t *testing.T) {
		c, sink, clk := newTestClassifier(t)
		c.Handle(stateEvent("com.android.launcher", "com.android.launcher.Home", clk.Now()))
		c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now().Add(600*time.Millisecond)))

		fgs, _, _ := sink.counts()
		if fgs != 2 {
			t.Errorf("got %d foregrounds, want 2", fgs)
		}
	})

	t.Run("lock re-entry bypasses window", func(t *testing.T) {
		c, sink, clk := newTestClassifier(t)
		c.SetReentry(func(pkg string) bool { return pkg == "com.example.game" })
		c.Handle(stateEvent("com.android.launcher", "com.android.launcher.Home", clk.Now()))
		c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now().Add(200*time.Millisecond)))

		fgs, _, _ := sink.counts()
		if fgs != 2 {
			t.Errorf("got %d foregrounds, want 2 (re-entry must pass)", fgs)
		}
	})
}

func TestContentRecheckThrottle(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))

	content := func() Event {
		return Event{Kind: KindContentChanged, Package: "com.example.game", Class: "GameView", Time: clk.Now()}
	}

	clk.Add(2 * time.Second)
	c.Handle(content())
	if _, _, rechecks := sink.counts(); rechecks != 1 {
		t.Fatalf("got %d rechecks, want 1", rechecks)
	}

	// Inside the window: no immediate re-check, one deferred.
	clk.Add(300 * time.Millisecond)
	c.Handle(content())
	clk.Add(100 * time.Millisecond)
	c.Handle(content())
	if _, _, rechecks := sink.counts(); rechecks != 1 {
		t.Fatalf("got %d rechecks inside the window, want still 1", rechecks)
	}

	// Advancing past the window fires exactly the one deferred check.
	clk.Add(time.Second)
	if _, _, rechecks := sink.counts(); rechecks != 2 {
		t.Errorf("got %d rechecks after the window, want 2", rechecks)
	}
}

func TestExcludedAndSelfActivityDropped(t *testing.T) {
	c, sink, clk := newTestClassifier(t)

	c.Handle(Event{Kind: KindScrolled, Package: "com.android.settings", Time: clk.Now()})
	c.Handle(Event{Kind: KindContentChanged, Package: "com.android.settings", Class: "View", Time: clk.Now()})
	c.Handle(Event{Kind: KindScrolled, Package: "org.goodtune.timegate", Time: clk.Now()})
	c.Handle(Event{Kind: KindContentChanged, Package: "org.goodtune.timegate", Class: "View", Time: clk.Now()})

	_, touches, rechecks := sink.counts()
	if touches != 0 || rechecks != 0 {
		t.Errorf("got touches=%d rechecks=%d from excluded/self activity, want 0/0", touches, rechecks)
	}
}

func TestContentReinstatesStolenForeground(t *testing.T) {
	// A keyboard-style excluded package can steal the window event while
	// the app stays on screen. Content activity from the app proves it
	// still owns the screen and reinstates it as the foreground.
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))
	c.Handle(stateEvent("com.android.settings", "InputMethod", clk.Now()))

	clk.Add(2 * time.Second)
	c.Handle(Event{Kind: KindContentChanged, Package: "com.example.game", Class: "GameView", Time: clk.Now()})

	sink.mu.Lock()
	last := sink.foregrounds[len(sink.foregrounds)-1]
	n := len(sink.foregrounds)
	sink.mu.Unlock()
	if n != 3 {
		t.Fatalf("got %d foregrounds, want 3 (app, excluded, reinstated app)", n)
	}
	if last.Signal != SignalApp || last.Package != "com.example.game" {
		t.Errorf("reinstated foreground = %v/%q, want app/com.example.game", last.Signal, last.Package)
	}
}

func TestDeferredRecheckCarriesLatestPackage(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.example.game", "GameActivity", clk.Now()))

	// First content fires immediately; the next one, from a different
	// package inside the throttle window, rides the deferred check.
	clk.Add(2 * time.Second)
	c.Handle(Event{Kind: KindContentChanged, Package: "com.example.game", Class: "GameView", Time: clk.Now()})
	clk.Add(300 * time.Millisecond)
	c.Handle(Event{Kind: KindContentChanged, Package: "com.example.other", Class: "View", Time: clk.Now()})

	fgsBefore, _, _ := sink.counts()
	clk.Add(time.Second)

	sink.mu.Lock()
	last := sink.foregrounds[len(sink.foregrounds)-1]
	n := len(sink.foregrounds)
	sink.mu.Unlock()
	if n != fgsBefore+1 {
		t.Fatalf("got %d foregrounds after the window, want %d", n, fgsBefore+1)
	}
	if last.Signal != SignalApp || last.Package != "com.example.other" {
		t.Errorf("deferred foreground = %v/%q, want app/com.example.other", last.Signal, last.Package)
	}
}

func TestScrollQuietAfterHome(t *testing.T) {
	c, sink, clk := newTestClassifier(t)
	c.Handle(stateEvent("com.android.launcher", "com.android.launcher.Home", clk.Now()))
	_, touchesBefore, _ := sink.counts()

	// A scroll inside the quiet window is launcher-transition noise.
	c.Handle(Event{Kind: KindScrolled, Package: "com.example.game", Time: clk.Now().Add(200 * time.Millisecond)})
	if _, touches, _ := sink.counts(); touches != touchesBefore {
		t.Errorf("got %d touches inside the quiet window, want %d", touches, touchesBefore)
	}

	c.Handle(Event{Kind: KindScrolled, Package: "com.example.game", Time: clk.Now().Add(600 * time.Millisecond)})
	if _, touches, _ := sink.counts(); touches != touchesBefore+1 {
		t.Errorf("got %d touches after the window, want %d", touches, touchesBefore+1)
	}
}
